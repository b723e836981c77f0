package checkpoint

import (
	"time"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// WindowRecord captures the outcome of one drained window.
type WindowRecord struct {
	Window  types.TimeWindow `json:"window"`
	Rows    int64            `json:"rows"`
	Pages   int              `json:"pages"`
	Partial bool             `json:"partial,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	At      time.Time        `json:"at"`
}

// Manifest records the progress of one day-export run. It is rewritten after
// every slice outcome, so an interrupted run can be resumed from the windows
// it already completed.
type Manifest struct {
	// Version of the manifest format (for future compatibility)
	Version string `json:"version"`

	// Run identification
	RunID string `json:"run_id"`
	Day   string `json:"day"`

	// SliceWidth is the window width the day was partitioned with. Resuming
	// requires the same width, otherwise window bounds would not line up.
	SliceWidth string `json:"slice_width"`

	// Configuration hash to detect config changes between runs
	ConfigHash string `json:"config_hash"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// TotalRows counts rows across all completed windows.
	TotalRows int64 `json:"total_rows"`

	Completed []WindowRecord `json:"completed"`
	Failed    []WindowRecord `json:"failed,omitempty"`
}

// ManifestVersion is the current manifest format version
const ManifestVersion = "1.0"
