package types

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is a single event row exactly as the query endpoint returned it.
// The export engine treats records as opaque JSON: it extracts the anchor
// fields for cursor derivation and otherwise forwards the bytes unmodified.
type Record = json.RawMessage

// TimeWindow is a half-open UTC interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the window width.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// PageBatch is one ordered page of records retrieved for a slice. Pages are
// numbered from 1 within each slice; consumers receive them in order and must
// not reorder records within a page.
type PageBatch struct {
	RunID      string
	SliceStart time.Time
	PageNumber int
	Records    []Record
}

// ConsumerConfig defines configuration for a consumer
type ConsumerConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// Consumer defines the interface for sinks that persist retrieved pages.
type Consumer interface {
	Process(context.Context, PageBatch) error
	Close() error
}
