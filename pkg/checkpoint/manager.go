package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

const dayLayout = "2006-01-02"

// Manager maintains the manifest for one day-export run. Every recorded
// slice outcome rewrites the manifest on disk; writes are best-effort and
// never fail the run.
type Manager struct {
	path string

	mu       sync.Mutex
	manifest Manifest

	// adopted holds window starts carried over from a resumed manifest.
	adopted map[int64]struct{}
}

// NewManager creates a manifest manager for the given day and slice width.
// The manifest lives at {dir}/manifest-{day}.json. With resume set, an
// existing manifest for the day is adopted when its config hash and slice
// width match; on a mismatch the manager logs a warning and starts fresh.
func NewManager(dir, runID string, day time.Time, width time.Duration, config interface{}, resume bool) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("manifest directory cannot be empty")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	dayStr := day.UTC().Format(dayLayout)
	configHash := calculateConfigHash(config)

	m := &Manager{
		path:    ManifestPath(dir, day),
		adopted: make(map[int64]struct{}),
		manifest: Manifest{
			Version:    ManifestVersion,
			RunID:      runID,
			Day:        dayStr,
			SliceWidth: width.String(),
			ConfigHash: configHash,
			StartedAt:  time.Now().UTC(),
		},
	}

	if resume {
		prev, err := Load(dir, day)
		switch {
		case err != nil:
			log.Printf("[WARN] no previous manifest to resume from: %v", err)
		case prev.ConfigHash != configHash:
			log.Printf("[WARN] configuration changed since previous run (manifest: %s, current: %s), starting fresh",
				prev.ConfigHash, configHash)
		case prev.SliceWidth != width.String():
			log.Printf("[WARN] slice width changed since previous run (manifest: %s, current: %s), starting fresh",
				prev.SliceWidth, width)
		default:
			m.manifest.Completed = prev.Completed
			m.manifest.TotalRows = prev.TotalRows
			for _, rec := range prev.Completed {
				m.adopted[rec.Window.Start.Unix()] = struct{}{}
			}
			log.Printf("resuming day %s: %d windows already completed (%d rows)",
				dayStr, len(prev.Completed), prev.TotalRows)
		}
	}

	return m, nil
}

// ManifestPath returns where the manifest for a day lives under dir.
func ManifestPath(dir string, day time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("manifest-%s.json", day.UTC().Format(dayLayout)))
}

// SkipWindow reports whether a window was completed by the resumed run and
// can be passed over.
func (m *Manager) SkipWindow(w types.TimeWindow) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.adopted[w.Start.Unix()]
	return ok
}

// RecordCompleted appends a completed window and rewrites the manifest.
func (m *Manager) RecordCompleted(rec WindowRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.At = time.Now().UTC()
	m.manifest.Completed = append(m.manifest.Completed, rec)
	m.manifest.TotalRows += rec.Rows
	m.flushLocked()
}

// RecordFailed appends a failed window and rewrites the manifest.
func (m *Manager) RecordFailed(rec WindowRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.At = time.Now().UTC()
	m.manifest.Failed = append(m.manifest.Failed, rec)
	m.flushLocked()
}

// Flush writes the manifest out and reports the error, for the final write
// at the end of a run.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.manifest.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := WriteAtomic(m.path, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Path returns the manifest file location.
func (m *Manager) Path() string { return m.path }

// flushLocked persists the manifest without failing the run: errors are
// logged and processing continues.
func (m *Manager) flushLocked() {
	m.manifest.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m.manifest, "", "  ")
	if err != nil {
		log.Printf("[ERROR] failed to marshal manifest: %v (continuing)", err)
		return
	}
	if err := WriteAtomic(m.path, data); err != nil {
		log.Printf("[ERROR] failed to write manifest: %v (continuing)", err)
	}
}

// Load reads the manifest for a day from dir.
//
// A missing manifest is not fatal - the run simply starts from the first
// window of the day.
func Load(dir string, day time.Time) (*Manifest, error) {
	path := ManifestPath(dir, day)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no manifest found at %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest (possibly corrupted): %w", err)
	}
	if manifest.Version == "" || manifest.Day == "" {
		return nil, fmt.Errorf("invalid manifest: missing required fields")
	}
	return &manifest, nil
}

// calculateConfigHash computes a hash of the configuration for change detection
func calculateConfigHash(config interface{}) string {
	if config == nil {
		return "no-config"
	}

	data, err := json.Marshal(config)
	if err != nil {
		return "hash-error"
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
