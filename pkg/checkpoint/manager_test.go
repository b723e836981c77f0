package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

var testDay = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func window(hour int) types.TimeWindow {
	start := testDay.Add(time.Duration(hour) * time.Hour)
	return types.TimeWindow{Start: start, End: start.Add(time.Hour)}
}

func testConfig() map[string]interface{} {
	return map[string]interface{}{"table": "DeviceProcessEvents", "page_size": 100000}
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager("", "run-1", testDay, time.Hour, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory")

	_, err = NewManager(t.TempDir(), "", testDay, time.Hour, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run ID")
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, "run-1", testDay, time.Hour, testConfig(), false)
	require.NoError(t, err)

	mgr.RecordCompleted(WindowRecord{Window: window(0), Rows: 120, Pages: 2})
	mgr.RecordCompleted(WindowRecord{Window: window(1), Rows: 30, Pages: 1, Partial: true, Reason: "missing anchor"})
	mgr.RecordFailed(WindowRecord{Window: window(2), Reason: "status 400"})
	require.NoError(t, mgr.Flush())

	loaded, err := Load(dir, testDay)
	require.NoError(t, err)

	assert.Equal(t, ManifestVersion, loaded.Version)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, "2025-09-01", loaded.Day)
	assert.Equal(t, "1h0m0s", loaded.SliceWidth)
	assert.Equal(t, int64(150), loaded.TotalRows)
	require.Len(t, loaded.Completed, 2)
	require.Len(t, loaded.Failed, 1)
	assert.True(t, loaded.Completed[0].Window.Start.Equal(window(0).Start))
	assert.True(t, loaded.Completed[1].Partial)
	assert.Equal(t, "status 400", loaded.Failed[0].Reason)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestManifestWritesLeaveNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, "run-1", testDay, time.Hour, nil, false)
	require.NoError(t, err)

	for hour := 0; hour < 5; hour++ {
		mgr.RecordCompleted(WindowRecord{Window: window(hour), Rows: 1, Pages: 1})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "manifest-2025-09-01.json", entries[0].Name())
}

func TestResumeAdoptsCompletedWindows(t *testing.T) {
	dir := t.TempDir()

	first, err := NewManager(dir, "run-1", testDay, time.Hour, testConfig(), false)
	require.NoError(t, err)
	first.RecordCompleted(WindowRecord{Window: window(0), Rows: 100, Pages: 1})
	first.RecordCompleted(WindowRecord{Window: window(1), Rows: 50, Pages: 1})
	first.RecordFailed(WindowRecord{Window: window(2), Reason: "status 503"})

	second, err := NewManager(dir, "run-2", testDay, time.Hour, testConfig(), true)
	require.NoError(t, err)

	assert.True(t, second.SkipWindow(window(0)))
	assert.True(t, second.SkipWindow(window(1)))
	assert.False(t, second.SkipWindow(window(2)), "failed windows are re-attempted")
	assert.False(t, second.SkipWindow(window(3)))

	// Adopted rows carry into the new manifest.
	require.NoError(t, second.Flush())
	loaded, err := Load(dir, testDay)
	require.NoError(t, err)
	assert.Equal(t, int64(150), loaded.TotalRows)
	assert.Equal(t, "run-2", loaded.RunID)
}

func TestResumeStartsFreshOnConfigChange(t *testing.T) {
	dir := t.TempDir()

	first, err := NewManager(dir, "run-1", testDay, time.Hour, testConfig(), false)
	require.NoError(t, err)
	first.RecordCompleted(WindowRecord{Window: window(0), Rows: 100, Pages: 1})

	changed := map[string]interface{}{"table": "DeviceEvents", "page_size": 100000}
	second, err := NewManager(dir, "run-2", testDay, time.Hour, changed, true)
	require.NoError(t, err)

	assert.False(t, second.SkipWindow(window(0)), "changed config must not skip windows")
}

func TestResumeStartsFreshOnWidthChange(t *testing.T) {
	dir := t.TempDir()

	first, err := NewManager(dir, "run-1", testDay, time.Hour, testConfig(), false)
	require.NoError(t, err)
	first.RecordCompleted(WindowRecord{Window: window(0), Rows: 100, Pages: 1})

	second, err := NewManager(dir, "run-2", testDay, 30*time.Minute, testConfig(), true)
	require.NoError(t, err)

	assert.False(t, second.SkipWindow(window(0)), "changed width must not skip windows")
}

func TestResumeWithoutPreviousManifest(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), "run-1", testDay, time.Hour, nil, true)
	require.NoError(t, err, "resume with nothing to resume is not an error")
	assert.False(t, mgr.SkipWindow(window(0)))
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(t.TempDir(), testDay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no manifest found")
}

func TestLoadCorruptManifest(t *testing.T) {
	dir := t.TempDir()
	path := ManifestPath(dir, testDay)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Load(dir, testDay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	require.NoError(t, WriteAtomic(path, []byte("first")))
	require.NoError(t, WriteAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestCalculateConfigHash(t *testing.T) {
	a := calculateConfigHash(testConfig())
	b := calculateConfigHash(testConfig())
	c := calculateConfigHash(map[string]interface{}{"table": "DeviceEvents"})

	assert.Equal(t, a, b, "identical config hashes identically")
	assert.NotEqual(t, a, c)
	assert.Equal(t, "no-config", calculateConfigHash(nil))
}
