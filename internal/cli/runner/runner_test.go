package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/auth"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/hunting"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const minimalConfig = `
export:
  day: "2025-09-01"
  tenant_id: tenant-123
  client_id: client-456
consumers:
  - type: StdoutSink
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	e := config.Export
	assert.Equal(t, "DeviceProcessEvents", e.Table)
	assert.Equal(t, "Timestamp", e.TimestampField)
	assert.Equal(t, "ReportId", e.RecordIDField)
	assert.Equal(t, 60*time.Minute, e.SliceWidth.Std())
	assert.Equal(t, 100000, e.PageSize)
	assert.Equal(t, "HUNTING_EXPORT_CLIENT_SECRET", e.ClientSecretEnv)
	assert.Equal(t, 8, e.MaxAttempts)
	assert.Equal(t, 2*time.Second, e.BackoffBase.Std())
	assert.Equal(t, 60*time.Second, e.BackoffCap.Std())
	assert.Equal(t, 500*time.Millisecond, e.Pacing.Std())
	assert.Equal(t, 1, e.Workers)
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := writeConfigFile(t, `
export:
  day: "2025-09-01"
  tenant_id: tenant-123
  client_id: client-456
  slice_width: 90m
  backoff_base: 500ms
  backoff_cap: 2m
  pacing: 250ms
consumers:
  - type: StdoutSink
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Minute, config.Export.SliceWidth.Std())
	assert.Equal(t, 500*time.Millisecond, config.Export.BackoffBase.Std())
	assert.Equal(t, 2*time.Minute, config.Export.BackoffCap.Std())
	assert.Equal(t, 250*time.Millisecond, config.Export.Pacing.Std())
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	path := writeConfigFile(t, `
export:
  day: "2025-09-01"
  slice_width: ninety minutes
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errMsg string
	}{
		{
			name: "missing day",
			yaml: `
export:
  tenant_id: t
  client_id: c
consumers:
  - type: StdoutSink
`,
			errMsg: "'day' is required",
		},
		{
			name: "unparseable day",
			yaml: `
export:
  day: "September 1st"
  tenant_id: t
  client_id: c
consumers:
  - type: StdoutSink
`,
			errMsg: "invalid export configuration",
		},
		{
			name: "missing tenant",
			yaml: `
export:
  day: "2025-09-01"
  client_id: c
consumers:
  - type: StdoutSink
`,
			errMsg: "'tenant_id' is required",
		},
		{
			name: "missing client id",
			yaml: `
export:
  day: "2025-09-01"
  tenant_id: t
consumers:
  - type: StdoutSink
`,
			errMsg: "'client_id' is required",
		},
		{
			name: "negative page size",
			yaml: `
export:
  day: "2025-09-01"
  tenant_id: t
  client_id: c
  page_size: -5
consumers:
  - type: StdoutSink
`,
			errMsg: "page_size must be positive",
		},
		{
			name: "backoff cap below base",
			yaml: `
export:
  day: "2025-09-01"
  tenant_id: t
  client_id: c
  backoff_base: 10s
  backoff_cap: 1s
consumers:
  - type: StdoutSink
`,
			errMsg: "backoff bounds invalid",
		},
		{
			name: "no consumers",
			yaml: `
export:
  day: "2025-09-01"
  tenant_id: t
  client_id: c
`,
			errMsg: "at least one consumer",
		},
		{
			name: "consumer without type",
			yaml: `
export:
  day: "2025-09-01"
  tenant_id: t
  client_id: c
consumers:
  - config:
      output_dir: /tmp/out
`,
			errMsg: "consumer 0 has no type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigFile(t, tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, hunting.ErrInvalidConfiguration)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestPlanListsWindows(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	r := New(Options{ConfigFile: path}, DefaultFactories())

	config, windows, err := r.Plan()
	require.NoError(t, err)
	require.Len(t, windows, 24)

	day := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, day, windows[0].Start)
	assert.Equal(t, day.AddDate(0, 0, 1), windows[23].End)
	assert.Equal(t, "2025-09-01", config.Export.Day)
}

// pageConsumer records every batch it is handed.
type pageConsumer struct {
	mu      sync.Mutex
	batches []types.PageBatch
	closed  bool
}

func (c *pageConsumer) Process(ctx context.Context, batch types.PageBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return nil
}

func (c *pageConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func fakeFactories(sink *pageConsumer) Factories {
	return Factories{
		CreateConsumer: func(types.ConsumerConfig) (types.Consumer, error) {
			return sink, nil
		},
		CreateTokens: func(tenantID, clientID, clientSecret, authority string) (auth.TokenProvider, error) {
			return auth.StaticTokenProvider("test-token"), nil
		},
	}
}

// newHuntingServer serves a fixed two-record page for every query.
func newHuntingServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var queries atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := queries.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"Results":[
			{"Timestamp":"2025-09-01T00:00:01.0000000Z","ReportId":%d,"FileName":"a.exe"},
			{"Timestamp":"2025-09-01T00:00:02.0000000Z","ReportId":%d,"FileName":"b.exe"}
		]}`, n*2-1, n*2)
	}))
	t.Cleanup(srv.Close)
	return srv, &queries
}

func runConfig(endpoint, checkpointDir string) string {
	return fmt.Sprintf(`
export:
  day: "2025-09-01"
  tenant_id: tenant-123
  client_id: client-456
  slice_width: 6h
  pacing: 1ms
  endpoint: %s
  checkpoint_dir: %s
consumers:
  - type: StdoutSink
`, endpoint, checkpointDir)
}

func TestRunDrainsEveryWindow(t *testing.T) {
	srv, queries := newHuntingServer(t)
	t.Setenv("HUNTING_EXPORT_CLIENT_SECRET", "s3cret")

	sink := &pageConsumer{}
	path := writeConfigFile(t, runConfig(srv.URL, ""))
	r := New(Options{ConfigFile: path}, fakeFactories(sink))

	result, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	// 4 six-hour slices, one short page each.
	assert.Equal(t, 4, result.SlicesAttempted)
	assert.Equal(t, 4, result.SlicesSucceeded)
	assert.Equal(t, 0, result.SlicesFailed)
	assert.Equal(t, int64(8), result.TotalRows)
	assert.EqualValues(t, 4, queries.Load())
	assert.Len(t, sink.batches, 4)
	assert.True(t, sink.closed)

	for _, batch := range sink.batches {
		assert.Equal(t, result.RunID, batch.RunID)
		assert.Equal(t, 1, batch.PageNumber)
		assert.Len(t, batch.Records, 2)
	}
}

func TestRunRequiresClientSecret(t *testing.T) {
	srv, _ := newHuntingServer(t)
	t.Setenv("HUNTING_EXPORT_CLIENT_SECRET", "")

	path := writeConfigFile(t, runConfig(srv.URL, ""))
	r := New(Options{ConfigFile: path}, fakeFactories(&pageConsumer{}))

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, hunting.ErrInvalidConfiguration)
	assert.Contains(t, err.Error(), "HUNTING_EXPORT_CLIENT_SECRET")
}

func TestRunWritesManifestAndResumeSkips(t *testing.T) {
	srv, queries := newHuntingServer(t)
	t.Setenv("HUNTING_EXPORT_CLIENT_SECRET", "s3cret")

	checkpointDir := t.TempDir()
	path := writeConfigFile(t, runConfig(srv.URL, checkpointDir))

	r := New(Options{ConfigFile: path}, fakeFactories(&pageConsumer{}))
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.SlicesSucceeded)

	manifestPath := filepath.Join(checkpointDir, "manifest-2025-09-01.json")
	_, err = os.Stat(manifestPath)
	require.NoError(t, err)

	queriesAfterFirst := queries.Load()

	resumed := New(Options{ConfigFile: path, Resume: true}, fakeFactories(&pageConsumer{}))
	result, err = resumed.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.SlicesAttempted)
	assert.Equal(t, int64(0), result.TotalRows)
	assert.Equal(t, queriesAfterFirst, queries.Load(), "resume should not re-query completed windows")
}

func TestRunResumeWithoutCheckpointDir(t *testing.T) {
	srv, _ := newHuntingServer(t)
	t.Setenv("HUNTING_EXPORT_CLIENT_SECRET", "s3cret")

	path := writeConfigFile(t, runConfig(srv.URL, ""))
	r := New(Options{ConfigFile: path, Resume: true}, fakeFactories(&pageConsumer{}))

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, hunting.ErrInvalidConfiguration)
	assert.Contains(t, err.Error(), "checkpoint_dir")
}
