package runner

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/hunting-export-pipeline/consumer"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/auth"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/checkpoint"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/hunting"
)

type Options struct {
	ConfigFile string
	Verbose    bool
	Resume     bool
}

// Factories builds the pluggable components of a run. Tests swap these out;
// cmd/hunting-export wires the real ones.
type Factories struct {
	CreateConsumer func(types.ConsumerConfig) (types.Consumer, error)
	CreateTokens   func(tenantID, clientID, clientSecret, authority string) (auth.TokenProvider, error)
}

// DefaultFactories returns the production component factories.
func DefaultFactories() Factories {
	return Factories{
		CreateConsumer: consumer.NewConsumer,
		CreateTokens: func(tenantID, clientID, clientSecret, authority string) (auth.TokenProvider, error) {
			var opts []auth.ProviderOption
			if authority != "" {
				opts = append(opts, auth.WithAuthority(authority))
			}
			return auth.NewClientCredentialsProvider(tenantID, clientID, clientSecret, opts...)
		},
	}
}

// Runner loads an export config and drives one day-export run.
type Runner struct {
	opts      Options
	factories Factories
}

func New(opts Options, factories Factories) *Runner {
	return &Runner{
		opts:      opts,
		factories: factories,
	}
}

// Validate loads the config file and checks it without building any
// component or touching the network.
func (r *Runner) Validate() (*Config, error) {
	return LoadConfig(r.opts.ConfigFile)
}

// Plan returns the validated config and the windows a run would drain.
func (r *Runner) Plan() (*Config, []types.TimeWindow, error) {
	config, err := r.Validate()
	if err != nil {
		return nil, nil, err
	}

	slicer, err := newSlicer(config)
	if err != nil {
		return nil, nil, err
	}

	windows := make([]types.TimeWindow, 0, slicer.Count())
	for w := range slicer.Windows() {
		windows = append(windows, w)
	}
	return config, windows, nil
}

// Run executes the export. The returned ExportResult is non-nil whenever the
// run started; err is non-nil only when the run could not start or was
// cancelled (per-slice failures are isolated and reported in the result).
func (r *Runner) Run(ctx context.Context) (*hunting.ExportResult, error) {
	config, err := r.Validate()
	if err != nil {
		return nil, err
	}

	slicer, err := newSlicer(config)
	if err != nil {
		return nil, err
	}

	e := config.Export

	secret := os.Getenv(e.ClientSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set",
			hunting.ErrInvalidConfiguration, e.ClientSecretEnv)
	}

	tokens, err := r.factories.CreateTokens(e.TenantID, e.ClientID, secret, e.Authority)
	if err != nil {
		return nil, fmt.Errorf("error creating token provider: %w", err)
	}

	consumers := make([]types.Consumer, 0, len(config.Consumers))
	defer func() {
		for _, cons := range consumers {
			if closeErr := cons.Close(); closeErr != nil {
				log.Printf("Error closing consumer %T: %v", cons, closeErr)
			}
		}
	}()
	for _, consConfig := range config.Consumers {
		cons, err := r.factories.CreateConsumer(consConfig)
		if err != nil {
			return nil, fmt.Errorf("error creating consumer %s: %w", consConfig.Type, err)
		}
		consumers = append(consumers, cons)
	}

	execOpts := []hunting.ExecutorOption{
		hunting.WithMaxAttempts(e.MaxAttempts),
		hunting.WithBackoff(e.BackoffBase.Std(), e.BackoffCap.Std()),
	}
	if e.RateLimit > 0 {
		execOpts = append(execOpts, hunting.WithRateLimiter(rate.NewLimiter(rate.Limit(e.RateLimit), 1)))
	}
	executor := hunting.NewQueryExecutor(e.Endpoint, tokens, execOpts...)

	builder := hunting.QueryBuilder{
		Table:          e.Table,
		TimestampField: e.TimestampField,
		RecordIDField:  e.RecordIDField,
		PageSize:       e.PageSize,
	}

	runID := uuid.NewString()

	drainer, err := hunting.NewSliceDrainer(builder, executor, runID, consumers...)
	if err != nil {
		return nil, err
	}

	orchOpts := []hunting.OrchestratorOption{
		hunting.WithRunID(runID),
		hunting.WithPacing(e.Pacing.Std()),
		hunting.WithWorkers(e.Workers),
	}

	var manager *checkpoint.Manager
	if e.CheckpointDir != "" {
		manager, err = checkpoint.NewManager(e.CheckpointDir, runID, slicer.Day(), slicer.Width(), e, r.opts.Resume)
		if err != nil {
			return nil, fmt.Errorf("error creating checkpoint manager: %w", err)
		}
		orchOpts = append(orchOpts, hunting.WithObserver(manifestObserver{manager}))
		if r.opts.Resume {
			orchOpts = append(orchOpts, hunting.WithSkip(manager.SkipWindow))
		}
	} else if r.opts.Resume {
		return nil, fmt.Errorf("%w: --resume requires checkpoint_dir to be set", hunting.ErrInvalidConfiguration)
	}

	orch, err := hunting.NewOrchestrator(slicer, drainer, tokens, orchOpts...)
	if err != nil {
		return nil, err
	}

	result, runErr := orch.Run(ctx)

	if manager != nil {
		if flushErr := manager.Flush(); flushErr != nil {
			log.Printf("[WARN] failed to flush manifest: %v (continuing)", flushErr)
		} else if r.opts.Verbose {
			log.Printf("manifest written to %s", manager.Path())
		}
	}

	return result, runErr
}

func newSlicer(config *Config) (*hunting.Slicer, error) {
	day, err := hunting.ParseDay(config.Export.Day)
	if err != nil {
		return nil, err
	}
	return hunting.NewSlicer(day, config.Export.SliceWidth.Std())
}

// manifestObserver feeds slice outcomes into the checkpoint manifest.
type manifestObserver struct {
	manager *checkpoint.Manager
}

func (o manifestObserver) SliceCompleted(res hunting.DrainResult) {
	o.manager.RecordCompleted(checkpoint.WindowRecord{
		Window:  res.Window,
		Rows:    res.Rows,
		Pages:   res.Pages,
		Partial: res.Partial,
		Reason:  res.PartialReason,
	})
}

func (o manifestObserver) SliceFailed(w types.TimeWindow, err error) {
	o.manager.RecordFailed(checkpoint.WindowRecord{
		Window: w,
		Reason: err.Error(),
	})
}
