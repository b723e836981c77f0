package hunting

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/auth"
	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// Drainer drains a single window. *SliceDrainer is the production
// implementation.
type Drainer interface {
	Drain(ctx context.Context, w types.TimeWindow) (DrainResult, error)
}

// RunObserver receives slice outcomes as a run progresses. The checkpoint
// manifest hangs off this.
type RunObserver interface {
	SliceCompleted(res DrainResult)
	SliceFailed(w types.TimeWindow, err error)
}

type noopObserver struct{}

func (noopObserver) SliceCompleted(DrainResult)          {}
func (noopObserver) SliceFailed(types.TimeWindow, error) {}

// WindowFailure names a window whose drain failed and why, so the caller can
// re-run just the failed windows.
type WindowFailure struct {
	Window types.TimeWindow `json:"window"`
	Reason string           `json:"reason"`
}

// ExportResult aggregates a day run. TotalRows counts rows handed to
// consumers, including pages persisted by slices that failed later.
type ExportResult struct {
	RunID           string
	Day             time.Time
	TotalRows       int64
	SlicesAttempted int
	SlicesSucceeded int
	SlicesFailed    int
	PartialSlices   int
	FailedWindows   []WindowFailure
	Elapsed         time.Duration
}

// Orchestrator walks a day's windows and drains each one, isolating slice
// failures so a bad hour never aborts the rest of the day.
type Orchestrator struct {
	slicer  *Slicer
	drainer Drainer
	tokens  auth.TokenProvider

	runID    string
	pacing   time.Duration
	workers  int
	skip     func(types.TimeWindow) bool
	observer RunObserver
	sleep    SleepFunc

	mu sync.Mutex
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) OrchestratorOption {
	return func(o *Orchestrator) { o.runID = id }
}

// WithPacing sets the delay between consecutive slices in sequential mode.
// Parallel runs pace through the executor's rate limiter instead.
func WithPacing(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.pacing = d }
}

// WithWorkers drains up to n slices concurrently. Consumers must accept
// concurrent Process calls when n > 1.
func WithWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.workers = n }
}

// WithSkip marks windows to pass over, used to resume a previous run.
func WithSkip(fn func(types.TimeWindow) bool) OrchestratorOption {
	return func(o *Orchestrator) { o.skip = fn }
}

// WithObserver registers a slice-outcome observer.
func WithObserver(obs RunObserver) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithPacingSleep replaces the pacing wait function.
func WithPacingSleep(fn SleepFunc) OrchestratorOption {
	return func(o *Orchestrator) { o.sleep = fn }
}

// NewOrchestrator builds an orchestrator over an already-validated slicer and
// drainer.
func NewOrchestrator(slicer *Slicer, drainer Drainer, tokens auth.TokenProvider, opts ...OrchestratorOption) (*Orchestrator, error) {
	if slicer == nil {
		return nil, fmt.Errorf("%w: slicer must be provided", ErrInvalidConfiguration)
	}
	if drainer == nil {
		return nil, fmt.Errorf("%w: drainer must be provided", ErrInvalidConfiguration)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token provider must be provided", ErrInvalidConfiguration)
	}
	o := &Orchestrator{
		slicer:   slicer,
		drainer:  drainer,
		tokens:   tokens,
		runID:    uuid.NewString(),
		workers:  1,
		observer: noopObserver{},
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	return o, nil
}

// RunID returns the id this run tags pages and manifests with.
func (o *Orchestrator) RunID() string { return o.runID }

// Run exports the day. Authentication is checked once before anything is
// queried; a failure there aborts the run with ErrAuthentication. Slice
// failures are recorded and the run continues. Cancellation stops at the
// next slice boundary and returns the context error alongside the partial
// result.
func (o *Orchestrator) Run(ctx context.Context) (*ExportResult, error) {
	start := time.Now()

	if _, err := o.tokens.Token(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	log.Printf("export run %s: day %s, %d slices of %s",
		o.runID, o.slicer.Day().Format(dayLayout), o.slicer.Count(), o.slicer.Width())

	res := &ExportResult{RunID: o.runID, Day: o.slicer.Day()}
	var err error
	if o.workers > 1 {
		err = o.runParallel(ctx, res)
	} else {
		err = o.runSequential(ctx, res)
	}
	res.Elapsed = time.Since(start)

	log.Printf("export run %s finished: %d rows, %d/%d slices succeeded (%d failed, %d partial) in %s",
		o.runID, res.TotalRows, res.SlicesSucceeded, res.SlicesAttempted, res.SlicesFailed, res.PartialSlices, res.Elapsed)
	return res, err
}

func (o *Orchestrator) runSequential(ctx context.Context, res *ExportResult) error {
	first := true
	for w := range o.slicer.Windows() {
		if o.skip != nil && o.skip(w) {
			log.Printf("slice %s already completed, skipping", w)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !first && o.pacing > 0 {
			if err := o.sleep(ctx, o.pacing); err != nil {
				return errors.Wrap(err, "pacing wait aborted")
			}
		}
		first = false
		if err := o.drainOne(ctx, w, res); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runParallel(ctx context.Context, res *ExportResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for w := range o.slicer.Windows() {
		if o.skip != nil && o.skip(w) {
			log.Printf("slice %s already completed, skipping", w)
			continue
		}
		g.Go(func() error {
			return o.drainOne(gctx, w, res)
		})
	}
	return g.Wait()
}

// drainOne drains a window and folds the outcome into res. Only context
// cancellation propagates as an error; everything else is slice isolation.
func (o *Orchestrator) drainOne(ctx context.Context, w types.TimeWindow, res *ExportResult) error {
	dres, err := o.drainer.Drain(ctx, w)

	o.mu.Lock()
	defer o.mu.Unlock()

	res.SlicesAttempted++
	res.TotalRows += dres.Rows

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		res.SlicesFailed++
		res.FailedWindows = append(res.FailedWindows, WindowFailure{Window: w, Reason: err.Error()})
		log.Printf("[ERROR] slice %s failed: %v", w, err)
		o.observer.SliceFailed(w, err)
		return nil
	}

	res.SlicesSucceeded++
	if dres.Partial {
		res.PartialSlices++
		log.Printf("slice %s complete (partial): %d rows in %d pages", w, dres.Rows, dres.Pages)
	} else {
		log.Printf("slice %s complete: %d rows in %d pages", w, dres.Rows, dres.Pages)
	}
	o.observer.SliceCompleted(dres)
	return nil
}
