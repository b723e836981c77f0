package hunting

import (
	"context"
	"fmt"
	"log"

	"github.com/pkg/errors"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// DrainResult reports how one window drained.
type DrainResult struct {
	Window types.TimeWindow
	Rows   int64
	Pages  int

	// Partial is set when cursor derivation hit a record without anchor
	// fields and the slice stopped early. Rows then counts only what was
	// exported before the stop.
	Partial       bool
	PartialReason string
}

// QueryRunner executes one rendered query to completion. *QueryExecutor is
// the production implementation.
type QueryRunner interface {
	Execute(ctx context.Context, query string) ([]types.Record, error)
}

// SliceDrainer drains one window at a time by issuing bounded queries and
// advancing a composite cursor until the window is exhausted. Every retrieved
// page is forwarded to all consumers before the next query is issued, so a
// drained window is also a persisted one.
type SliceDrainer struct {
	builder   QueryBuilder
	executor  QueryRunner
	consumers []types.Consumer
	runID     string
}

// NewSliceDrainer builds a drainer. The builder must validate and at least
// one consumer must be configured.
func NewSliceDrainer(builder QueryBuilder, executor QueryRunner, runID string, consumers ...types.Consumer) (*SliceDrainer, error) {
	if err := builder.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, fmt.Errorf("%w: executor must be provided", ErrInvalidConfiguration)
	}
	if len(consumers) == 0 {
		return nil, fmt.Errorf("%w: at least one consumer must be configured", ErrInvalidConfiguration)
	}
	return &SliceDrainer{
		builder:   builder,
		executor:  executor,
		consumers: consumers,
		runID:     runID,
	}, nil
}

// Drain pages through one window. It returns a non-nil error when the slice
// failed (query failure, exhausted retries, consumer failure, cancellation);
// the result still reports whatever was exported before the failure. An
// early stop on a missing anchor is not an error: the result comes back with
// Partial set.
func (d *SliceDrainer) Drain(ctx context.Context, w types.TimeWindow) (DrainResult, error) {
	res := DrainResult{Window: w}
	var cursor Cursor

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := d.executor.Execute(ctx, d.builder.Build(w, cursor))
		if err != nil {
			return res, err
		}
		if len(page) == 0 {
			return res, nil
		}

		res.Pages++
		res.Rows += int64(len(page))
		log.Printf("slice %s page %d: %d rows", w, res.Pages, len(page))

		batch := types.PageBatch{
			RunID:      d.runID,
			SliceStart: w.Start,
			PageNumber: res.Pages,
			Records:    page,
		}
		if err := d.forward(ctx, batch); err != nil {
			return res, err
		}

		next, err := NextCursor(page[len(page)-1], d.builder.TimestampField, d.builder.RecordIDField)
		if err != nil {
			if errors.Is(err, ErrMissingAnchor) {
				res.Partial = true
				res.PartialReason = err.Error()
				log.Printf("[WARN] slice %s stopped early after %d rows: %v", w, res.Rows, err)
				return res, nil
			}
			return res, err
		}

		if len(page) < d.builder.PageSize {
			return res, nil
		}
		cursor = next
	}
}

func (d *SliceDrainer) forward(ctx context.Context, batch types.PageBatch) error {
	for _, c := range d.consumers {
		if err := c.Process(ctx, batch); err != nil {
			return errors.Wrapf(err, "consumer %T failed on page %d of slice %s",
				c, batch.PageNumber, batch.SliceStart.Format("2006-01-02T15:04"))
		}
	}
	return nil
}
