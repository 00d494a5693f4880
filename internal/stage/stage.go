// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package stage runs one pipeline phase over its input records: load the
// records in the phase's starting state, invoke the bound capability per
// record, and push every transition to the checkpoint before moving on.
// Failures stay in the output as labeled terminal states; only
// infrastructure errors (persistence, cancellation) abort a stage.
package stage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/review-engine/internal/checkpoint"
	"github.com/pdiddy/review-engine/pkg/types"
)

// Op processes one record and returns it transitioned to the stage's
// success or failure state, plus the retry audit entries accumulated along
// the way. A non-nil error is fatal to the run, not a per-record failure.
type Op func(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error)

// Summary holds per-stage counts.
type Summary struct {
	Succeeded int
	Failed    int
}

// Total returns the number of records processed.
func (s Summary) Total() int { return s.Succeeded + s.Failed }

// Processor drives one stage over the records in its starting states.
type Processor struct {
	Stage      types.Stage
	From       []types.LifecycleState
	Op         Op
	Checkpoint *checkpoint.Manager

	// outMu serializes progress lines when workers finish concurrently.
	outMu sync.Mutex
}

// Run processes the input records sequentially. Each transition is durably
// persisted before the next record starts, so an interruption at any point
// resumes with at most the in-flight record repeated.
func (p *Processor) Run(ctx context.Context, w io.Writer) (Summary, error) {
	records, err := p.Checkpoint.InState(ctx, p.From...)
	if err != nil {
		return Summary{}, fmt.Errorf("%s: loading input: %w", p.Stage, err)
	}

	var summary Summary
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		done, err := p.process(ctx, rec, w)
		if err != nil {
			return summary, err
		}
		if done.State.Failure() {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	return summary, nil
}

// RunParallel processes the input records with at most limit capability
// invocations in flight. Records are isolated: one record's terminal
// failure never aborts the others, and a worker's backoff wait never blocks
// another worker. On a fatal error the already-persisted records keep their
// terminal states and the rest stay in their pre-stage state.
func (p *Processor) RunParallel(ctx context.Context, w io.Writer, limit int) (Summary, error) {
	if limit <= 0 {
		limit = 1
	}

	records, err := p.Checkpoint.InState(ctx, p.From...)
	if err != nil {
		return Summary{}, fmt.Errorf("%s: loading input: %w", p.Stage, err)
	}

	results := make(chan types.LifecycleState, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			done, err := p.process(gctx, rec, w)
			if err != nil {
				return err
			}
			results <- done.State
			return nil
		})
	}

	err = g.Wait()
	close(results)

	var summary Summary
	for state := range results {
		if state.Failure() {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	return summary, err
}

// process runs the op for one record and persists the transition before the
// record's worker slot is considered free.
func (p *Processor) process(ctx context.Context, rec types.Record, w io.Writer) (types.Record, error) {
	done, retries, err := p.Op(ctx, rec)
	if err != nil {
		return types.Record{}, fmt.Errorf("%s: %s: %w", p.Stage, rec.ID, err)
	}

	if err := p.Checkpoint.Persist(ctx, p.Stage, done, retries); err != nil {
		return types.Record{}, fmt.Errorf("%s: persisting %s: %w", p.Stage, rec.ID, err)
	}

	p.outMu.Lock()
	if done.State.Failure() {
		fmt.Fprintf(w, "%-9s %s -> %s (%s)\n", p.Stage, rec.ID, done.State, done.Reason)
	} else {
		fmt.Fprintf(w, "%-9s %s -> %s\n", p.Stage, rec.ID, done.State)
	}
	p.outMu.Unlock()
	return done, nil
}
