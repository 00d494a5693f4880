// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/review-engine/internal/checkpoint"
	"github.com/pdiddy/review-engine/pkg/types"
)

func testManager(t *testing.T, n int, state types.LifecycleState) *checkpoint.Manager {
	t.Helper()
	m, err := checkpoint.Begin(t.TempDir(), "StageTest", "query")
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	ctx := context.Background()
	for i := 0; i < n; i++ {
		rec := types.Record{
			ID:             fmt.Sprintf("10.1/p%02d", i),
			Title:          fmt.Sprintf("Paper %d", i),
			State:          types.StateDiscovered,
			DiscoveryOrder: i,
		}
		require.NoError(t, m.Ingest(ctx, rec))
		if state != types.StateDiscovered {
			rec.State = types.StateScreenedInclude
			require.NoError(t, m.Persist(ctx, types.StageScreen, rec, nil))
		}
	}
	return m
}

func TestRunTransitionsAllRecords(t *testing.T) {
	m := testManager(t, 3, types.StateDiscovered)
	ctx := context.Background()

	p := Processor{
		Stage: types.StageScreen,
		From:  []types.LifecycleState{types.StateDiscovered},
		Op: func(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
			if rec.ID == "10.1/p01" {
				rec.State = types.StateScreenedExclude
				rec.Reason = "out of scope"
			} else {
				rec.State = types.StateScreenedInclude
			}
			return rec, nil, nil
		},
		Checkpoint: m,
	}

	var out bytes.Buffer
	summary, err := p.Run(ctx, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, summary.Total())

	included, err := m.InState(ctx, types.StateScreenedInclude)
	require.NoError(t, err)
	assert.Len(t, included, 2)

	assert.Contains(t, out.String(), "out of scope")
}

func TestRunFatalErrorHalts(t *testing.T) {
	m := testManager(t, 3, types.StateDiscovered)
	ctx := context.Background()

	fatal := errors.New("store on fire")
	calls := 0
	p := Processor{
		Stage: types.StageScreen,
		From:  []types.LifecycleState{types.StateDiscovered},
		Op: func(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
			calls++
			if calls == 2 {
				return types.Record{}, nil, fatal
			}
			rec.State = types.StateScreenedInclude
			return rec, nil, nil
		},
		Checkpoint: m,
	}

	var out bytes.Buffer
	_, err := p.Run(ctx, &out)
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, calls, "processing must stop at the fatal error")

	// The record persisted before the failure keeps its state; the rest
	// stay in the starting state, ready for resume.
	included, err := m.InState(ctx, types.StateScreenedInclude)
	require.NoError(t, err)
	assert.Len(t, included, 1)
	pending, err := m.InState(ctx, types.StateDiscovered)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunParallelBoundsConcurrency(t *testing.T) {
	const records = 12
	const limit = 10

	m := testManager(t, records, types.StateScreenedInclude)
	ctx := context.Background()

	var inFlight, maxInFlight atomic.Int64
	p := Processor{
		Stage: types.StageResolve,
		From:  []types.LifecycleState{types.StateScreenedInclude},
		Op: func(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
			n := inFlight.Add(1)
			for {
				seen := maxInFlight.Load()
				if n <= seen || maxInFlight.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)

			rec.State = types.StateLinkResolved
			rec.PDFURL = "https://example.com/" + rec.ID
			return rec, nil, nil
		},
		Checkpoint: m,
	}

	var out bytes.Buffer
	summary, err := p.RunParallel(ctx, &out, limit)
	require.NoError(t, err)
	assert.Equal(t, records, summary.Succeeded)
	assert.LessOrEqual(t, maxInFlight.Load(), int64(limit), "in-flight invocations must never exceed the limit")

	resolved, err := m.InState(ctx, types.StateLinkResolved)
	require.NoError(t, err)
	assert.Len(t, resolved, records, "every record must reach a terminal state")
}

func TestRunParallelFailureIsolation(t *testing.T) {
	m := testManager(t, 5, types.StateScreenedInclude)
	ctx := context.Background()

	p := Processor{
		Stage: types.StageResolve,
		From:  []types.LifecycleState{types.StateScreenedInclude},
		Op: func(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
			if rec.ID == "10.1/p02" {
				rec.State = types.StateLinkUnavailable
				rec.Reason = "no open-access location"
			} else {
				rec.State = types.StateLinkResolved
			}
			return rec, nil, nil
		},
		Checkpoint: m,
	}

	var out bytes.Buffer
	summary, err := p.RunParallel(ctx, &out, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	failed, err := m.InState(ctx, types.StateLinkUnavailable)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "10.1/p02", failed[0].ID)
}

func TestRunParallelZeroLimitRunsSequentially(t *testing.T) {
	m := testManager(t, 2, types.StateScreenedInclude)
	ctx := context.Background()

	p := Processor{
		Stage: types.StageResolve,
		From:  []types.LifecycleState{types.StateScreenedInclude},
		Op: func(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
			rec.State = types.StateLinkResolved
			return rec, nil, nil
		},
		Checkpoint: m,
	}

	var out bytes.Buffer
	summary, err := p.RunParallel(ctx, &out, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestRunEmptyInputNotFatal(t *testing.T) {
	m := testManager(t, 0, types.StateDiscovered)
	ctx := context.Background()

	p := Processor{
		Stage: types.StageScreen,
		From:  []types.LifecycleState{types.StateDiscovered},
		Op: func(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
			t.Fatal("op must not run for an empty input set")
			return rec, nil, nil
		},
		Checkpoint: m,
	}

	var out bytes.Buffer
	summary, err := p.Run(ctx, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total())
}
