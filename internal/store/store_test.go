// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/review-engine/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string, order int) types.Record {
	return types.Record{
		ID:             id,
		Title:          "Paper " + id,
		Authors:        []string{"Garcia, M.", "Chen, L."},
		Year:           2024,
		Abstract:       "A study of something important.",
		DOI:            id,
		Citation:       "Garcia, M. & Chen, L. (2024). Paper " + id + ".",
		State:          types.StateDiscovered,
		DiscoveryOrder: order,
	}
}

func TestAppendAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("10.1/a", 0)
	require.NoError(t, s.Append(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Title, got.Title)
	assert.Equal(t, rec.Authors, got.Authors)
	assert.Equal(t, rec.Year, got.Year)
	assert.Equal(t, types.StateDiscovered, got.State)
	assert.Nil(t, got.Extraction)
}

func TestAppendExistingIsNoOp(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("10.1/a", 0)
	require.NoError(t, s.Append(ctx, rec))

	// Re-appending with different metadata must not clobber the stored row.
	dup := rec
	dup.Title = "Changed"
	require.NoError(t, s.Append(ctx, dup))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Paper 10.1/a", got.Title)

	all, err := s.LoadAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateNotFound(t *testing.T) {
	s := testStore(t)
	state := types.StateScreenedInclude
	err := s.Update(context.Background(), "missing", Patch{State: &state})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePatchesOnlyGivenFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("10.1/a", 0)
	rec.PDFURL = "https://example.com/a.pdf"
	require.NoError(t, s.Append(ctx, rec))

	state := types.StateScreenedInclude
	reason := "meets criteria"
	require.NoError(t, s.Update(ctx, rec.ID, Patch{State: &state, Reason: &reason}))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateScreenedInclude, got.State)
	assert.Equal(t, "meets criteria", got.Reason)
	assert.Equal(t, "https://example.com/a.pdf", got.PDFURL, "unpatched field must survive")
}

func TestLoadAllDiscoveryOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Insert out of order; reads must come back in discovery order.
	require.NoError(t, s.Append(ctx, testRecord("10.1/c", 2)))
	require.NoError(t, s.Append(ctx, testRecord("10.1/a", 0)))
	require.NoError(t, s.Append(ctx, testRecord("10.1/b", 1)))

	all, err := s.LoadAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "10.1/a", all[0].ID)
	assert.Equal(t, "10.1/b", all[1].ID)
	assert.Equal(t, "10.1/c", all[2].ID)
}

func TestInState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, testRecord("10.1/a", 0)))
	require.NoError(t, s.Append(ctx, testRecord("10.1/b", 1)))

	state := types.StateScreenedInclude
	require.NoError(t, s.Update(ctx, "10.1/a", Patch{State: &state}))

	included, err := s.InState(ctx, types.StateScreenedInclude)
	require.NoError(t, err)
	require.Len(t, included, 1)
	assert.Equal(t, "10.1/a", included[0].ID)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StateDiscovered])
	assert.Equal(t, 1, counts[types.StateScreenedInclude])
}

func TestTransitionAtomic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("10.1/a", 0)
	require.NoError(t, s.Append(ctx, rec))

	state := types.StateScreenedInclude
	outcomes := []types.StageOutcome{
		{RecordID: rec.ID, Stage: types.StageScreen, Status: types.OutcomeRetry, Code: "rate_limited", Attempt: 1},
		{RecordID: rec.ID, Stage: types.StageScreen, Status: types.OutcomeSuccess, Attempt: 2},
	}
	require.NoError(t, s.Transition(ctx, rec.ID, Patch{State: &state}, outcomes))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateScreenedInclude, got.State)

	audit, err := s.Outcomes(ctx, types.StageScreen)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, types.OutcomeRetry, audit[0].Status)
	assert.Equal(t, types.OutcomeSuccess, audit[1].Status)
	assert.Less(t, audit[0].Seq, audit[1].Seq)
}

func TestTransitionUnknownIDLeavesNoOutcomes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := types.StateScreenedInclude
	err := s.Transition(ctx, "missing", Patch{State: &state}, []types.StageOutcome{
		{RecordID: "missing", Stage: types.StageScreen, Status: types.OutcomeSuccess, Attempt: 1},
	})
	require.ErrorIs(t, err, ErrNotFound)

	audit, err := s.Outcomes(ctx, types.StageScreen)
	require.NoError(t, err)
	assert.Empty(t, audit, "failed transition must roll back its audit entries")
}

func TestExtractionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("10.1/a", 0)
	require.NoError(t, s.Append(ctx, rec))

	state := types.StateAnalyzed
	require.NoError(t, s.Update(ctx, rec.ID, Patch{
		State:      &state,
		Extraction: &types.Extraction{Fields: map[string]string{"method": "survey", "sample_size": "120"}},
	}))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Extraction)
	assert.Equal(t, "survey", got.Extraction.Fields["method"])
	assert.Equal(t, "120", got.Extraction.Fields["sample_size"])
}

func TestRecordOutcomes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, testRecord("10.1/a", 0)))
	require.NoError(t, s.AppendOutcome(ctx, types.StageOutcome{
		RecordID: "10.1/a", Stage: types.StageScreen, Status: types.OutcomeSuccess, Attempt: 1,
	}))
	require.NoError(t, s.AppendOutcome(ctx, types.StageOutcome{
		RecordID: "10.1/a", Stage: types.StageResolve, Status: types.OutcomeFailure, Code: "not_found", Attempt: 1,
	}))

	audit, err := s.RecordOutcomes(ctx, "10.1/a")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, types.StageScreen, audit[0].Stage)
	assert.Equal(t, types.StageResolve, audit[1].Stage)
}

func TestStageStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	done, err := s.StageComplete(ctx, types.StageScreen)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkStageComplete(ctx, types.StageScreen))
	// Marking twice is fine.
	require.NoError(t, s.MarkStageComplete(ctx, types.StageScreen))

	done, err = s.StageComplete(ctx, types.StageScreen)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, testRecord("10.1/a", 0)))
	state := types.StateScreenedInclude
	require.NoError(t, s.Update(ctx, "10.1/a", Patch{State: &state}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "10.1/a")
	require.NoError(t, err)
	assert.Equal(t, types.StateScreenedInclude, got.State)
}
