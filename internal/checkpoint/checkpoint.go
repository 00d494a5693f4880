// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package checkpoint owns the durable run workspace: the run directory, the
// per-run SQLite store, and the resume bookkeeping. It is the only component
// that touches storage directly; stage processors push every transition here
// before moving on, so a crash never loses a completed unit of work.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/review-engine/internal/store"
	"github.com/pdiddy/review-engine/pkg/types"
)

const (
	dbFile      = "review.db"
	metaFile    = "run.yaml"
	pdfDirName  = "pdfs"
	reportsName = "reports"
)

// runTimestamp formats the creation time embedded in run identifiers.
const runTimestamp = "20060102_1504"

// Manager tracks one run's workspace identity and persists stage output
// incrementally. The underlying store handle is exclusively owned here.
type Manager struct {
	runID string
	dir   string
	store *store.Store
}

// RunMeta is the run descriptor written to run.yaml at creation.
type RunMeta struct {
	RunID     string    `yaml:"run_id"`
	Label     string    `yaml:"label"`
	Query     string    `yaml:"query"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Begin creates a fresh run workspace under baseDir. The run identifier is
// the sanitized label plus the creation timestamp, so runs sharing a label
// stay distinct on disk.
func Begin(baseDir, label, query string) (*Manager, error) {
	runID := fmt.Sprintf("Run_%s_%s", sanitizeLabel(label), time.Now().Format(runTimestamp))
	dir := filepath.Join(baseDir, runID)

	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run workspace %s already exists", dir)
	}

	for _, d := range []string{dir, filepath.Join(dir, pdfDirName), filepath.Join(dir, reportsName)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace directory %s: %w", d, err)
		}
	}

	meta := RunMeta{RunID: runID, Label: label, Query: query, CreatedAt: time.Now().UTC()}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling run metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing run metadata: %w", err)
	}

	st, err := store.Open(filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}

	return &Manager{runID: runID, dir: dir, store: st}, nil
}

// Resume reopens an existing run workspace. The caller must name the full
// run identifier; the manager never guesses "latest" among runs that share
// a label.
func Resume(baseDir, runID string) (*Manager, error) {
	dir := filepath.Join(baseDir, runID)
	if _, err := os.Stat(filepath.Join(dir, metaFile)); err != nil {
		return nil, fmt.Errorf("run %s not found under %s: %w", runID, baseDir, err)
	}

	st, err := store.Open(filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	return &Manager{runID: runID, dir: dir, store: st}, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// RunID returns the durable run identifier.
func (m *Manager) RunID() string { return m.runID }

// Dir returns the workspace root directory.
func (m *Manager) Dir() string { return m.dir }

// PDFDir returns the directory holding downloaded PDFs.
func (m *Manager) PDFDir() string { return filepath.Join(m.dir, pdfDirName) }

// ReportDir returns the directory holding stage reports and the dataset.
func (m *Manager) ReportDir() string { return filepath.Join(m.dir, reportsName) }

// Meta reads the run descriptor back from run.yaml.
func (m *Manager) Meta() (RunMeta, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, metaFile))
	if err != nil {
		return RunMeta{}, fmt.Errorf("reading run metadata: %w", err)
	}
	var meta RunMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return RunMeta{}, fmt.Errorf("parsing run metadata: %w", err)
	}
	return meta, nil
}

// Ingest durably appends a discovered record. Re-ingesting an id already in
// the store is a no-op, so an interrupted search stage can simply run again.
func (m *Manager) Ingest(ctx context.Context, rec types.Record) error {
	return m.store.Append(ctx, rec)
}

// Persist durably records one stage transition plus its audit entries
// (retries first, terminal result last) in a single transaction. Persisting
// a record already in rec.State is a no-op rather than a duplicate, which
// makes resume idempotent. An illegal transition reports a caller bug.
func (m *Manager) Persist(ctx context.Context, stage types.Stage, rec types.Record, retries []types.StageOutcome) error {
	current, err := m.store.Get(ctx, rec.ID)
	if err != nil {
		return err
	}

	if current.State == rec.State {
		return nil
	}
	if !current.State.CanTransition(rec.State) {
		return fmt.Errorf("illegal transition for %s: %s -> %s", rec.ID, current.State, rec.State)
	}

	status := types.OutcomeSuccess
	if rec.State.Failure() {
		status = types.OutcomeFailure
	}

	outcomes := make([]types.StageOutcome, 0, len(retries)+1)
	outcomes = append(outcomes, retries...)
	outcomes = append(outcomes, types.StageOutcome{
		RecordID: rec.ID,
		Stage:    stage,
		Status:   status,
		Attempt:  len(retries) + 1,
		Reason:   rec.Reason,
		At:       time.Now().UTC(),
	})

	patch := store.Patch{
		State:  &rec.State,
		Reason: &rec.Reason,
	}
	if rec.PDFURL != current.PDFURL {
		patch.PDFURL = &rec.PDFURL
	}
	if rec.PDFPath != current.PDFPath {
		patch.PDFPath = &rec.PDFPath
	}
	if rec.Extraction != nil {
		patch.Extraction = rec.Extraction
	}

	return m.store.Transition(ctx, rec.ID, patch, outcomes)
}

// InState returns the records currently in any of the given states, in
// discovery order. Stage processors use this to load their input table.
func (m *Manager) InState(ctx context.Context, states ...types.LifecycleState) ([]types.Record, error) {
	return m.store.InState(ctx, states...)
}

// LoadAll returns every record in discovery order.
func (m *Manager) LoadAll(ctx context.Context) ([]types.Record, error) {
	return m.store.LoadAll(ctx, nil)
}

// CountByState tallies records per lifecycle state.
func (m *Manager) CountByState(ctx context.Context) (map[types.LifecycleState]int, error) {
	return m.store.CountByState(ctx)
}

// Outcomes returns one stage's audit trail in append order.
func (m *Manager) Outcomes(ctx context.Context, stage types.Stage) ([]types.StageOutcome, error) {
	return m.store.Outcomes(ctx, stage)
}

// RecordOutcomes returns one record's audit trail across stages.
func (m *Manager) RecordOutcomes(ctx context.Context, recordID string) ([]types.StageOutcome, error) {
	return m.store.RecordOutcomes(ctx, recordID)
}

// StageComplete reports whether a stage already finished in this workspace.
func (m *Manager) StageComplete(ctx context.Context, stage types.Stage) (bool, error) {
	return m.store.StageComplete(ctx, stage)
}

// MarkStageComplete durably records a stage's completion.
func (m *Manager) MarkStageComplete(ctx context.Context, stage types.Stage) error {
	return m.store.MarkStageComplete(ctx, stage)
}

// ResumePoint returns the id of the last record a stage durably completed,
// or false when the stage has not persisted anything yet.
func (m *Manager) ResumePoint(ctx context.Context, stage types.Stage) (string, bool, error) {
	outcomes, err := m.store.Outcomes(ctx, stage)
	if err != nil {
		return "", false, err
	}
	for i := len(outcomes) - 1; i >= 0; i-- {
		if outcomes[i].Status != types.OutcomeRetry {
			return outcomes[i].RecordID, true, nil
		}
	}
	return "", false, nil
}

// sanitizeLabel strips everything but letters and digits, matching the way
// run folders have always been named.
func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "run"
	}
	return b.String()
}
