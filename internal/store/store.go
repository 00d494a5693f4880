// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists per-record pipeline state in a per-run SQLite
// database. The store is append-friendly: records land once at discovery,
// state transitions update in place, and stage outcomes accumulate in an
// append-only audit table. Once a write returns, the change has been
// committed and survives process termination.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/review-engine/pkg/types"
)

// ErrNotFound is returned by Update and Get for an unknown record id.
var ErrNotFound = errors.New("record not found")

// Store manages one run's SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the run database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writes; SQLite allows one writer at a
	// time and the pool must not hand workers competing connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			title TEXT,
			authors TEXT,
			year INTEGER,
			abstract TEXT,
			doi TEXT,
			citation TEXT,
			state TEXT NOT NULL,
			reason TEXT,
			pdf_url TEXT,
			pdf_path TEXT,
			extraction TEXT,
			discovery_order INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_state ON records(state)`,
		`CREATE TABLE IF NOT EXISTS stage_outcomes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id TEXT NOT NULL REFERENCES records(id),
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			code TEXT,
			attempt INTEGER NOT NULL,
			delay_ms INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_stage ON stage_outcomes(stage)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_record ON stage_outcomes(record_id)`,
		`CREATE TABLE IF NOT EXISTS stage_status (
			stage TEXT PRIMARY KEY,
			completed_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Append inserts a record. Re-appending an existing id is a no-op, which
// makes re-running an interrupted search stage safe.
func (s *Store) Append(ctx context.Context, rec types.Record) error {
	authorsJSON, _ := json.Marshal(rec.Authors)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records
			(id, title, authors, year, abstract, doi, citation, state, reason,
			 pdf_url, pdf_path, extraction, discovery_order, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Title, string(authorsJSON), rec.Year, rec.Abstract,
		rec.DOI, rec.Citation, string(rec.State), rec.Reason,
		rec.PDFURL, rec.PDFPath, rec.DiscoveryOrder, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("appending record %s: %w", rec.ID, err)
	}
	return nil
}

// Patch updates a record's mutable fields. Nil fields are left untouched;
// metadata set at ingestion is deliberately not patchable.
type Patch struct {
	State      *types.LifecycleState
	Reason     *string
	PDFURL     *string
	PDFPath    *string
	Extraction *types.Extraction
}

// Update applies patch to the record with the given id within tx semantics:
// the row is either fully pre-patch or fully post-patch, never in between.
// Updating an unknown id returns ErrNotFound.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	return s.update(ctx, s.db, id, patch)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) update(ctx context.Context, ex execer, id string, patch Patch) error {
	set := "updated_at = ?"
	args := []any{nowUTC()}

	if patch.State != nil {
		set += ", state = ?"
		args = append(args, string(*patch.State))
	}
	if patch.Reason != nil {
		set += ", reason = ?"
		args = append(args, *patch.Reason)
	}
	if patch.PDFURL != nil {
		set += ", pdf_url = ?"
		args = append(args, *patch.PDFURL)
	}
	if patch.PDFPath != nil {
		set += ", pdf_path = ?"
		args = append(args, *patch.PDFPath)
	}
	if patch.Extraction != nil {
		data, err := json.Marshal(patch.Extraction)
		if err != nil {
			return fmt.Errorf("marshaling extraction: %w", err)
		}
		set += ", extraction = ?"
		args = append(args, string(data))
	}

	args = append(args, id)
	res, err := ex.ExecContext(ctx, "UPDATE records SET "+set+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating record %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating record %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("updating record %s: %w", id, ErrNotFound)
	}
	return nil
}

// Exists reports whether a record with the given id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking record %s: %w", id, err)
	}
	return true, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (types.Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecords+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// LoadAll returns every record for which filter returns true, in discovery
// order. A nil filter returns all records.
func (s *Store) LoadAll(ctx context.Context, filter func(types.Record) bool) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecords+` ORDER BY discovery_order`)
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter(rec) {
			records = append(records, rec)
		}
	}
	return records, rows.Err()
}

// InState returns all records currently in any of the given states, in
// discovery order.
func (s *Store) InState(ctx context.Context, states ...types.LifecycleState) ([]types.Record, error) {
	return s.LoadAll(ctx, func(rec types.Record) bool {
		for _, st := range states {
			if rec.State == st {
				return true
			}
		}
		return false
	})
}

// CountByState tallies records per lifecycle state.
func (s *Store) CountByState(ctx context.Context) (map[types.LifecycleState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM records GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.LifecycleState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[types.LifecycleState(state)] = n
	}
	return counts, rows.Err()
}

// Transition atomically applies patch to the record and appends the given
// audit entries, all in one transaction. A crash leaves either the pre-call
// row or the fully transitioned row plus its audit trail.
func (s *Store) Transition(ctx context.Context, id string, patch Patch, outcomes []types.StageOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.update(ctx, tx, id, patch); err != nil {
		return err
	}
	for _, oc := range outcomes {
		if err := insertOutcome(ctx, tx, oc); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendOutcome adds one audit entry outside a transition.
func (s *Store) AppendOutcome(ctx context.Context, oc types.StageOutcome) error {
	return insertOutcome(ctx, s.db, oc)
}

func insertOutcome(ctx context.Context, ex execer, oc types.StageOutcome) error {
	at := oc.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO stage_outcomes (record_id, stage, status, code, attempt, delay_ms, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		oc.RecordID, string(oc.Stage), string(oc.Status), oc.Code,
		oc.Attempt, oc.Delay.Milliseconds(), oc.Reason, at.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("appending outcome for %s: %w", oc.RecordID, err)
	}
	return nil
}

// Outcomes returns the audit entries for one stage in append order.
func (s *Store) Outcomes(ctx context.Context, stage types.Stage) ([]types.StageOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, record_id, stage, status, code, attempt, delay_ms, reason, at
		 FROM stage_outcomes WHERE stage = ? ORDER BY seq`, string(stage))
	if err != nil {
		return nil, fmt.Errorf("loading outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []types.StageOutcome
	for rows.Next() {
		var oc types.StageOutcome
		var stageStr, statusStr, atStr string
		var delayMS int64
		if err := rows.Scan(&oc.Seq, &oc.RecordID, &stageStr, &statusStr,
			&oc.Code, &oc.Attempt, &delayMS, &oc.Reason, &atStr); err != nil {
			return nil, err
		}
		oc.Stage = types.Stage(stageStr)
		oc.Status = types.OutcomeStatus(statusStr)
		oc.Delay = time.Duration(delayMS) * time.Millisecond
		oc.At, _ = time.Parse(time.RFC3339Nano, atStr)
		outcomes = append(outcomes, oc)
	}
	return outcomes, rows.Err()
}

// RecordOutcomes returns the audit entries for one record across all stages.
func (s *Store) RecordOutcomes(ctx context.Context, recordID string) ([]types.StageOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, record_id, stage, status, code, attempt, delay_ms, reason, at
		 FROM stage_outcomes WHERE record_id = ? ORDER BY seq`, recordID)
	if err != nil {
		return nil, fmt.Errorf("loading outcomes for %s: %w", recordID, err)
	}
	defer rows.Close()

	var outcomes []types.StageOutcome
	for rows.Next() {
		var oc types.StageOutcome
		var stageStr, statusStr, atStr string
		var delayMS int64
		if err := rows.Scan(&oc.Seq, &oc.RecordID, &stageStr, &statusStr,
			&oc.Code, &oc.Attempt, &delayMS, &oc.Reason, &atStr); err != nil {
			return nil, err
		}
		oc.Stage = types.Stage(stageStr)
		oc.Status = types.OutcomeStatus(statusStr)
		oc.Delay = time.Duration(delayMS) * time.Millisecond
		oc.At, _ = time.Parse(time.RFC3339Nano, atStr)
		outcomes = append(outcomes, oc)
	}
	return outcomes, rows.Err()
}

// MarkStageComplete records that a stage finished processing its input set.
func (s *Store) MarkStageComplete(ctx context.Context, stage types.Stage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_status (stage, completed_at) VALUES (?, ?)
		 ON CONFLICT(stage) DO UPDATE SET completed_at=excluded.completed_at`,
		string(stage), nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("marking stage %s complete: %w", stage, err)
	}
	return nil
}

// StageComplete reports whether a stage was marked complete.
func (s *Store) StageComplete(ctx context.Context, stage types.Stage) (bool, error) {
	var completedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT completed_at FROM stage_status WHERE stage = ?`, string(stage)).Scan(&completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking stage %s: %w", stage, err)
	}
	return true, nil
}

const selectRecords = `SELECT id, title, authors, year, abstract, doi, citation,
	state, reason, pdf_url, pdf_path, extraction, discovery_order FROM records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (types.Record, error) {
	var rec types.Record
	var authorsJSON, state string
	var extraction sql.NullString
	if err := row.Scan(&rec.ID, &rec.Title, &authorsJSON, &rec.Year, &rec.Abstract,
		&rec.DOI, &rec.Citation, &state, &rec.Reason, &rec.PDFURL, &rec.PDFPath,
		&extraction, &rec.DiscoveryOrder); err != nil {
		return types.Record{}, err
	}

	rec.State = types.LifecycleState(state)
	if authorsJSON != "" {
		if err := json.Unmarshal([]byte(authorsJSON), &rec.Authors); err != nil {
			return types.Record{}, fmt.Errorf("parsing authors for %s: %w", rec.ID, err)
		}
	}
	if extraction.Valid && extraction.String != "" {
		var ex types.Extraction
		if err := json.Unmarshal([]byte(extraction.String), &ex); err != nil {
			return types.Record{}, fmt.Errorf("parsing extraction for %s: %w", rec.ID, err)
		}
		rec.Extraction = &ex
	}
	return rec, nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
