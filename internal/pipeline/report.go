// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdiddy/review-engine/internal/checkpoint"
	"github.com/pdiddy/review-engine/pkg/types"
)

// WriteReports regenerates the audit reports and the consolidated dataset
// from the store: one per-stage report, a year-distribution summary for the
// search output, and dataset.csv in discovery order with excluded and
// failed records included alongside their reasons.
func WriteReports(ctx context.Context, m *checkpoint.Manager) error {
	for _, s := range []types.Stage{types.StageScreen, types.StageResolve, types.StageDownload, types.StageExtract} {
		if err := writeStageReport(ctx, m, s); err != nil {
			return err
		}
	}
	if err := writeSearchReport(ctx, m); err != nil {
		return err
	}
	return writeDataset(ctx, m)
}

// stageRow is one record's aggregated audit line for a stage report.
type stageRow struct {
	id       string
	attempts int
	code     string
	reason   string
}

func writeStageReport(ctx context.Context, m *checkpoint.Manager, s types.Stage) error {
	outcomes, err := m.Outcomes(ctx, s)
	if err != nil {
		return fmt.Errorf("%s report: %w", s, err)
	}

	var order []string
	rows := make(map[string]*stageRow)
	for _, out := range outcomes {
		row, ok := rows[out.RecordID]
		if !ok {
			row = &stageRow{id: out.RecordID}
			rows[out.RecordID] = row
			order = append(order, out.RecordID)
		}
		if out.Attempt > row.attempts {
			row.attempts = out.Attempt
		}
		// The terminal entry for a record lands last; its code and
		// reason win over earlier retry entries.
		if out.Status != types.OutcomeRetry {
			row.code = out.Code
			row.reason = out.Reason
		}
	}

	records := [][]string{{"id", "attempts", "code", "reason"}}
	for _, id := range order {
		row := rows[id]
		records = append(records, []string{row.id, strconv.Itoa(row.attempts), row.code, row.reason})
	}
	return writeCSV(filepath.Join(m.ReportDir(), string(s)+"_report.csv"), records)
}

// writeSearchReport summarizes the discovered corpus by publication year.
func writeSearchReport(ctx context.Context, m *checkpoint.Manager) error {
	all, err := m.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("search report: %w", err)
	}

	counts := make(map[int]int)
	for _, rec := range all {
		counts[rec.Year]++
	}
	years := make([]int, 0, len(counts))
	for y := range counts {
		years = append(years, y)
	}
	sort.Ints(years)

	records := [][]string{{"year", "records"}}
	for _, y := range years {
		label := strconv.Itoa(y)
		if y == 0 {
			label = "unknown"
		}
		records = append(records, []string{label, strconv.Itoa(counts[y])})
	}
	return writeCSV(filepath.Join(m.ReportDir(), "search_report.csv"), records)
}

func writeDataset(ctx context.Context, m *checkpoint.Manager) error {
	all, err := m.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}

	// Extraction schemas can drift between model responses; the dataset
	// carries the union of every field seen, sorted for a stable header.
	fieldSet := make(map[string]bool)
	for _, rec := range all {
		if rec.Extraction == nil {
			continue
		}
		for k := range rec.Extraction.Fields {
			fieldSet[k] = true
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	header := append([]string{"id", "title", "authors", "year", "doi", "citation", "state", "reason", "pdf_path"}, fields...)
	records := [][]string{header}
	for _, rec := range all {
		row := []string{
			rec.ID,
			rec.Title,
			strings.Join(rec.Authors, "; "),
			strconv.Itoa(rec.Year),
			rec.DOI,
			rec.Citation,
			string(rec.State),
			rec.Reason,
			rec.PDFPath,
		}
		for _, k := range fields {
			if rec.Extraction != nil {
				row = append(row, rec.Extraction.Fields[k])
			} else {
				row = append(row, "")
			}
		}
		records = append(records, row)
	}
	return writeCSV(filepath.Join(m.ReportDir(), "dataset.csv"), records)
}

func writeCSV(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
