// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/pdiddy/review-engine/internal/ratelimit"
	"github.com/pdiddy/review-engine/pkg/types"
)

// placeholderAbstracts are phrases publishers use in place of a real
// abstract. Matching is case-insensitive substring.
var placeholderAbstracts = []string{
	"no abstract",
	"abstract not available",
	"abstract unavailable",
	"see full text",
}

// screenOp classifies one abstract against the inclusion criteria. Records
// with unusable abstracts are auto-rejected without spending a classifier
// call; a classifier failure excludes the record with the cause attached.
func (o *Orchestrator) screenOp(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
	if reason := autoRejectReason(rec, o.cfg.Screen.MinAbstractLength); reason != "" {
		rec.State = types.StateScreenedExclude
		rec.Reason = reason
		return rec, nil, nil
	}

	out, err := ratelimit.Do(ctx, o.limits.screen, func(ctx context.Context) (types.Verdict, error) {
		return o.caps.Classifier.Screen(ctx, rec, o.cfg.Screen.Criteria)
	})
	if err != nil {
		return types.Record{}, nil, err
	}
	retries := retryOutcomes(types.StageScreen, rec.ID, out.Retries)

	if out.Failed() {
		rec.State = types.StateScreenedExclude
		rec.Reason = fmt.Sprintf("screening failed (%s): %s", out.Code, out.Reason)
		return rec, retries, nil
	}

	if out.Value.Include {
		rec.State = types.StateScreenedInclude
	} else {
		rec.State = types.StateScreenedExclude
	}
	rec.Reason = out.Value.Reason
	return rec, retries, nil
}

// autoRejectReason returns a non-empty reason when the abstract cannot
// support a screening decision.
func autoRejectReason(rec types.Record, minLen int) string {
	abstract := strings.TrimSpace(rec.Abstract)
	if len(abstract) < minLen {
		return fmt.Sprintf("auto-reject: abstract shorter than %d characters", minLen)
	}
	lower := strings.ToLower(abstract)
	for _, p := range placeholderAbstracts {
		if strings.Contains(lower, p) {
			return fmt.Sprintf("auto-reject: placeholder abstract (%q)", p)
		}
	}
	return ""
}

// resolveOp finds a download target for one included record. A record that
// already carries an open-access URL from search skips the resolver; one
// with neither a URL nor a DOI has nothing to resolve against.
func (o *Orchestrator) resolveOp(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
	if rec.PDFURL != "" {
		rec.State = types.StateLinkResolved
		rec.Reason = ""
		return rec, nil, nil
	}
	if rec.DOI == "" {
		rec.State = types.StateLinkUnavailable
		rec.Reason = "no link or DOI available"
		return rec, nil, nil
	}

	out, err := ratelimit.Do(ctx, o.limits.resolve, func(ctx context.Context) (string, error) {
		return o.caps.Resolver.Resolve(ctx, rec.DOI)
	})
	if err != nil {
		return types.Record{}, nil, err
	}
	retries := retryOutcomes(types.StageResolve, rec.ID, out.Retries)

	if out.Failed() {
		rec.State = types.StateLinkUnavailable
		rec.Reason = fmt.Sprintf("link resolution failed (%s): %s", out.Code, out.Reason)
		return rec, retries, nil
	}

	rec.State = types.StateLinkResolved
	rec.PDFURL = out.Value
	rec.Reason = ""
	return rec, retries, nil
}

// downloadOp fetches one PDF and lands it in the run's pdfs directory. The
// write goes through a temp file and a rename, so a crash never leaves a
// half-written PDF at the final path. A local write failure is an
// infrastructure error, not a record failure.
func (o *Orchestrator) downloadOp(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
	out, err := ratelimit.Do(ctx, o.limits.download, func(ctx context.Context) ([]byte, error) {
		return o.caps.Fetcher.Download(ctx, rec.PDFURL)
	})
	if err != nil {
		return types.Record{}, nil, err
	}
	retries := retryOutcomes(types.StageDownload, rec.ID, out.Retries)

	if out.Failed() {
		rec.State = types.StateDownloadFailed
		rec.Reason = fmt.Sprintf("%s: %s", out.Code, out.Reason)
		return rec, retries, nil
	}

	path := filepath.Join(o.cp.PDFDir(), pdfFileName(rec))
	if err := writeFileAtomic(path, out.Value); err != nil {
		return types.Record{}, nil, fmt.Errorf("saving pdf for %s: %w", rec.ID, err)
	}

	rec.State = types.StateDownloaded
	rec.PDFPath = path
	rec.Reason = ""
	return rec, retries, nil
}

// extractOp runs AI analysis over one downloaded PDF.
func (o *Orchestrator) extractOp(ctx context.Context, rec types.Record) (types.Record, []types.StageOutcome, error) {
	pdf, err := os.ReadFile(rec.PDFPath)
	if err != nil {
		rec.State = types.StateAnalysisFailed
		rec.Reason = fmt.Sprintf("reading pdf: %v", err)
		return rec, nil, nil
	}

	out, err := ratelimit.Do(ctx, o.limits.extract, func(ctx context.Context) (*types.Extraction, error) {
		return o.caps.Extractor.Analyze(ctx, pdf, o.cfg.Extract.Instructions)
	})
	if err != nil {
		return types.Record{}, nil, err
	}
	retries := retryOutcomes(types.StageExtract, rec.ID, out.Retries)

	if out.Failed() {
		rec.State = types.StateAnalysisFailed
		rec.Reason = fmt.Sprintf("analysis failed (%s): %s", out.Code, out.Reason)
		return rec, retries, nil
	}

	rec.State = types.StateAnalyzed
	rec.Extraction = out.Value
	rec.Reason = ""
	return rec, retries, nil
}

// retryOutcomes converts the client's backoff events into audit entries.
func retryOutcomes(s types.Stage, recordID string, events []ratelimit.RetryEvent) []types.StageOutcome {
	if len(events) == 0 {
		return nil
	}
	outcomes := make([]types.StageOutcome, 0, len(events))
	for _, ev := range events {
		outcomes = append(outcomes, types.StageOutcome{
			RecordID: recordID,
			Stage:    s,
			Status:   types.OutcomeRetry,
			Code:     ev.Code,
			Attempt:  ev.Attempt,
			Delay:    ev.Delay,
			Reason:   ev.Reason,
			At:       time.Now().UTC(),
		})
	}
	return outcomes
}

// pdfFileName derives the PDF filename from the record's citation,
// reduced to a filesystem-safe ASCII form. The discovery-order prefix keeps
// names unique when citations collide. Falls back to the record id.
func pdfFileName(rec types.Record) string {
	base := rec.Citation
	if base == "" {
		base = rec.ID
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range base {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			lastUnderscore = false
		case r == ' ' || r == '-' || r == '_' || r == '.':
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "paper"
	}
	if len(name) > 120 {
		name = name[:120]
	}
	return fmt.Sprintf("%04d_%s.pdf", rec.DiscoveryOrder, name)
}

// writeFileAtomic writes data to a sibling temp file and renames it into
// place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
