// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline sequences the five review stages over one run workspace:
// search, screen, resolve, download, extract. Each stage reads the records
// the previous stage left in its starting state and persists every
// transition through the checkpoint manager, so the pipeline can halt or
// die at any point and resume where it stopped. A stage producing zero
// successful records is not fatal; only infrastructure failures halt a run.
package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/pdiddy/review-engine/internal/capability"
	"github.com/pdiddy/review-engine/internal/checkpoint"
	"github.com/pdiddy/review-engine/internal/ratelimit"
	"github.com/pdiddy/review-engine/internal/stage"
	"github.com/pdiddy/review-engine/pkg/types"
)

// Capabilities holds the external services the pipeline calls. Tests
// substitute fakes here; production wiring lives in cmd.
type Capabilities struct {
	Search     capability.SearchSource
	Classifier capability.Classifier
	Resolver   capability.LinkResolver
	Fetcher    capability.Fetcher
	Extractor  capability.Extractor
}

// limiters is one rate-limited client per capability. Quotas are never
// shared across capabilities; a slow resolver must not starve the fetcher.
type limiters struct {
	search   *ratelimit.Limiter
	screen   *ratelimit.Limiter
	resolve  *ratelimit.Limiter
	download *ratelimit.Limiter
	extract  *ratelimit.Limiter
}

// Orchestrator drives one run through the stage state machine.
type Orchestrator struct {
	cfg    types.PipelineConfig
	caps   Capabilities
	cp     *checkpoint.Manager
	log    zerolog.Logger
	out    io.Writer
	limits limiters
}

// New wires an orchestrator for one run. The checkpoint manager stays owned
// by the caller; Close it after the run finishes.
func New(cfg types.PipelineConfig, caps Capabilities, cp *checkpoint.Manager, log zerolog.Logger, out io.Writer) *Orchestrator {
	return &Orchestrator{
		cfg:  cfg,
		caps: caps,
		cp:   cp,
		log:  log,
		out:  out,
		limits: limiters{
			search:   ratelimit.New(cfg.Search.Retry),
			screen:   ratelimit.New(cfg.Screen.Retry),
			resolve:  ratelimit.New(cfg.Resolve.Retry),
			download: ratelimit.New(cfg.Download.Retry),
			extract:  ratelimit.New(cfg.Extract.Retry),
		},
	}
}

// Run executes every stage that has not already completed in this
// workspace, then writes the stage reports and the consolidated dataset.
// Partial results persisted before a failure remain valid and resumable.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.runStage(ctx, types.StageSearch, o.runSearch); err != nil {
		return err
	}

	processors := []*stage.Processor{
		{Stage: types.StageScreen, From: []types.LifecycleState{types.StateDiscovered}, Op: o.screenOp, Checkpoint: o.cp},
		{Stage: types.StageResolve, From: []types.LifecycleState{types.StateScreenedInclude}, Op: o.resolveOp, Checkpoint: o.cp},
		{Stage: types.StageDownload, From: []types.LifecycleState{types.StateLinkResolved}, Op: o.downloadOp, Checkpoint: o.cp},
	}
	for _, p := range processors {
		if err := o.runStage(ctx, p.Stage, func(ctx context.Context) error {
			summary, err := p.Run(ctx, o.out)
			o.logSummary(p.Stage, summary)
			return err
		}); err != nil {
			return err
		}
	}

	extract := &stage.Processor{
		Stage:      types.StageExtract,
		From:       []types.LifecycleState{types.StateDownloaded},
		Op:         o.extractOp,
		Checkpoint: o.cp,
	}
	if err := o.runStage(ctx, types.StageExtract, func(ctx context.Context) error {
		summary, err := extract.RunParallel(ctx, o.out, o.cfg.Extract.Concurrency)
		o.logSummary(types.StageExtract, summary)
		return err
	}); err != nil {
		return err
	}

	if err := WriteReports(ctx, o.cp); err != nil {
		return fmt.Errorf("writing reports: %w", err)
	}

	fmt.Fprintf(o.out, "run %s complete\n", o.cp.RunID())
	o.log.Info().Str("run_id", o.cp.RunID()).Msg("pipeline complete")
	return nil
}

// runStage runs fn unless the stage already completed in this workspace,
// and durably marks completion afterwards. Records the stage already
// transitioned survive a mid-stage restart because the stage's input load
// only sees records still in the starting state.
func (o *Orchestrator) runStage(ctx context.Context, s types.Stage, fn func(context.Context) error) error {
	done, err := o.cp.StageComplete(ctx, s)
	if err != nil {
		return fmt.Errorf("%s: checking completion: %w", s, err)
	}
	if done {
		fmt.Fprintf(o.out, "%-9s already complete, skipping\n", s)
		o.log.Info().Str("stage", string(s)).Msg("stage already complete")
		return nil
	}

	o.log.Info().Str("stage", string(s)).Msg("stage starting")
	if err := fn(ctx); err != nil {
		o.log.Error().Str("stage", string(s)).Err(err).Msg("stage halted")
		return err
	}
	if err := o.cp.MarkStageComplete(ctx, s); err != nil {
		return fmt.Errorf("%s: marking complete: %w", s, err)
	}
	return nil
}

// runSearch queries the metadata source and ingests every hit as a
// discovered record. Re-ingesting an id already present is a no-op, so an
// interrupted search simply runs again on resume.
func (o *Orchestrator) runSearch(ctx context.Context) error {
	out, err := ratelimit.Do(ctx, o.limits.search, func(ctx context.Context) ([]types.Record, error) {
		return o.caps.Search.Query(ctx, o.cfg.Search.Query, o.cfg.Search.MaxResults)
	})
	if err != nil {
		return err
	}
	if out.Failed() {
		return fmt.Errorf("search unavailable (%s): %s", out.Code, out.Reason)
	}

	for i, rec := range out.Value {
		rec.State = types.StateDiscovered
		rec.DiscoveryOrder = i
		if err := o.cp.Ingest(ctx, rec); err != nil {
			return fmt.Errorf("search: ingesting %s: %w", rec.ID, err)
		}
	}

	fmt.Fprintf(o.out, "%-9s %d records discovered\n", types.StageSearch, len(out.Value))
	o.log.Info().Int("records", len(out.Value)).Str("query", o.cfg.Search.Query).Msg("search complete")
	return nil
}

func (o *Orchestrator) logSummary(s types.Stage, summary stage.Summary) {
	o.log.Info().
		Str("stage", string(s)).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("stage finished")
}
