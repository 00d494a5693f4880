// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// Stage identifies one of the five pipeline phases.
type Stage string

const (
	StageSearch   Stage = "search"
	StageScreen   Stage = "screen"
	StageResolve  Stage = "resolve"
	StageDownload Stage = "download"
	StageExtract  Stage = "extract"
)

// Stages lists the pipeline phases in execution order.
var Stages = []Stage{StageSearch, StageScreen, StageResolve, StageDownload, StageExtract}

// LifecycleState is a Record's position in the stage state graph.
type LifecycleState string

const (
	StateDiscovered      LifecycleState = "discovered"
	StateScreenedInclude LifecycleState = "screened_include"
	StateScreenedExclude LifecycleState = "screened_exclude"
	StateLinkResolved    LifecycleState = "link_resolved"
	StateLinkUnavailable LifecycleState = "link_unavailable"
	StateDownloaded      LifecycleState = "downloaded"
	StateDownloadFailed  LifecycleState = "download_failed"
	StateAnalyzed        LifecycleState = "analyzed"
	StateAnalysisFailed  LifecycleState = "analysis_failed"
)

// transitions holds the forward edges of the state graph. States with no
// outgoing edges are terminal: no later stage consumes records parked there.
var transitions = map[LifecycleState][]LifecycleState{
	StateDiscovered:      {StateScreenedInclude, StateScreenedExclude},
	StateScreenedInclude: {StateLinkResolved, StateLinkUnavailable},
	StateLinkResolved:    {StateDownloaded, StateDownloadFailed},
	StateDownloaded:      {StateAnalyzed, StateAnalysisFailed},
}

// CanTransition reports whether next is a legal forward edge from s.
// Transitions are monotonic; there is no edge back to an earlier state.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no stage consumes records in this state.
func (s LifecycleState) Terminal() bool {
	return len(transitions[s]) == 0
}

// Failure reports whether s is a stage's failure or exclusion state.
func (s LifecycleState) Failure() bool {
	switch s {
	case StateScreenedExclude, StateLinkUnavailable, StateDownloadFailed, StateAnalysisFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s LifecycleState) Valid() bool {
	switch s {
	case StateDiscovered, StateScreenedInclude, StateScreenedExclude,
		StateLinkResolved, StateLinkUnavailable,
		StateDownloaded, StateDownloadFailed,
		StateAnalyzed, StateAnalysisFailed:
		return true
	}
	return false
}

// Record is one candidate paper tracked through the pipeline. ID and the
// metadata fields are set once at ingestion and never mutated afterwards;
// only the owning Stage Processor advances State and the stage-output fields.
type Record struct {
	// ID is the stable identifier: the bare DOI when the source provides
	// one, otherwise the source-assigned work ID.
	ID string `json:"id" yaml:"id"`

	// Title is the paper title.
	Title string `json:"title" yaml:"title"`

	// Authors lists the paper authors in source order.
	Authors []string `json:"authors" yaml:"authors"`

	// Year is the publication year (0 if unknown).
	Year int `json:"year" yaml:"year"`

	// Abstract is the paper abstract.
	Abstract string `json:"abstract" yaml:"abstract"`

	// DOI is the bare DOI without the resolver prefix, if known.
	DOI string `json:"doi,omitempty" yaml:"doi,omitempty"`

	// Citation is an APA-style citation string generated at ingestion.
	// It names the downloaded PDF file.
	Citation string `json:"citation" yaml:"citation"`

	// State is the record's current lifecycle state.
	State LifecycleState `json:"state" yaml:"state"`

	// Reason is the human-readable explanation attached by the stage that
	// last transitioned the record (rejection reason, error cause).
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`

	// PDFURL is the open-access download target, from search or the
	// link resolver.
	PDFURL string `json:"pdf_url,omitempty" yaml:"pdf_url,omitempty"`

	// PDFPath is the local path of the downloaded PDF, owned exclusively
	// by this record once written.
	PDFPath string `json:"pdf_path,omitempty" yaml:"pdf_path,omitempty"`

	// Extraction holds the AI extraction output for analyzed records.
	Extraction *Extraction `json:"extraction,omitempty" yaml:"extraction,omitempty"`

	// DiscoveryOrder is the record's position in the original search
	// output. The final dataset is ordered by this field regardless of
	// extraction completion order.
	DiscoveryOrder int `json:"discovery_order" yaml:"discovery_order"`
}

// Verdict is the classifier's screening decision for one abstract.
type Verdict struct {
	Include bool   `json:"include" yaml:"include"`
	Reason  string `json:"reason" yaml:"reason"`
}

// Extraction is the structured output of full-text analysis: a flat set of
// named fields as returned by the extractor.
type Extraction struct {
	Fields map[string]string `json:"fields" yaml:"fields"`
}

// OutcomeStatus labels a stage_outcomes audit entry.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeRetry   OutcomeStatus = "retry"
	OutcomeFailure OutcomeStatus = "failure"
)

// StageOutcome is one append-only audit entry for a record in a stage.
// Entries are never truncated or overwritten; retries and the terminal
// result of each unit of work all land here.
type StageOutcome struct {
	Seq      int64         `json:"seq" yaml:"seq"`
	RecordID string        `json:"record_id" yaml:"record_id"`
	Stage    Stage         `json:"stage" yaml:"stage"`
	Status   OutcomeStatus `json:"status" yaml:"status"`

	// Code is a machine-readable cause: an HTTP status ("404"), "rate_limited",
	// "not_found", "malformed_response", or empty on success.
	Code string `json:"code,omitempty" yaml:"code,omitempty"`

	// Attempt is the 1-based attempt number the entry belongs to.
	Attempt int `json:"attempt" yaml:"attempt"`

	// Delay is the backoff applied before the next attempt (retry entries only).
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`

	Reason string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	At     time.Time `json:"at" yaml:"at"`
}
