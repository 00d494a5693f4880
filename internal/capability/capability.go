// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package capability defines the narrow interfaces through which the pipeline
// consumes external services, plus the real adapters: OpenAlex search, a
// Gemini classifier/extractor, an Unpaywall link resolver, and an HTTP PDF
// fetcher. Each adapter reports failures through the typed errors below so
// the rate-limited client can classify them without knowing HTTP specifics.
package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/pdiddy/review-engine/pkg/types"
)

// SearchSource queries the academic metadata source for candidate papers.
type SearchSource interface {
	Query(ctx context.Context, query string, maxResults int) ([]types.Record, error)
}

// Classifier screens one abstract against inclusion criteria.
type Classifier interface {
	Screen(ctx context.Context, rec types.Record, criteria string) (types.Verdict, error)
}

// LinkResolver finds an open-access PDF URL for a DOI. A resolver that finds
// no location returns a *PermanentError with code "not_found".
type LinkResolver interface {
	Resolve(ctx context.Context, doi string) (string, error)
}

// Fetcher downloads one PDF.
type Fetcher interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Extractor runs AI analysis over one PDF.
type Extractor interface {
	Analyze(ctx context.Context, pdf []byte, instructions string) (*types.Extraction, error)
}

// RateLimitedError reports that the service refused the call for quota
// reasons (HTTP 429 or an explicit resource-exhausted response). The call is
// retryable after backoff.
type RateLimitedError struct {
	// RetryAfter is the service-suggested wait, zero if none was given.
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %v)", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError reports a failure worth retrying: 5xx responses, timeouts,
// connection resets.
type TransientError struct {
	Code   string
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient failure (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transient failure (%s): %s", e.Code, e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError reports a failure that retrying cannot fix: 403/404,
// malformed responses, or a capability explicitly reporting no result.
type PermanentError struct {
	Code   string
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure (%s): %s", e.Code, e.Reason)
}

// httpStatusError maps an HTTP status to the matching typed error, or nil
// for 2xx. 401/403 read as a paywall or automation block, 404 as a dead
// link, 429 as quota, 5xx as transient.
func httpStatusError(status int, retryAfter time.Duration) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 429:
		return &RateLimitedError{RetryAfter: retryAfter}
	case status == 401 || status == 403:
		return &PermanentError{Code: fmt.Sprintf("%d", status), Reason: "paywall or automation blocked"}
	case status == 404:
		return &PermanentError{Code: "404", Reason: "dead link"}
	case status >= 500:
		return &TransientError{Code: fmt.Sprintf("%d", status), Reason: "server error"}
	default:
		return &PermanentError{Code: fmt.Sprintf("%d", status), Reason: "unexpected HTTP status"}
	}
}
