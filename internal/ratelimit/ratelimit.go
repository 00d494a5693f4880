// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ratelimit wraps external capability calls with a token-bucket
// quota, exponential backoff on transient failures, and typed outcome
// classification. Every retry loop in the pipeline lives here; capabilities
// never sleep or retry themselves.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/pdiddy/review-engine/internal/capability"
	"github.com/pdiddy/review-engine/pkg/types"
)

// Status tags the final result of a wrapped call. Callers must handle all
// four variants.
type Status int

const (
	// Success carries the capability's value.
	Success Status = iota
	// RateLimited means every attempt was refused for quota reasons.
	RateLimited
	// PermanentFailure means the capability reported a terminal failure;
	// no retry was made after it.
	PermanentFailure
	// TransientExhausted means transient failures outlasted the attempt cap.
	TransientExhausted
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case PermanentFailure:
		return "permanent_failure"
	case TransientExhausted:
		return "transient_exhausted"
	default:
		return "unknown"
	}
}

// RetryEvent records one backoff decision for the audit trail.
type RetryEvent struct {
	// Attempt is the 1-based attempt that failed.
	Attempt int
	// Delay is the wait applied before the next attempt.
	Delay time.Duration
	// Code and Reason describe the failure that triggered the retry.
	Code   string
	Reason string
}

// Outcome is the tagged result of a wrapped call.
type Outcome[T any] struct {
	Status Status
	Value  T

	// Code and Reason describe the terminal failure (empty on success).
	Code   string
	Reason string

	// Attempts is the number of capability invocations made.
	Attempts int

	// Retries lists one event per backoff wait, in order.
	Retries []RetryEvent
}

// Failed reports whether the outcome is any of the three failure variants.
func (o Outcome[T]) Failed() bool { return o.Status != Success }

// Limiter applies one capability's quota and retry policy. A Limiter is
// safe for concurrent use; workers waiting on quota or backoff never block
// one another.
type Limiter struct {
	bucket      *rate.Limiter
	maxAttempts int
	backoffBase time.Duration
}

// New builds a Limiter from the stage's retry configuration.
func New(cfg types.RetryConfig) *Limiter {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	ratePerSecond := cfg.RatePerSecond
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Limiter{
		bucket:      rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
	}
}

// Do invokes fn under l's quota and retry policy. The error return is
// non-nil only for context cancellation; every capability failure is
// classified into the Outcome instead.
//
// Quota exhaustion suspends the caller until the bucket refills; no call is
// dropped. Transient failures and rate-limit refusals back off
// exponentially from the configured base, honoring a service-suggested
// Retry-After when it is longer. Permanent failures return immediately.
func Do[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (Outcome[T], error) {
	var out Outcome[T]

	for attempt := 1; ; attempt++ {
		if err := l.bucket.Wait(ctx); err != nil {
			return out, err
		}

		value, err := fn(ctx)
		out.Attempts = attempt
		if err == nil {
			out.Status = Success
			out.Value = value
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		code, reason, retryable, suggested := classify(err)
		if !retryable {
			out.Status = PermanentFailure
			out.Code = code
			out.Reason = reason
			return out, nil
		}

		if attempt >= l.maxAttempts {
			if code == "rate_limited" {
				out.Status = RateLimited
			} else {
				out.Status = TransientExhausted
			}
			out.Code = code
			out.Reason = reason
			return out, nil
		}

		delay := l.backoffBase << (attempt - 1)
		if suggested > delay {
			delay = suggested
		}

		out.Retries = append(out.Retries, RetryEvent{
			Attempt: attempt,
			Delay:   delay,
			Code:    code,
			Reason:  reason,
		})

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// classify maps a capability error onto (code, reason, retryable, suggested
// delay). Unrecognized errors are treated as transient network failures.
func classify(err error) (code, reason string, retryable bool, suggested time.Duration) {
	var rl *capability.RateLimitedError
	if errors.As(err, &rl) {
		return "rate_limited", rl.Error(), true, rl.RetryAfter
	}

	var perm *capability.PermanentError
	if errors.As(err, &perm) {
		return perm.Code, perm.Reason, false, 0
	}

	var tr *capability.TransientError
	if errors.As(err, &tr) {
		return tr.Code, tr.Error(), true, 0
	}

	return "error", err.Error(), true, 0
}
