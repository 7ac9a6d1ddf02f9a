// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrOffline is wrapped by Decision.Err when the engine has been taken
// offline.
var ErrOffline = errors.New("engine offline")

// ErrUnhandled is wrapped by Decision.Err when no strategy matched.
var ErrUnhandled = errors.New("no fallback strategy matched")

// Strategy is one entry in a category's ordered fallback list.
//
// Description:
//
//	Retry strategies carry a retry budget and a backoff curve. The Mock,
//	Degraded and Offline strategies ignore those fields and only flip the
//	matching State flag. The mutable retry counter lives inside the
//	Authority, not here, so a Strategy value can be shared freely.
type Strategy struct {
	Mode       Mode
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration

	// Predicate restricts the strategy to matching records. Nil matches all.
	Predicate func(ErrorRecord) bool
}

// Matches reports whether the strategy applies to rec.
func (s Strategy) Matches(rec ErrorRecord) bool {
	return s.Predicate == nil || s.Predicate(rec)
}

// RetryDelay returns the sleep before the given attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay when MaxDelay > 0.
func (s Strategy) RetryDelay(attempt int) time.Duration {
	if attempt < 1 || s.BaseDelay <= 0 {
		return 0
	}
	mult := s.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(s.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Retry builds a retry strategy.
func Retry(maxRetries int, base time.Duration, multiplier float64, maxDelay time.Duration) Strategy {
	return Strategy{
		Mode:       ModeRetry,
		MaxRetries: maxRetries,
		BaseDelay:  base,
		Multiplier: multiplier,
		MaxDelay:   maxDelay,
	}
}

// Mock builds a strategy that switches the engine to synthetic responses.
func Mock() Strategy { return Strategy{Mode: ModeMock} }

// Degrade builds a strategy that switches to reduced functionality.
func Degrade() Strategy { return Strategy{Mode: ModeDegraded} }

// Offline builds a strategy that stops new work until Reset.
func Offline() Strategy { return Strategy{Mode: ModeOffline} }

// When returns a copy of s restricted to records matching pred.
func (s Strategy) When(pred func(ErrorRecord) bool) Strategy {
	s.Predicate = pred
	return s
}

// MessageExcludes is a predicate matching records whose message contains
// none of the given substrings (case-insensitive).
func MessageExcludes(substrings ...string) func(ErrorRecord) bool {
	return func(rec ErrorRecord) bool {
		lower := strings.ToLower(rec.Message)
		for _, s := range substrings {
			if strings.Contains(lower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}
}

// SeverityAtLeast is a predicate matching records at or above min.
func SeverityAtLeast(min Severity) func(ErrorRecord) bool {
	return func(rec ErrorRecord) bool { return rec.Severity >= min }
}

// DefaultStrategies returns the registry installed by NewAuthority.
//
//	Network        Retry(3, 1s, x2, max 10s)
//	Service        Retry(2, 2s, x2, max 15s) unless the port is already in use
//	Configuration  none
//	Workflow       none
//	Resource       Retry(1, 5s), then Degraded
//	System         Offline when Critical
//	Unknown        Retry(1, 1s)
func DefaultStrategies() map[Category][]Strategy {
	return map[Category][]Strategy{
		CategoryNetwork: {
			Retry(3, time.Second, 2, 10*time.Second),
		},
		CategoryService: {
			Retry(2, 2*time.Second, 2, 15*time.Second).When(MessageExcludes("already in use")),
		},
		CategoryResource: {
			Retry(1, 5*time.Second, 1, 5*time.Second),
			Degrade(),
		},
		CategorySystem: {
			Offline().When(SeverityAtLeast(SeverityCritical)),
		},
		CategoryUnknown: {
			Retry(1, time.Second, 1, time.Second),
		},
	}
}

// -----------------------------------------------------------------------------
// Decision
// -----------------------------------------------------------------------------

// Decision is what Handle hands back to the failing component.
type Decision struct {
	Mode Mode

	// Delay is the retry backoff: already slept by Handle, advised by Decide.
	Delay time.Duration

	// Attempt is the 1-based retry number for Retry decisions.
	Attempt int

	Record ErrorRecord
}

// Outcome maps the decision onto the enumerated loop outcome.
func (d Decision) Outcome() Outcome {
	switch d.Mode {
	case ModeRetry:
		return OutcomeRetry
	case ModeMock:
		return OutcomeMock
	case ModeDegraded:
		return OutcomeDegrade
	default:
		return OutcomeFail
	}
}

// Absorbed reports whether the failure was handled and must not propagate.
func (d Decision) Absorbed() bool {
	return d.Mode == ModeRetry || d.Mode == ModeMock || d.Mode == ModeDegraded
}

// Err returns the error a caller should propagate for Offline and
// unmatched decisions, or nil when the failure was absorbed.
func (d Decision) Err() error {
	switch d.Mode {
	case ModeOffline:
		return fmt.Errorf("%w: %w", ErrOffline, d.Record)
	case ModeNone:
		return fmt.Errorf("%w: %w", ErrUnhandled, d.Record)
	default:
		return nil
	}
}
