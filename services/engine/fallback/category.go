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

import "strings"

// -----------------------------------------------------------------------------
// Category
// -----------------------------------------------------------------------------

// Category is the failure taxonomy shared by every engine component.
type Category int

const (
	// CategoryUnknown is the default when nothing else matches.
	CategoryUnknown Category = iota
	// CategoryNetwork covers transport, timeout and DNS failures.
	CategoryNetwork
	// CategoryService covers process, port and startup failures.
	CategoryService
	// CategoryConfiguration covers validation and path failures.
	CategoryConfiguration
	// CategoryWorkflow covers graph, node and model-reference failures.
	CategoryWorkflow
	// CategoryResource covers device memory and disk exhaustion.
	CategoryResource
	// CategorySystem covers OS and permission failures.
	CategorySystem
)

// Categories lists every category in classification priority order,
// followed by Unknown.
var Categories = []Category{
	CategoryNetwork,
	CategoryService,
	CategoryConfiguration,
	CategoryWorkflow,
	CategoryResource,
	CategorySystem,
	CategoryUnknown,
}

// String returns the lowercase category name.
func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryService:
		return "service"
	case CategoryConfiguration:
		return "configuration"
	case CategoryWorkflow:
		return "workflow"
	case CategoryResource:
		return "resource"
	case CategorySystem:
		return "system"
	default:
		return "unknown"
	}
}

// MarshalText renders the category name in JSON output.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (c *Category) UnmarshalText(text []byte) error {
	*c = ParseCategory(string(text))
	return nil
}

// ParseCategory maps a name produced by String back to a Category.
// Unrecognised names yield CategoryUnknown.
func ParseCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if c.String() == s {
			return c
		}
	}
	return CategoryUnknown
}

// -----------------------------------------------------------------------------
// Severity
// -----------------------------------------------------------------------------

// Severity orders failures from Low to Critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Mode and Outcome
// -----------------------------------------------------------------------------

// Mode is the verdict a strategy hands back to the failing component.
type Mode int

const (
	// ModeNone means no strategy matched; the caller propagates the error.
	ModeNone Mode = iota
	// ModeRetry means the caller should repeat the operation.
	ModeRetry
	// ModeMock means the caller should synthesize a successful response.
	ModeMock
	// ModeDegraded means the caller continues with reduced functionality.
	ModeDegraded
	// ModeOffline means no new work should be accepted until Reset.
	ModeOffline
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeRetry:
		return "retry"
	case ModeMock:
		return "mock"
	case ModeDegraded:
		return "degraded"
	case ModeOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Outcome is the enumerated result that drives a caller's explicit retry
// loop.
//
//	for {
//	    err := op()
//	    if err == nil { outcome = fallback.OutcomeSuccess; break }
//	    switch authority.Handle(ctx, err, fields).Outcome() {
//	    case fallback.OutcomeRetry:
//	        continue
//	    ...
//	    }
//	}
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeDegrade
	OutcomeMock
	OutcomeFail
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeDegrade:
		return "degrade"
	case OutcomeMock:
		return "mock"
	case OutcomeFail:
		return "fail"
	default:
		return "unknown"
	}
}
