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

import "sync/atomic"

// State holds the fallback flags that every engine component reads.
//
// Description:
//
//	One State is created per supervised engine and handed by pointer to
//	every component at construction. Components only read it; the flags
//	are written by the Authority that owns it (Handle and Reset).
//	Independent engines in the same process get independent States.
//
// Thread Safety: Safe for concurrent use. Each flag is an atomic.
type State struct {
	mock     atomic.Bool
	degraded atomic.Bool
	offline  atomic.Bool
}

// Flags is a point-in-time copy of State.
type Flags struct {
	Mock     bool `json:"mock"`
	Degraded bool `json:"degraded"`
	Offline  bool `json:"offline"`
}

// NewState returns a State with every flag cleared.
func NewState() *State {
	return &State{}
}

// Mock reports whether components should synthesize responses.
func (s *State) Mock() bool { return s.mock.Load() }

// Degraded reports whether components run with reduced functionality.
func (s *State) Degraded() bool { return s.degraded.Load() }

// Offline reports whether new work must be refused until a manual reset.
func (s *State) Offline() bool { return s.offline.Load() }

// Snapshot copies the flags.
func (s *State) Snapshot() Flags {
	return Flags{
		Mock:     s.mock.Load(),
		Degraded: s.degraded.Load(),
		Offline:  s.offline.Load(),
	}
}

// Mode returns the most restrictive active mode: Offline, then Mock, then
// Degraded, else None.
func (s *State) Mode() Mode {
	switch {
	case s.offline.Load():
		return ModeOffline
	case s.mock.Load():
		return ModeMock
	case s.degraded.Load():
		return ModeDegraded
	default:
		return ModeNone
	}
}

func (s *State) set(m Mode) {
	switch m {
	case ModeMock:
		s.mock.Store(true)
	case ModeDegraded:
		s.degraded.Store(true)
	case ModeOffline:
		s.offline.Store(true)
	}
}

func (s *State) clear() {
	s.mock.Store(false)
	s.degraded.Store(false)
	s.offline.Store(false)
}
