// Copyright The RaeenOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package evict implements the three victim-selection strategies of
// spec §4.4: LRU, FIFO, and Clock. A Policy only picks an index out of
// a candidate list; mm is responsible for building the candidate list
// and acting on the result (write-out, page-table rewrite, frame free).
package evict

import "time"

// Candidate is one resident page eligible for eviction.
type Candidate struct {
	Virt       uint64
	RefCount   int32
	LastAccess time.Time
	// Inserted is the monotonic insertion order, used by FIFO.
	Inserted uint64
}

// Policy selects a victim index from candidates. candidates is never
// empty when SelectVictim is called; ok=false signals "none eligible
// right now" (e.g. Clock needs another sweep).
type Policy interface {
	SelectVictim(candidates []Candidate) (idx int, ok bool)
	Name() string
}

// LRU evicts the candidate with the oldest LastAccess, per spec §4.4.
// Candidates reaching this policy are already restricted to pages the
// caller exclusively owns (CoW-shared frames never appear here), so LRU
// itself does not need to consult RefCount; that field exists for Clock.
type LRU struct{}

func (LRU) Name() string { return "lru" }

func (LRU) SelectVictim(candidates []Candidate) (int, bool) {
	if len(candidates) == 0 {
		return -1, false
	}
	best := 0
	for i, c := range candidates {
		if c.LastAccess.Before(candidates[best].LastAccess) {
			best = i
		}
	}
	return best, true
}

// FIFO evicts the oldest-inserted candidate, regardless of reference count.
type FIFO struct{}

func (FIFO) Name() string { return "fifo" }

func (FIFO) SelectVictim(candidates []Candidate) (int, bool) {
	best := -1
	for i, c := range candidates {
		if best == -1 || c.Inserted < candidates[best].Inserted {
			best = i
		}
	}
	return best, best != -1
}

// Clock sweeps candidates circularly, giving each one a second chance
// by clearing its reference bit before passing it over, per spec §4.4.
// It is stateful: the sweep cursor persists across calls so repeated
// sweeps make progress instead of always starting at index 0.
type Clock struct {
	cursor int
	// cleared tracks reference bits this policy has already cleared in
	// the current sweep generation, keyed by Virt, so a page is only
	// given one second chance before being evicted.
	cleared map[uint64]bool
}

func NewClock() *Clock { return &Clock{cleared: make(map[uint64]bool)} }

func (c *Clock) Name() string { return "clock" }

func (c *Clock) SelectVictim(candidates []Candidate) (int, bool) {
	if len(candidates) == 0 {
		return -1, false
	}
	if c.cursor >= len(candidates) {
		c.cursor = 0
	}
	start := c.cursor
	for {
		cand := candidates[c.cursor]
		if cand.RefCount == 0 || c.cleared[cand.Virt] {
			delete(c.cleared, cand.Virt)
			victim := c.cursor
			c.cursor = (c.cursor + 1) % len(candidates)
			return victim, true
		}
		c.cleared[cand.Virt] = true
		c.cursor = (c.cursor + 1) % len(candidates)
		if c.cursor == start {
			// Every candidate got its second chance this pass; evict
			// the one we started at.
			c.cleared = make(map[uint64]bool)
			victim := start
			c.cursor = (start + 1) % len(candidates)
			return victim, true
		}
	}
}

// ByName constructs a Policy from its configuration name
// (config.EvictionConfig.Policy), for use by pkg/boot. Unknown names
// fall back to LRU.
func ByName(name string) Policy {
	switch name {
	case "fifo":
		return FIFO{}
	case "clock":
		return NewClock()
	default:
		return LRU{}
	}
}
