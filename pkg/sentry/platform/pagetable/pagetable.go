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

// Package pagetable implements the four-level hierarchical page-table
// mechanism of spec §4.2. It is policy-free: every decision about what
// to map, and why, belongs to mm. pagetable only knows how to walk and
// mutate tables.
package pagetable

import (
	"sync"

	"github.com/raeenos/corekernel/pkg/sentry/pgalloc"
)

// Flags are the PTE protection/status bits of spec §4.2.
type Flags uint16

const (
	Present Flags = 1 << iota
	Writable
	User
	Accessed
	Dirty
	NoExecute
	CoW
	SwappedFlag
)

const entriesPerTable = 512

// entry is one page-table-entry-equivalent: a frame number plus flags,
// or (if Flags&SwappedFlag != 0) a swap slot number packed into Frame.
type entry struct {
	frame pgalloc.FrameNumber
	flags Flags
}

type level1 struct{ e [entriesPerTable]entry }
type level2 struct{ e [entriesPerTable]*level1 }
type level3 struct{ e [entriesPerTable]*level2 }
type level4 struct{ e [entriesPerTable]*level3 }

// Table is one address space's root page table (spec's "per-process
// collection ... plus a page-table root").
type Table struct {
	mu   sync.Mutex
	root *level4
	pfa  *pgalloc.MemoryFile
	// owner identifies the address space this table belongs to, used
	// only to stamp pgalloc.Owner back-pointers (spec §9).
	owner uint64
}

// indices splits a page-aligned virtual address into its four
// table-level indices.
func indices(virt uint64) (i4, i3, i2, i1 int) {
	p := virt / pgalloc.PageSize
	i1 = int(p % entriesPerTable)
	p /= entriesPerTable
	i2 = int(p % entriesPerTable)
	p /= entriesPerTable
	i3 = int(p % entriesPerTable)
	p /= entriesPerTable
	i4 = int(p % entriesPerTable)
	return
}

// New creates an empty table rooted at a fresh, zeroed level-4 table.
func New(pfa *pgalloc.MemoryFile, asOwner uint64) *Table {
	return &Table{root: &level4{}, pfa: pfa, owner: asOwner}
}

func (t *Table) walkCreate(virt uint64) *entry {
	i4, i3, i2, i1 := indices(virt)
	l3 := t.root.e[i4]
	if l3 == nil {
		l3 = &level3{}
		t.root.e[i4] = l3
	}
	l2 := l3.e[i3]
	if l2 == nil {
		l2 = &level2{}
		l3.e[i3] = l2
	}
	l1 := l2.e[i2]
	if l1 == nil {
		l1 = &level1{}
		l2.e[i2] = l1
	}
	return &l1.e[i1]
}

func (t *Table) walk(virt uint64) *entry {
	i4, i3, i2, i1 := indices(virt)
	l3 := t.root.e[i4]
	if l3 == nil {
		return nil
	}
	l2 := l3.e[i3]
	if l2 == nil {
		return nil
	}
	l1 := l2.e[i2]
	if l1 == nil {
		return nil
	}
	return &l1.e[i1]
}

// Map installs a present mapping virt -> phys with flags.
func (t *Table) Map(virt uint64, phys pgalloc.FrameNumber, flags Flags) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.walkCreate(virt)
	e.frame = phys
	e.flags = flags | Present
}

// Unmap clears the mapping at virt and returns the frame it pointed to,
// if any. Unmapping an address with no mapping is a no-op returning ok=false.
func (t *Table) Unmap(virt uint64) (pgalloc.FrameNumber, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.walk(virt)
	if e == nil || e.flags&Present == 0 {
		return 0, false
	}
	phys := e.frame
	*e = entry{}
	return phys, true
}

// Translate resolves virt to a physical frame, returning ok=false if
// absent (whether never mapped or explicitly unmapped).
func (t *Table) Translate(virt uint64) (pgalloc.FrameNumber, Flags, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.walk(virt)
	if e == nil || e.flags&Present == 0 {
		return 0, 0, false
	}
	return e.frame, e.flags, true
}

// SetFlags rewrites the protection flags of an existing mapping without
// changing its frame, preserving Present.
func (t *Table) SetFlags(virt uint64, flags Flags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.walk(virt)
	if e == nil || e.flags&Present == 0 {
		return false
	}
	e.flags = flags | Present
	return true
}

// Clear wipes the entry at virt unconditionally, whether Present or
// marked Swapped. Used when releasing a swapped-out page's slot.
func (t *Table) Clear(virt uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.walk(virt); e != nil {
		*e = entry{}
	}
}

// MarkSwapped rewrites the entry at virt to carry slot in the frame
// field with Present cleared and SwappedFlag set, per spec §4.4's
// eviction step ("slot number encoded in the unused bits").
func (t *Table) MarkSwapped(virt uint64, slot uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.walk(virt)
	if e == nil {
		return
	}
	e.frame = pgalloc.FrameNumber(slot)
	e.flags = SwappedFlag
}

// SwapSlot returns the slot recorded by MarkSwapped, if the entry at
// virt is currently marked Swapped.
func (t *Table) SwapSlot(virt uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.walk(virt)
	if e == nil || e.flags&SwappedFlag == 0 {
		return 0, false
	}
	return uint64(e.frame), true
}

// Clone walks the source table and installs entries in dst, per spec
// §4.2: private mappings get Writable cleared and CoW set on both
// sides; shared mappings (identified by the caller via isShared) are
// duplicated as-is. onCoW is invoked once per page newly shared, so the
// caller (mm.Clone) can bump the frame's CoW refcount.
func (t *Table) Clone(dst *Table, isShared func(virt uint64) bool, onCoW func(virt uint64, frame pgalloc.FrameNumber)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i4, l3 := range t.root.e {
		if l3 == nil {
			continue
		}
		for i3, l2 := range l3.e {
			if l2 == nil {
				continue
			}
			for i2, l1 := range l2.e {
				if l1 == nil {
					continue
				}
				for i1, e := range l1.e {
					if e.flags&Present == 0 {
						continue
					}
					virt := addrOf(i4, i3, i2, i1)
					if isShared(virt) {
						dst.Map(virt, e.frame, e.flags&^Present)
						continue
					}
					// Private mapping: every clone adds one more sharer of
					// the same frame, whether or not this is the first
					// time it has been shared.
					newFlags := e.flags
					if newFlags&Writable != 0 {
						newFlags = (newFlags &^ Writable) | CoW
						l1.e[i1].flags = newFlags
					}
					if onCoW != nil {
						onCoW(virt, e.frame)
					}
					dst.Map(virt, e.frame, newFlags&^Present)
				}
			}
		}
	}
}

func addrOf(i4, i3, i2, i1 int) uint64 {
	p := uint64(i4)
	p = p*entriesPerTable + uint64(i3)
	p = p*entriesPerTable + uint64(i2)
	p = p*entriesPerTable + uint64(i1)
	return p * pgalloc.PageSize
}
