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

// Package pgalloc implements the kernel's physical frame allocator
// (spec §4.1). It owns the set of 4 KiB physical page frames and hands
// them out and reclaims them in O(1).
//
// Lock order: callers must never hold a pgalloc lock across a
// suspension point (spec §5). pgalloc never calls into mm, kheap, or
// kernel; it is the bottom of the dependency graph.
package pgalloc

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// PageSize is the frame size in bytes, fixed at 4 KiB per spec.
const PageSize = 4096

// FrameNumber identifies a physical frame by physical address / PageSize.
type FrameNumber uint64

// State is a frame's place in the spec §3 state machine.
type State int

const (
	Free State = iota
	Used
	Dirty
	Swapped
	CoWShared
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Used:
		return "Used"
	case Dirty:
		return "Dirty"
	case Swapped:
		return "Swapped"
	case CoWShared:
		return "CoWShared"
	default:
		return "Unknown"
	}
}

// Owner identifies the address space and virtual address a Used frame
// is mapped at. pgalloc never dereferences this; it exists so that
// eviction can ask mm to invalidate the mapping before reclaiming the
// frame. See spec §9: back-pointers are a lookup capability, not an
// owning pointer.
type Owner struct {
	ASID uint64
	Virt uint64
}

// FrameDesc is the per-frame record of spec §3's Physical Frame.
type FrameDesc struct {
	Number     FrameNumber
	State      State
	RefCount   int32
	LastAccess time.Time
	Owner      Owner
	// SwapSlot is valid only when State == Swapped.
	SwapSlot uint64
}

// MemoryFile is the PFA. The name mirrors gVisor's own pgalloc.MemoryFile,
// which likewise backs guest physical memory with a flat byte arena.
type MemoryFile struct {
	mu sync.Mutex

	arena  []byte
	frames []FrameDesc
	// freeList is an intrusive O(1) stack of free frame numbers.
	freeList []FrameNumber

	log *logrus.Entry
}

// New constructs a MemoryFile backing `total` frames.
func New(total int, log *logrus.Entry) *MemoryFile {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	mf := &MemoryFile{
		arena:    make([]byte, total*PageSize),
		frames:   make([]FrameDesc, total),
		freeList: make([]FrameNumber, total),
		log:      log.WithField("component", "pgalloc").(*logrus.Entry),
	}
	for i := 0; i < total; i++ {
		mf.frames[i] = FrameDesc{Number: FrameNumber(i), State: Free}
		mf.freeList[i] = FrameNumber(total - 1 - i) // pop from tail = ascending frame numbers
	}
	return mf
}

// Total returns the number of frames this allocator manages.
func (mf *MemoryFile) Total() int {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return len(mf.frames)
}

// FreeCount returns the number of currently Free frames.
func (mf *MemoryFile) FreeCount() int {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return len(mf.freeList)
}

// UsedCount returns the number of frames not in the Free state.
func (mf *MemoryFile) UsedCount() int {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return len(mf.frames) - len(mf.freeList)
}

// Alloc pops a frame off the free list in O(1), marking it Used and
// owned by owner. It reports ok=false rather than an error when the
// free list is empty: callers (DPS) are expected to evict and retry.
func (mf *MemoryFile) Alloc(owner Owner) (FrameNumber, bool) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.allocLocked(owner)
}

func (mf *MemoryFile) allocLocked(owner Owner) (FrameNumber, bool) {
	n := len(mf.freeList)
	if n == 0 {
		return 0, false
	}
	fn := mf.freeList[n-1]
	mf.freeList = mf.freeList[:n-1]
	fd := &mf.frames[fn]
	fd.State = Used
	fd.RefCount = 1
	fd.LastAccess = time.Now()
	fd.Owner = owner
	return fn, true
}

// AllocRetry wraps Alloc with a bounded exponential backoff, retrying
// evict between attempts. It is used by callers (mm's DPS path) that
// have an eviction strategy to run between failed allocations.
func (mf *MemoryFile) AllocRetry(owner Owner, evict func() bool) (FrameNumber, bool) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 50 * time.Millisecond
	b.InitialInterval = time.Microsecond
	var fn FrameNumber
	var ok bool
	err := backoff.Retry(func() error {
		fn, ok = mf.Alloc(owner)
		if ok {
			return nil
		}
		if !evict() {
			return backoff.Permanent(fmt.Errorf("pgalloc: no evictable victim"))
		}
		return fmt.Errorf("pgalloc: retry after eviction")
	}, b)
	return fn, err == nil && ok
}

// Free returns frame fn to the free list, whatever its non-Free state
// (Used, Dirty, Swapped or CoWShared). Freeing a frame that is already
// Free is a fatal invariant violation per spec §4.1.
func (mf *MemoryFile) Free(fn FrameNumber) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	fd := &mf.frames[fn]
	if fd.State == Free {
		mf.log.WithField("frame", fn).Fatal("pgalloc: double free of frame")
	}
	fd.State = Free
	fd.RefCount = 0
	fd.Owner = Owner{}
	fd.SwapSlot = 0
	mf.freeList = append(mf.freeList, fn)
}

// Describe returns a copy of the frame descriptor for fn.
func (mf *MemoryFile) Describe(fn FrameNumber) FrameDesc {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.frames[fn]
}

// Touch updates fn's LastAccess timestamp and sets its reference bit
// (the Clock policy uses RefCount as the reference bit: 1 = recently
// accessed, 0 = eligible).
func (mf *MemoryFile) Touch(fn FrameNumber) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	mf.frames[fn].LastAccess = time.Now()
	mf.frames[fn].RefCount = 1
}

// ClearRef zeroes fn's reference bit without otherwise touching state,
// used by the Clock eviction policy to give a frame its second chance.
func (mf *MemoryFile) ClearRef(fn FrameNumber) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	mf.frames[fn].RefCount = 0
}

// Bytes returns the backing slice for frame fn, exactly PageSize long.
func (mf *MemoryFile) Bytes(fn FrameNumber) []byte {
	off := int(fn) * PageSize
	return mf.arena[off : off+PageSize]
}

// Snapshot returns a defensive copy of every frame descriptor, used by
// tests to verify the frame-conservation invariant (spec §8.1).
func (mf *MemoryFile) Snapshot() []FrameDesc {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	out := make([]FrameDesc, len(mf.frames))
	copy(out, mf.frames)
	return out
}

// MarkCoW transitions a frame to CoWShared and increments its reference
// count when a private mapping is shared CoW by Clone, under the
// allocator's own lock so that the transition is atomic with respect
// to concurrent Alloc/Free.
func (mf *MemoryFile) MarkCoW(fn FrameNumber) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	mf.frames[fn].State = CoWShared
	mf.frames[fn].RefCount++
}

// DropCoW decrements a CoW frame's reference count, freeing it if it
// reaches zero, and returns the resulting count.
func (mf *MemoryFile) DropCoW(fn FrameNumber) int32 {
	mf.mu.Lock()
	fd := &mf.frames[fn]
	fd.RefCount--
	rc := fd.RefCount
	if rc <= 0 {
		fd.State = Free
		fd.Owner = Owner{}
		mf.freeList = append(mf.freeList, fn)
	}
	mf.mu.Unlock()
	return rc
}

// MarkSwapped transitions fn to Swapped and records the slot it was
// written to, without freeing it; the caller frees it separately once
// the page table no longer maps it.
func (mf *MemoryFile) MarkSwapped(fn FrameNumber, slot uint64) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	mf.frames[fn].State = Swapped
	mf.frames[fn].SwapSlot = slot
}
