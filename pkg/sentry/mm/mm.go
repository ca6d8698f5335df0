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

// Package mm implements the Address Space, its VMAs, and the
// Demand-Paging & Swap Controller (spec §4.3, §4.4): one
// MemoryManager per process, combining the VMA bookkeeping gVisor's
// own mm.MemoryManager does with the fault-resolution policy gVisor
// splits across mm and platform.
//
// Lock order: MemoryManager.mu, then pagetable.Table's internal lock,
// then pgalloc.MemoryFile's internal lock (spec §5). Holding mu across
// CopyIn/CopyOut is forbidden, but CopyIn/CopyOut themselves acquire mu
// per page, never across the whole transfer, so a fault on page 2 of a
// copy can't deadlock against another thread's Unmap of page 1.
package mm

import (
	"strings"
	"sync"

	"github.com/raeenos/corekernel/pkg/kernel/kernelerr"
	"github.com/raeenos/corekernel/pkg/sentry/mm/evict"
	"github.com/raeenos/corekernel/pkg/sentry/pgalloc"
	"github.com/raeenos/corekernel/pkg/sentry/platform/pagetable"
)

const pageSize = pgalloc.PageSize

func alignDown(v uint64) uint64 { return v &^ (pageSize - 1) }
func alignUp(v uint64) uint64   { return (v + pageSize - 1) &^ (pageSize - 1) }

// Layout fixes the user-region boundaries of a fresh address space
// (spec §3's "heap_end and stack_start markers").
type Layout struct {
	HeapBase   uint64
	StackStart uint64
}

// MemoryManager is the Address Space of spec §3/§4.3.
type MemoryManager struct {
	asID uint64

	mu         sync.Mutex
	vmas       *vmaSet
	heapEnd    uint64
	stackStart uint64

	table  *pagetable.Table
	pfa    *pgalloc.MemoryFile
	swap   *SwapSpace
	policy evict.Policy

	resMu    sync.Mutex
	resident map[uint64]uint64 // virt -> insertion sequence, for FIFO
	resSeq   uint64

	gameMode bool
}

// New creates an empty address space with a fresh page-table root
// (spec §4.3's create()).
func New(asID uint64, pfa *pgalloc.MemoryFile, swap *SwapSpace, policy evict.Policy, layout Layout) *MemoryManager {
	return &MemoryManager{
		asID:       asID,
		vmas:       newVMASet(),
		heapEnd:    layout.HeapBase,
		stackStart: layout.StackStart,
		table:      pagetable.New(pfa, asID),
		pfa:        pfa,
		swap:       swap,
		policy:     policy,
		resident:   make(map[uint64]uint64),
	}
}

// ASID returns the address space identifier frames are tagged with.
func (mgr *MemoryManager) ASID() uint64 { return mgr.asID }

// SetGameModeHint implements spec §4.6(b): DPS should evict this
// address space's anonymous pages last.
func (mgr *MemoryManager) SetGameModeHint(on bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	mgr.gameMode = on
}

// VMAInfo is a read-only snapshot of a VMA, returned by Find so callers
// outside this package never hold a pointer into the live vmaSet.
type VMAInfo struct {
	Start, End uint64
	Prot       Prot
	Flags      MapFlags
	Kind       Kind
}

func snapshot(v *vma) VMAInfo {
	return VMAInfo{Start: v.start, End: v.end, Prot: v.prot, Flags: v.flags, Kind: v.kind}
}

// Find returns the VMA containing addr (spec §4.3's find()).
func (mgr *MemoryManager) Find(addr uint64) (VMAInfo, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	v := mgr.vmas.Find(addr)
	if v == nil {
		return VMAInfo{}, false
	}
	return snapshot(v), true
}

func kindFromFlags(flags MapFlags) Kind {
	if flags&MapFileBacked != 0 {
		return KindFile
	}
	return KindAnonymous
}

// Map creates a VMA at a chosen, aligned range (spec §4.3's map()).
// hint, if non-nil, is tried first; if it overlaps an existing VMA or
// would cross into the stack region, the allocator falls back to
// first-fit exactly as an unhinted call would.
func (mgr *MemoryManager) Map(hint *uint64, length uint64, prot Prot, flags MapFlags, backing *Backing) (uint64, error) {
	if length == 0 {
		return 0, kernelerr.New(kernelerr.Inval, "mm.Map", "zero length")
	}
	length = alignUp(length)
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	var start uint64
	if hint != nil {
		h := alignDown(*hint)
		if h >= mgr.heapEnd && h+length <= mgr.stackStart && !mgr.vmas.Overlaps(h, h+length) {
			start = h
		}
	}
	if start == 0 {
		var ok bool
		start, ok = mgr.firstFitLocked(length)
		if !ok {
			return 0, kernelerr.New(kernelerr.NoMemory, "mm.Map", "address space exhausted")
		}
	}
	mgr.insertLocked(start, length, prot, flags, backing)
	return start, nil
}

// firstFitLocked implements spec §4.3's "first-fit from the current
// heap_end upward, never crossing into the stack region".
func (mgr *MemoryManager) firstFitLocked(length uint64) (uint64, bool) {
	candidate := mgr.heapEnd
	mgr.vmas.AscendRange(candidate, mgr.stackStart, func(v *vma) bool {
		if candidate+length <= v.start {
			return false
		}
		if v.end > candidate {
			candidate = alignUp(v.end)
		}
		return true
	})
	if candidate+length > mgr.stackStart {
		return 0, false
	}
	return candidate, true
}

func (mgr *MemoryManager) insertLocked(start, length uint64, prot Prot, flags MapFlags, backing *Backing) {
	v := &vma{
		start:    start,
		end:      start + length,
		prot:     prot,
		declared: prot,
		maxPerms: prot,
		flags:    flags,
		kind:     kindFromFlags(flags),
		backing:  backing,
	}
	mgr.vmas.Insert(v)
	if v.end > mgr.heapEnd {
		mgr.heapEnd = v.end
	}
}

// MapFixed creates a VMA at exactly addr, failing if it would overlap
// an existing VMA (spec §4.3's map_fixed()).
func (mgr *MemoryManager) MapFixed(addr, length uint64, prot Prot, flags MapFlags, backing *Backing) error {
	if length == 0 {
		return kernelerr.New(kernelerr.Inval, "mm.MapFixed", "zero length")
	}
	start := alignDown(addr)
	end := start + alignUp(length)
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.vmas.Overlaps(start, end) {
		return kernelerr.New(kernelerr.Inval, "mm.MapFixed", "overlaps existing mapping")
	}
	mgr.insertLocked(start, end-start, prot, flags, backing)
	return nil
}

// Protect updates the protection of [addr, addr+len) (spec §4.3's
// protect()), splitting and truncating overlapping VMAs as needed and
// stripping Writable from page-table entries when narrowing.
func (mgr *MemoryManager) Protect(addr, length uint64, newProt Prot) error {
	start := alignDown(addr)
	end := alignUp(addr + length)
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	var affected []*vma
	mgr.vmas.AscendRange(start, end, func(v *vma) bool {
		affected = append(affected, v)
		return true
	})
	for _, v := range affected {
		if !newProt.Subset(v.maxPerms) {
			return kernelerr.New(kernelerr.Inval, "mm.Protect", "exceeds declared permissions")
		}
	}
	for _, v := range affected {
		mgr.vmas.Remove(v.start)
		if v.start < start {
			left := *v
			left.end = start
			mgr.vmas.Insert(&left)
		}
		if v.end > end {
			right := *v
			right.start = end
			mgr.vmas.Insert(&right)
		}
		midStart, midEnd := maxU64(v.start, start), minU64(v.end, end)
		mid := *v
		mid.start, mid.end, mid.prot = midStart, midEnd, newProt
		mgr.vmas.Insert(&mid)

		for p := midStart; p < midEnd; p += pageSize {
			if _, flags, mapped := mgr.table.Translate(p); mapped {
				nf := newProt.toPTEFlags()
				if flags&pagetable.CoW != 0 {
					nf |= pagetable.CoW
				}
				mgr.table.SetFlags(p, nf)
			}
		}
	}
	return nil
}

// Unmap releases [addr, addr+len), splitting/truncating overlapping
// VMAs and returning their frames. Idempotent over empty ranges (spec
// §4.3's unmap()).
func (mgr *MemoryManager) Unmap(addr, length uint64) error {
	if length == 0 {
		return nil
	}
	start := alignDown(addr)
	end := alignUp(addr + length)
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	var affected []*vma
	mgr.vmas.AscendRange(start, end, func(v *vma) bool {
		affected = append(affected, v)
		return true
	})
	for _, v := range affected {
		mgr.vmas.Remove(v.start)
		if v.start < start {
			left := *v
			left.end = start
			mgr.vmas.Insert(&left)
		}
		if v.end > end {
			right := *v
			right.start = end
			mgr.vmas.Insert(&right)
		}
	}
	for p := start; p < end; p += pageSize {
		if slot, swapped := mgr.table.SwapSlot(p); swapped {
			mgr.swap.Free(slot)
			mgr.table.Clear(p)
			continue
		}
		if fn, ok := mgr.table.Unmap(p); ok {
			if mgr.pfa.Describe(fn).State == pgalloc.CoWShared {
				mgr.pfa.DropCoW(fn)
			} else {
				mgr.pfa.Free(fn)
			}
			mgr.removeResident(p)
		}
	}
	return nil
}

// Clone duplicates this address space for fork() (spec §4.3's clone()):
// private mappings become CoW-shared between parent and child; shared
// mappings are duplicated as-is.
func (mgr *MemoryManager) Clone(childASID uint64) *MemoryManager {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	child := New(childASID, mgr.pfa, mgr.swap, mgr.policy, Layout{HeapBase: mgr.heapEnd, StackStart: mgr.stackStart})
	child.heapEnd = mgr.heapEnd

	mgr.vmas.Ascend(func(v *vma) bool {
		cp := *v
		child.vmas.Insert(&cp)
		return true
	})

	isShared := func(virt uint64) bool {
		v := mgr.vmas.Find(virt)
		return v != nil && v.flags&MapShared != 0
	}
	onCoW := func(virt uint64, frame pgalloc.FrameNumber) {
		mgr.pfa.MarkCoW(frame)
	}
	mgr.table.Clone(child.table, isShared, onCoW)

	mgr.resMu.Lock()
	for virt, seq := range mgr.resident {
		child.resident[virt] = seq
	}
	mgr.resMu.Unlock()

	return child
}

func (mgr *MemoryManager) markResident(virt uint64) {
	mgr.resMu.Lock()
	defer mgr.resMu.Unlock()
	if _, ok := mgr.resident[virt]; !ok {
		mgr.resident[virt] = mgr.resSeq
		mgr.resSeq++
	}
}

func (mgr *MemoryManager) removeResident(virt uint64) {
	mgr.resMu.Lock()
	defer mgr.resMu.Unlock()
	delete(mgr.resident, virt)
}

// HandleFault implements the DPS policy table of spec §4.4.
func (mgr *MemoryManager) HandleFault(addr uint64, write, user, present bool) error {
	pageAddr := alignDown(addr)

	mgr.mu.Lock()
	v := mgr.vmas.Find(addr)
	if slot, swapped := mgr.table.SwapSlot(pageAddr); swapped {
		mgr.mu.Unlock()
		return mgr.swapIn(pageAddr, slot, v)
	}
	fn, flags, mapped := mgr.table.Translate(pageAddr)
	if mapped && write && flags&pagetable.CoW != 0 {
		mgr.mu.Unlock()
		return mgr.resolveCoW(pageAddr, fn, v)
	}
	if !mapped {
		if v == nil {
			mgr.mu.Unlock()
			return kernelerr.New(kernelerr.Fault, "mm.HandleFault", "address outside any vma")
		}
		required := ProtRead
		if write {
			required = ProtWrite
		}
		if !required.Subset(v.prot) {
			mgr.mu.Unlock()
			return kernelerr.New(kernelerr.Fault, "mm.HandleFault", "access violates vma protection")
		}
		mgr.mu.Unlock()
		return mgr.demandFill(pageAddr, v)
	}
	mgr.mu.Unlock()
	return kernelerr.New(kernelerr.Fault, "mm.HandleFault", "protection violated on present mapping")
}

func (mgr *MemoryManager) allocFrame() (pgalloc.FrameNumber, bool) {
	owner := pgalloc.Owner{ASID: mgr.asID}
	return mgr.pfa.AllocRetry(owner, mgr.evictOne)
}

func (mgr *MemoryManager) demandFill(pageAddr uint64, v *vma) error {
	fn, ok := mgr.allocFrame()
	if !ok {
		return kernelerr.New(kernelerr.NoMemory, "mm.demandFill", "no frame available")
	}
	buf := mgr.pfa.Bytes(fn)
	if v.backing != nil {
		n, _ := v.backing.File.ReadAt(buf, int64(v.backing.Offset+(pageAddr-v.start)))
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	} else {
		for i := range buf {
			buf[i] = 0
		}
	}
	mgr.mu.Lock()
	mgr.table.Map(pageAddr, fn, v.prot.toPTEFlags())
	mgr.mu.Unlock()
	mgr.markResident(pageAddr)
	return nil
}

func (mgr *MemoryManager) resolveCoW(pageAddr uint64, oldFn pgalloc.FrameNumber, v *vma) error {
	newFn, ok := mgr.allocFrame()
	if !ok {
		return kernelerr.New(kernelerr.NoMemory, "mm.resolveCoW", "no frame available")
	}
	copy(mgr.pfa.Bytes(newFn), mgr.pfa.Bytes(oldFn))
	prot := ProtRead | ProtWrite | ProtUser
	if v != nil {
		prot = v.prot
	}
	mgr.mu.Lock()
	mgr.table.Map(pageAddr, newFn, prot.toPTEFlags())
	mgr.mu.Unlock()
	mgr.pfa.DropCoW(oldFn)
	mgr.markResident(pageAddr)
	return nil
}

func (mgr *MemoryManager) swapIn(pageAddr uint64, slot uint64, v *vma) error {
	fn, ok := mgr.allocFrame()
	if !ok {
		return kernelerr.New(kernelerr.NoMemory, "mm.swapIn", "no frame available")
	}
	buf := mgr.pfa.Bytes(fn)
	if err := mgr.swap.ReadIn(slot, buf); err != nil {
		mgr.pfa.Free(fn)
		return kernelerr.New(kernelerr.NoMemory, "mm.swapIn", "swap slot unreadable")
	}
	mgr.swap.Free(slot)
	prot := ProtRead | ProtWrite | ProtUser
	if v != nil {
		prot = v.prot
	}
	mgr.mu.Lock()
	mgr.table.Map(pageAddr, fn, prot.toPTEFlags())
	mgr.mu.Unlock()
	mgr.markResident(pageAddr)
	return nil
}

// evictOne selects and evicts a single victim page per spec §4.4,
// honoring the Game Mode hint that this address space's anonymous
// pages should be evicted last. It returns false if no evictable
// victim exists (the caller then surfaces NoMemory).
func (mgr *MemoryManager) evictOne() bool {
	mgr.mu.Lock()
	gameMode := mgr.gameMode
	mgr.resMu.Lock()
	type resident struct {
		virt uint64
		seq  uint64
	}
	residents := make([]resident, 0, len(mgr.resident))
	for virt, seq := range mgr.resident {
		residents = append(residents, resident{virt, seq})
	}
	mgr.resMu.Unlock()

	var all, nonAnon []evict.Candidate
	for _, r := range residents {
		fn, flags, mapped := mgr.table.Translate(r.virt)
		if !mapped || flags&pagetable.CoW != 0 {
			continue
		}
		fd := mgr.pfa.Describe(fn)
		if fd.State != pgalloc.Used {
			continue
		}
		c := evict.Candidate{Virt: r.virt, RefCount: fd.RefCount, LastAccess: fd.LastAccess, Inserted: r.seq}
		all = append(all, c)
		v := mgr.vmas.Find(r.virt)
		if v == nil || v.kind != KindAnonymous {
			nonAnon = append(nonAnon, c)
		}
	}
	mgr.mu.Unlock()

	candidates := all
	if gameMode && len(nonAnon) > 0 {
		candidates = nonAnon
	}
	if len(candidates) == 0 {
		return false
	}
	idx, ok := mgr.policy.SelectVictim(candidates)
	if !ok {
		return false
	}
	victim := candidates[idx]
	if victim.RefCount != 0 {
		// Clock's second-chance pass: clear the bit, don't evict yet.
		if fn, _, mapped := mgr.table.Translate(victim.Virt); mapped {
			mgr.pfa.ClearRef(fn)
		}
		return mgr.evictOne()
	}
	return mgr.evictVirt(victim.Virt)
}

func (mgr *MemoryManager) evictVirt(virt uint64) bool {
	mgr.mu.Lock()
	fn, _, mapped := mgr.table.Translate(virt)
	if !mapped {
		mgr.mu.Unlock()
		return false
	}
	v := mgr.vmas.Find(virt)
	mgr.mu.Unlock()

	dirty := true
	if v != nil && v.kind == KindFile {
		dirty = false
	}
	if dirty {
		data := mgr.pfa.Bytes(fn)
		slot, err := mgr.swap.WriteOut(data)
		if err != nil {
			return false
		}
		mgr.mu.Lock()
		mgr.table.MarkSwapped(virt, slot)
		mgr.mu.Unlock()
	} else {
		mgr.mu.Lock()
		mgr.table.Unmap(virt)
		mgr.mu.Unlock()
	}
	mgr.pfa.Free(fn)
	mgr.removeResident(virt)
	return true
}

// forEachByte walks [userAddr, userAddr+length) page by page, faulting
// in absent pages, and resolving writes to copy-on-write pages, through
// the normal HandleFault path, per spec §4.4's copy_in/copy_out contract.
func (mgr *MemoryManager) forEachByte(userAddr uint64, length int, write bool, visit func(buf []byte)) error {
	remaining := length
	addr := userAddr
	for remaining > 0 {
		pageAddr := alignDown(addr)
		pageOff := int(addr - pageAddr)
		n := pageSize - uint64(pageOff)
		if n > uint64(remaining) {
			n = uint64(remaining)
		}

		mgr.mu.Lock()
		v := mgr.vmas.Find(addr)
		mgr.mu.Unlock()
		if v == nil {
			return kernelerr.New(kernelerr.Fault, "mm.copy", "address outside any vma")
		}
		required := ProtRead
		if write {
			required = ProtWrite
		}
		if !required.Subset(v.prot) {
			return kernelerr.New(kernelerr.Fault, "mm.copy", "access violates vma protection")
		}

		fn, flags, mapped := mgr.table.Translate(pageAddr)
		if !mapped || (write && flags&pagetable.CoW != 0) {
			if err := mgr.HandleFault(addr, write, true, mapped); err != nil {
				return err
			}
			var ok bool
			fn, _, ok = mgr.table.Translate(pageAddr)
			if !ok {
				return kernelerr.New(kernelerr.Fault, "mm.copy", "page did not resolve after fault")
			}
		}
		buf := mgr.pfa.Bytes(fn)
		visit(buf[pageOff : uint64(pageOff)+n])

		addr += n
		remaining -= int(n)
	}
	return nil
}

// CopyIn implements spec §4.4's copy_in(dst_kernel, src_user, len).
func (mgr *MemoryManager) CopyIn(dst []byte, srcUser uint64) error {
	off := 0
	return mgr.forEachByte(srcUser, len(dst), false, func(buf []byte) {
		copy(dst[off:], buf)
		off += len(buf)
	})
}

// CopyOut implements spec §4.4's copy_out(dst_user, src_kernel, len).
func (mgr *MemoryManager) CopyOut(dstUser uint64, src []byte) error {
	off := 0
	return mgr.forEachByte(dstUser, len(src), true, func(buf []byte) {
		copy(buf, src[off:])
		off += len(buf)
	})
}

// CopyInString implements spec §4.4's string variant: it terminates at
// the first null byte within maxLen.
func (mgr *MemoryManager) CopyInString(srcUser uint64, maxLen int) (string, error) {
	var sb strings.Builder
	var b [1]byte
	for i := 0; i < maxLen; i++ {
		if err := mgr.CopyIn(b[:], srcUser+uint64(i)); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(b[0])
	}
	return sb.String(), nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
