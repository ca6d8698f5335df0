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

package mm

import (
	"github.com/google/btree"

	"github.com/raeenos/corekernel/pkg/sentry/platform/pagetable"
)

// Prot is a VMA's protection bitmask, spec §3's {R, W, X, U}.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtUser
)

// Subset reports whether p is a subset of other, used to check spec §3's
// VMA invariant ("protection is a subset of the mapping's declared
// permissions") and spec §8.3's protection-monotonicity property.
func (p Prot) Subset(other Prot) bool {
	return p&^other == 0
}

func (p Prot) toPTEFlags() pagetable.Flags {
	var f pagetable.Flags
	if p&ProtWrite != 0 {
		f |= pagetable.Writable
	}
	if p&ProtExec == 0 {
		f |= pagetable.NoExecute
	}
	if p&ProtUser != 0 {
		f |= pagetable.User
	}
	return f
}

// MapFlags are the mapping flags of spec §3: {private, shared, anonymous, file-backed}.
type MapFlags uint8

const (
	MapPrivate MapFlags = 1 << iota
	MapShared
	MapAnonymous
	MapFileBacked
)

// Kind classifies a VMA's role, spec §3.
type Kind int

const (
	KindAnonymous Kind = iota
	KindStack
	KindHeap
	KindFile
	KindDevice
)

// Backing describes an optional file backing for a file-backed VMA.
type Backing struct {
	File   ReadAtCloser
	Offset uint64
}

// ReadAtCloser is the minimal file interface the DPS needs to demand-fill
// a file-backed page; kept narrow so mm never depends on a filesystem
// package (spec §1 Non-goals exclude a filesystem format).
type ReadAtCloser interface {
	ReadAt(p []byte, off int64) (n int, err error)
}

// vma is a Virtual Memory Area (spec §3): a half-open, page-aligned
// range plus its protection and mapping semantics.
type vma struct {
	start, end uint64 // [start, end), page-aligned
	declared   Prot   // permissions declared at mmap time; prot is narrowed by Protect within this ceiling
	prot       Prot   // current effective protection, prot.Subset(declared) always holds
	flags      MapFlags
	kind       Kind
	backing    *Backing

	// maxPerms tracks the widest protection ever declared for this
	// range, so Protect can never widen past what mmap/mmap_fixed
	// originally granted (mirrors the teacher's vma.maxPerms).
	maxPerms Prot
}

func (v *vma) Len() uint64 { return v.end - v.start }

// vmaItem is the btree.Item wrapping a *vma, ordered by start address.
// google/btree's generic BTreeG keyed on a Less function replaces the
// teacher's generated interval-tree vmaSet with an off-the-shelf
// ordered structure (see SPEC_FULL.md/DESIGN.md).
type vmaItem struct{ v *vma }

func vmaLess(a, b vmaItem) bool { return a.v.start < b.v.start }

// vmaSet is the ordered, non-overlapping collection of VMAs in one
// address space (spec §3's AS invariant).
type vmaSet struct {
	tree *btree.BTreeG[vmaItem]
}

func newVMASet() *vmaSet {
	return &vmaSet{tree: btree.NewG(32, vmaLess)}
}

// Insert adds v, which the caller has already verified does not overlap
// any existing VMA.
func (s *vmaSet) Insert(v *vma) {
	s.tree.ReplaceOrInsert(vmaItem{v})
}

// Remove deletes the VMA starting at start, if present.
func (s *vmaSet) Remove(start uint64) {
	s.tree.Delete(vmaItem{&vma{start: start}})
}

// Find returns the VMA containing addr, or nil.
func (s *vmaSet) Find(addr uint64) *vma {
	var found *vma
	s.tree.DescendLessOrEqual(vmaItem{&vma{start: addr}}, func(item vmaItem) bool {
		if addr < item.v.end {
			found = item.v
		}
		return false // only examine the closest VMA at or before addr
	})
	return found
}

// Overlaps reports whether [start, end) intersects any existing VMA.
func (s *vmaSet) Overlaps(start, end uint64) bool {
	overlap := false
	s.tree.AscendRange(vmaItem{&vma{start: 0}}, vmaItem{&vma{start: end}}, func(item vmaItem) bool {
		if item.v.start < end && start < item.v.end {
			overlap = true
			return false
		}
		return true
	})
	return overlap
}

// Ascend calls f for every VMA in increasing start-address order, per
// spec §4.3's ordered-VMA-list model. Stops early if f returns false.
func (s *vmaSet) Ascend(f func(v *vma) bool) {
	s.tree.Ascend(func(item vmaItem) bool { return f(item.v) })
}

// AscendRange calls f for every VMA overlapping [start, end).
func (s *vmaSet) AscendRange(start, end uint64, f func(v *vma) bool) {
	// Include the VMA that may start before `start` but still overlap it.
	if first := s.Find(start); first != nil && first.start < start {
		if !f(first) {
			return
		}
	}
	s.tree.AscendRange(vmaItem{&vma{start: start}}, vmaItem{&vma{start: end}}, func(item vmaItem) bool {
		return f(item.v)
	})
}

// Len reports the number of VMAs.
func (s *vmaSet) Len() int { return s.tree.Len() }
