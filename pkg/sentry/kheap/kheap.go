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

// Package kheap implements the kernel's small-object allocator (spec
// §4.5), a segregated free-list layered over pgalloc. It is not
// required to be concurrent-scalable: a single mutex guards the whole
// heap, matching the spec's explicit waiver.
package kheap

import (
	"container/list"
	"sync"

	"github.com/raeenos/corekernel/pkg/kernel/kernelerr"
	"github.com/raeenos/corekernel/pkg/sentry/pgalloc"
)

// DefaultSizeClasses are the pre-sized allocation classes served in
// O(1), covering everything up to half a page per spec §4.5. Used when
// New is given no explicit classes, e.g. a boot config that leaves
// Heap.SizeClasses empty.
var DefaultSizeClasses = []int{32, 64, 128, 256, 512, 1024, 2048}

// Ptr is an opaque handle to a kernel-heap allocation.
type Ptr struct {
	class int // index into sizeClasses, or -1 for a direct large allocation
	frame pgalloc.FrameNumber
	// frames holds every frame backing a large (>half-page) allocation,
	// in order; class==-1 allocations may span more than one frame.
	frames []pgalloc.FrameNumber
	data   []byte
}

// Bytes exposes the allocation's backing storage.
func (p Ptr) Bytes() []byte { return p.data }

// Heap is the kernel heap singleton, owned by the boot sequence and
// passed explicitly to subsystems that need kernel-internal storage
// (spec §9: model global singletons as a context passed explicitly).
type Heap struct {
	mu          sync.Mutex
	pfa         *pgalloc.MemoryFile
	sizeClasses []int
	classes     []*class
}

type class struct {
	size int
	// free holds blocks carved out of owned frames that are available
	// for reuse, each an offset-and-length slice into the owning
	// frame's backing array.
	free *list.List
}

type freeBlock struct {
	buf []byte
}

// New constructs a kernel heap layered over pfa, serving the given
// size classes in ascending order. An empty or nil sizeClasses falls
// back to DefaultSizeClasses.
func New(pfa *pgalloc.MemoryFile, sizeClasses []int) *Heap {
	if len(sizeClasses) == 0 {
		sizeClasses = DefaultSizeClasses
	}
	h := &Heap{pfa: pfa, sizeClasses: sizeClasses}
	for _, sz := range sizeClasses {
		h.classes = append(h.classes, &class{size: sz, free: list.New()})
	}
	return h
}

func (h *Heap) classFor(size int) int {
	for i, sz := range h.sizeClasses {
		if size <= sz {
			return i
		}
	}
	return -1
}

// Kalloc allocates size bytes, returning a Ptr, or a NoMemory error
// when pgalloc is exhausted (spec §4.5's kalloc(size, flags)).
// Allocations over the largest size class are drawn directly from
// pgalloc as whole frames; if that runs out part-way, the frames
// already taken are returned before the error is reported.
func (h *Heap) Kalloc(size int) (Ptr, error) {
	if size <= 0 {
		return Ptr{}, kernelerr.New(kernelerr.Inval, "kheap.Kalloc", "non-positive size")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if ci := h.classFor(size); ci >= 0 {
		c := h.classes[ci]
		if e := c.free.Front(); e != nil {
			c.free.Remove(e)
			blk := e.Value.(freeBlock)
			return Ptr{class: ci, data: blk.buf[:size]}, nil
		}
		fn, ok := h.pfa.Alloc(pgalloc.Owner{})
		if !ok {
			return Ptr{}, kernelerr.New(kernelerr.NoMemory, "kheap.Kalloc", "pgalloc exhausted")
		}
		frameBuf := h.pfa.Bytes(fn)
		// Carve the frame into size-class blocks, each capped to exactly
		// c.size bytes so Kfree can recover the right block boundaries,
		// and stash all but the first as free inventory for future
		// allocations of this class.
		per := pgalloc.PageSize / c.size
		for i := 1; i < per; i++ {
			c.free.PushBack(freeBlock{buf: frameBuf[i*c.size : (i+1)*c.size : (i+1)*c.size]})
		}
		first := frameBuf[0:c.size:c.size]
		return Ptr{class: ci, frame: fn, frames: []pgalloc.FrameNumber{fn}, data: first[:size]}, nil
	}

	// Large allocation: draw whole frames directly from pgalloc.
	pages := (size + pgalloc.PageSize - 1) / pgalloc.PageSize
	frames := make([]pgalloc.FrameNumber, 0, pages)
	buf := make([]byte, 0, pages*pgalloc.PageSize)
	for i := 0; i < pages; i++ {
		fn, ok := h.pfa.Alloc(pgalloc.Owner{})
		if !ok {
			for _, f := range frames {
				h.pfa.Free(f)
			}
			return Ptr{}, kernelerr.New(kernelerr.NoMemory, "kheap.Kalloc", "pgalloc exhausted")
		}
		frames = append(frames, fn)
		buf = append(buf, h.pfa.Bytes(fn)...)
	}
	return Ptr{class: -1, frames: frames, data: buf[:size]}, nil
}

// Kfree returns p's storage to the heap (spec §4.5's kfree(ptr)).
// Blocks in a size class are reusable immediately within the same
// class; large allocations return their frames to pgalloc.
func (h *Heap) Kfree(p Ptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p.class >= 0 {
		c := h.classes[p.class]
		full := p.data[:cap(p.data)]
		c.free.PushBack(freeBlock{buf: full[:c.size]})
		return
	}
	for _, fn := range p.frames {
		h.pfa.Free(fn)
	}
}
