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

// Package boot assembles a memory map, brings up every core in
// dependency order, and returns a running Kernel handle. It plays the
// role spec §6's "Boot interface" describes and supplements spec.md's
// explicitly out-of-scope boot banners with an operable entry point.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/raeenos/corekernel/pkg/boot/config"
	"github.com/raeenos/corekernel/pkg/sentry/kernel"
	"github.com/raeenos/corekernel/pkg/sentry/kernel/sched"
	"github.com/raeenos/corekernel/pkg/sentry/kheap"
	"github.com/raeenos/corekernel/pkg/sentry/mm"
	"github.com/raeenos/corekernel/pkg/sentry/mm/evict"
	"github.com/raeenos/corekernel/pkg/sentry/pgalloc"
	"github.com/raeenos/corekernel/pkg/sentry/syscalls"
)

// RegionType classifies one entry of the bootloader-supplied memory
// map, spec §6's Boot interface.
type RegionType int

const (
	Available RegionType = iota
	Reserved
	AcpiReclaimable
	AcpiNvs
	Bad
)

// MemoryMapEntry is one record of the bootloader memory map.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// availableFrames sums the Available regions, in frames, minus the
// kernel image's own reservation.
func availableFrames(mmap []MemoryMapEntry, imageFrames int) int {
	var total uint64
	for _, e := range mmap {
		if e.Type == Available {
			total += e.Length / pgalloc.PageSize
		}
	}
	frames := int(total) - imageFrames
	if frames < 0 {
		frames = 0
	}
	return frames
}

// Kernel is a fully booted instance: every core wired together, ready
// to create processes and dispatch syscalls.
type Kernel struct {
	Config    config.Config
	PFA       *pgalloc.MemoryFile
	Swap      *mm.SwapSpace
	Heap      *kheap.Heap
	Scheduler *sched.Scheduler
	Registry  *kernel.Registry
	Syscalls  *syscalls.Table

	Log *logrus.Entry

	stop chan struct{}
}

// defaultLayout fixes the user-region boundaries every process's
// address space starts with (spec §3's heap_end/stack_start markers).
var defaultLayout = mm.Layout{
	HeapBase:   0x0000_1000_0000,
	StackStart: 0x0000_7f00_0000,
}

// Boot brings up every core in the dependency order of SPEC_FULL.md §2:
// PFA -> KH, PFA+KH -> TPR -> SCH, AS+TPR+SCH -> SD. Independent cores
// (KH and the scheduler's idle thread) are brought up concurrently via
// errgroup, since neither depends on the other once PFA exists.
func Boot(ctx context.Context, mmap []MemoryMapEntry, cfg config.Config, log *logrus.Logger) (*Kernel, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithField("component", "boot")

	imageFrames := 256
	frames := availableFrames(mmap, imageFrames)
	if cfg.Memory.TotalFrames > 0 && cfg.Memory.TotalFrames < frames {
		frames = cfg.Memory.TotalFrames
	}
	if frames <= 0 {
		return nil, fmt.Errorf("boot: no available memory after reserving kernel image")
	}
	entry.WithField("frames", frames).Info("memory map consumed")

	pfa := pgalloc.New(frames, entry)
	swap := mm.NewSwapSpace(cfg.Memory.SwapSlots)
	policy := evict.ByName(cfg.Eviction.Policy)

	g, _ := errgroup.WithContext(ctx)

	var heap *kheap.Heap
	g.Go(func() error {
		heap = kheap.New(pfa, cfg.Heap.SizeClasses)
		return nil
	})

	var scheduler *sched.Scheduler
	g.Go(func() error {
		scheduler = sched.New(0, func(b sched.Band) (time.Duration, bool) {
			return cfg.Scheduler.SliceFor(int(b))
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	registry := kernel.NewRegistry(kernel.Config{
		Scheduler: scheduler,
		PFA:       pfa,
		Swap:      swap,
		Policy:    policy,
		Layout:    defaultLayout,
		Log:       entry,
	})

	table := syscalls.NewTable(registry, entry)
	syscalls.InstallCore(table, registry)

	k := &Kernel{
		Config:    cfg,
		PFA:       pfa,
		Swap:      swap,
		Heap:      heap,
		Scheduler: scheduler,
		Registry:  registry,
		Syscalls:  table,
		Log:       entry,
		stop:      make(chan struct{}),
	}
	entry.Info("boot complete")
	return k, nil
}

// RunTicker starts the 1ms tick goroutine driving scheduler preemption,
// paced by the scheduler's own rate.Limiter (spec §4.7). It returns
// immediately; call Stop to terminate the goroutine.
func (k *Kernel) RunTicker(ctx context.Context) {
	go func() {
		limiter := k.Scheduler.Limiter()
		for {
			select {
			case <-ctx.Done():
				return
			case <-k.stop:
				return
			default:
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			k.Scheduler.Tick()
		}
	}()
}

// Stop terminates the tick goroutine started by RunTicker.
func (k *Kernel) Stop() {
	close(k.stop)
}

// sliceFor resolves a scheduler band's slice from cfg, falling back to
// the band's compiled-in default. It is unexported and only exercised
// by this package's tests; cmd/raeenctl does not call it.
func sliceFor(cfg config.Config, band sched.Band) time.Duration {
	if d, ok := cfg.Scheduler.SliceFor(int(band)); ok {
		return d
	}
	return band.TimeSlice()
}
