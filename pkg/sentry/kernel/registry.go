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

// Package kernel implements the Thread and Process Registry of spec
// §4.6: process/thread lifecycle, the parent/child tree, and Game Mode.
// It is named after gVisor's real pkg/sentry/kernel package, whose
// source was not part of the retrieved reference set; Process/Thread
// here play the role gVisor's ThreadGroup/Task play, renamed to the
// spec's own vocabulary.
package kernel

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raeenos/corekernel/pkg/kernel/kernelerr"
	"github.com/raeenos/corekernel/pkg/sentry/kernel/sched"
	"github.com/raeenos/corekernel/pkg/sentry/mm"
	"github.com/raeenos/corekernel/pkg/sentry/mm/evict"
	"github.com/raeenos/corekernel/pkg/sentry/pgalloc"
)

// ProcState is the process state machine of spec §3/§4.6.
type ProcState int

const (
	ProcNew ProcState = iota
	ProcReady
	ProcRunning
	ProcBlocked
	ProcZombie
	ProcTerminated
)

// ThreadState is the thread state machine of spec §3.
type ThreadState int

const (
	ThreadNew ThreadState = iota
	ThreadReady
	ThreadRunning
	ThreadBlocked
	ThreadSleeping
	ThreadZombie
	ThreadTerminated
)

// SecurityID is a process's identity for the permission gate of spec §4.8.
type SecurityID struct {
	UID, GID   uint32
	EUID, EGID uint32
}

// IsRoot reports whether this identity bypasses all permission checks
// (spec §4.8 step 2: "root bypasses all").
func (s SecurityID) IsRoot() bool { return s.EUID == 0 }

// Accounting is the per-process resource accounting of spec §3.
type Accounting struct {
	CPUTime         time.Duration
	PageFaults      uint64
	ContextSwitches uint64
}

// DescriptorTable is a process's open-descriptor table. Fork shares it
// by reference (spec §4.6); Ref/Unref implement that sharing.
type DescriptorTable struct {
	mu    sync.Mutex
	refs  int32
	files map[int]any
}

func newDescriptorTable() *DescriptorTable {
	return &DescriptorTable{refs: 1, files: make(map[int]any)}
}

// Ref increments the table's reference count and returns it, for fork.
func (d *DescriptorTable) Ref() *DescriptorTable {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs++
	return d
}

// Unref decrements the reference count, returning the value after
// decrement.
func (d *DescriptorTable) Unref() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs--
	return d.refs
}

// Process is spec §3's Process record.
type Process struct {
	mu sync.Mutex

	PID, PPID    uint64
	State        ProcState
	BasePriority sched.Band
	Sec          SecurityID
	AS           *mm.MemoryManager
	Descriptors  *DescriptorTable
	Children     []uint64
	ExitCode     int
	Accounting   Accounting

	GameMode      bool
	savedPriority sched.Band

	threads map[uint64]*Thread
}

func (p *Process) snapshotThreads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// Identity returns p's security identity, for the dispatcher's
// permission check.
func (p *Process) Identity() SecurityID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Sec
}

// Thread is spec §3's Thread record, wrapping a sched.Thread with the
// registry-owned lifecycle state and accounting the scheduler itself
// doesn't need to know about.
type Thread struct {
	mu sync.Mutex

	TID     uint64
	Process *Process
	State   ThreadState
	Sched   *sched.Thread

	KernelStack []byte
	UserStack   []byte

	SyscallCount uint64
}

// IncSyscallCount bumps t's per-thread syscall counter, used by the
// dispatcher's step 5 accounting.
func (t *Thread) IncSyscallCount() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SyscallCount++
}

// Registry is the TPR of spec §4.6.
type Registry struct {
	mu         sync.RWMutex
	processes  map[uint64]*Process
	threads    map[uint64]*Thread
	nextPID    uint64
	nextTID    uint64
	sched      *sched.Scheduler
	pfa        *pgalloc.MemoryFile
	swap       *mm.SwapSpace
	policy     evict.Policy
	layout     mm.Layout
	log        *logrus.Entry
}

// Config bundles the dependencies Registry needs from the components
// below it in spec §2's dependency graph.
type Config struct {
	Scheduler *sched.Scheduler
	PFA       *pgalloc.MemoryFile
	Swap      *mm.SwapSpace
	Policy    evict.Policy
	Layout    mm.Layout
	Log       *logrus.Entry
}

// NewRegistry constructs an empty TPR.
func NewRegistry(cfg Config) *Registry {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		processes: make(map[uint64]*Process),
		threads:   make(map[uint64]*Thread),
		nextPID:   1,
		nextTID:   1,
		sched:     cfg.Scheduler,
		pfa:       cfg.PFA,
		swap:      cfg.Swap,
		policy:    cfg.Policy,
		layout:    cfg.Layout,
		log:       log.WithField("component", "kernel").(*logrus.Entry),
	}
}

// ProcessCreate creates a new process with a fresh address space and no
// threads yet (spec §4.6's process_create()).
func (r *Registry) ProcessCreate(name string, prio sched.Band, uid, gid uint32) (*Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pid := r.nextPID
	r.nextPID++
	p := &Process{
		PID:          pid,
		State:        ProcNew,
		BasePriority: prio,
		Sec:          SecurityID{UID: uid, GID: gid, EUID: uid, EGID: gid},
		AS:           mm.New(pid, r.pfa, r.swap, r.policy, r.layout),
		Descriptors:  newDescriptorTable(),
		threads:      make(map[uint64]*Thread),
	}
	r.processes[pid] = p
	r.log.WithField("pid", pid).WithField("name", name).Debug("process created")
	return p, nil
}

// ThreadCreate creates a new thread in p and enqueues it Ready (spec
// §4.6's thread_create()).
func (r *Registry) ThreadCreate(p *Process, entry uint64, arg uint64, stackSize int) (*Thread, error) {
	r.mu.Lock()
	tid := r.nextTID
	r.nextTID++
	r.mu.Unlock()

	band := p.BasePriority
	if p.GameMode {
		band = band.Raise()
	}
	st := &sched.Thread{ID: tid, Band: band, Remaining: r.sched.SliceFor(band)}
	st.Ctx.IP = entry
	st.Ctx.Regs[0] = arg

	t := &Thread{
		TID:         tid,
		Process:     p,
		State:       ThreadReady,
		Sched:       st,
		KernelStack: make([]byte, stackSize),
	}

	r.mu.Lock()
	r.threads[tid] = t
	r.mu.Unlock()

	p.mu.Lock()
	p.threads[tid] = t
	if p.State == ProcNew {
		p.State = ProcReady
	}
	p.mu.Unlock()

	r.sched.Add(st)
	return t, nil
}

// ThreadDestroy removes a Zombie thread's bookkeeping entirely.
func (r *Registry) ThreadDestroy(t *Thread) error {
	t.mu.Lock()
	if t.State != ThreadZombie && t.State != ThreadTerminated {
		t.mu.Unlock()
		return kernelerr.New(kernelerr.Busy, "kernel.ThreadDestroy", "thread not zombie")
	}
	t.mu.Unlock()

	r.mu.Lock()
	delete(r.threads, t.TID)
	r.mu.Unlock()

	t.Process.mu.Lock()
	delete(t.Process.threads, t.TID)
	t.Process.mu.Unlock()
	return nil
}

// Find looks up a process by pid (spec §4.6's find()).
func (r *Registry) Find(pid uint64) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[pid]
	return p, ok
}

// FindThread looks up a thread by tid.
func (r *Registry) FindThread(tid uint64) (*Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[tid]
	return t, ok
}
