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

package kernel

import (
	"github.com/raeenos/corekernel/pkg/kernel/kernelerr"
	"github.com/raeenos/corekernel/pkg/sentry/kernel/sched"
)

// defaultStackSize is the kernel-stack size given to a thread created
// implicitly by Fork, matching the size ThreadCreate's caller would
// normally choose for a process's first thread.
const defaultStackSize = 16 * 1024

// Fork duplicates parent into a new child process (spec §4.6's
// fork()): the address space is cloned copy-on-write, the descriptor
// table is shared by reference, and exactly one child thread is
// created, enqueued Ready, and made observable in the registry before
// Fork returns to the caller. Fork sets the return-value register
// (Regs[0]) to 0 in the child thread's saved context; setting the
// parent's return value to the child's pid is left to the caller.
func (r *Registry) Fork(parent *Process) (*Process, error) {
	parent.mu.Lock()
	if parent.State == ProcZombie || parent.State == ProcTerminated {
		parent.mu.Unlock()
		return nil, kernelerr.New(kernelerr.NoSuchProc, "kernel.Fork", "parent not running")
	}
	parentThreads := make([]*Thread, 0, len(parent.threads))
	for _, t := range parent.threads {
		parentThreads = append(parentThreads, t)
	}
	parent.mu.Unlock()
	if len(parentThreads) == 0 {
		return nil, kernelerr.New(kernelerr.NoSuchThread, "kernel.Fork", "parent has no threads")
	}
	callerCtx := parentThreads[0].Sched.Ctx

	r.mu.Lock()
	childPID := r.nextPID
	r.nextPID++
	r.mu.Unlock()

	child := &Process{
		PID:          childPID,
		PPID:         parent.PID,
		State:        ProcNew,
		BasePriority: parent.BasePriority,
		Sec:          parent.Sec,
		AS:           parent.AS.Clone(childPID),
		Descriptors:  parent.Descriptors.Ref(),
		threads:      make(map[uint64]*Thread),
	}

	r.mu.Lock()
	r.processes[childPID] = child
	r.mu.Unlock()

	parent.mu.Lock()
	parent.Children = append(parent.Children, childPID)
	parent.mu.Unlock()

	// The child's single thread resumes at the same instruction pointer
	// as the forking thread, with the syscall return register forced to
	// zero; the caller's own thread keeps running and returns childPID.
	childCtx := callerCtx
	childCtx.Regs[0] = 0

	t, err := r.ThreadCreate(child, childCtx.IP, 0, defaultStackSize)
	if err != nil {
		return nil, err
	}
	t.Sched.Ctx = childCtx

	r.log.WithField("parent", parent.PID).WithField("child", childPID).Debug("forked process")
	return child, nil
}

// Exit transitions every thread of p to Zombie, reparents its children
// to pid 1 (whether or not a process with pid 1 is registered), and
// drops p's reference to its descriptor table, leaving the PCB itself
// behind for Reap (spec §4.6's exit()). p's address space is not torn
// down: its VMAs, page table and frames stay allocated.
func (r *Registry) Exit(p *Process, code int) error {
	p.mu.Lock()
	if p.State == ProcZombie || p.State == ProcTerminated {
		p.mu.Unlock()
		return kernelerr.New(kernelerr.Inval, "kernel.Exit", "process already exiting")
	}
	p.State = ProcZombie
	p.ExitCode = code
	children := append([]uint64(nil), p.Children...)
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.mu.Unlock()

	for _, t := range threads {
		t.mu.Lock()
		t.State = ThreadZombie
		t.mu.Unlock()
		r.sched.Remove(t.Sched)
		r.sched.Cancel(t.Sched)
	}

	for _, cpid := range children {
		if c, ok := r.Find(cpid); ok {
			c.mu.Lock()
			c.PPID = 1
			c.mu.Unlock()
		}
	}

	if n := p.Descriptors.Unref(); n <= 0 {
		// Last reference to the descriptor table: nothing further to
		// release here, the table itself is garbage once unreachable.
		_ = n
	}

	r.log.WithField("pid", p.PID).WithField("code", code).Debug("process exited")
	return nil
}

// Reap retrieves a zombie child's exit code and transitions it to
// Terminated, the only transition into that state (spec §4.6's
// reap()). After Reap returns, child's PID may be recycled by the
// registry's caller.
func (r *Registry) Reap(parent *Process, child *Process) (int, error) {
	child.mu.Lock()
	if child.PPID != parent.PID {
		child.mu.Unlock()
		return 0, kernelerr.New(kernelerr.Perm, "kernel.Reap", "not a child of parent")
	}
	if child.State != ProcZombie {
		child.mu.Unlock()
		return 0, kernelerr.New(kernelerr.Busy, "kernel.Reap", "child not zombie")
	}
	code := child.ExitCode
	child.State = ProcTerminated
	child.mu.Unlock()

	parent.mu.Lock()
	for i, cpid := range parent.Children {
		if cpid == child.PID {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	parent.mu.Unlock()

	r.mu.Lock()
	delete(r.processes, child.PID)
	r.mu.Unlock()

	return code, nil
}

// SetBasePriority changes p's base priority band directly, re-banding
// every live thread via the scheduler's Reband so a thread that is
// currently Ready gets relocated to its new band's queue rather than
// left stranded on the old one. Used by raeen_set_priority; unlike
// SetGameMode it does not interact with the saved-priority restore
// path, so calling it while Game Mode is active simply rebases the
// boosted band.
func (r *Registry) SetBasePriority(p *Process, band sched.Band) {
	p.mu.Lock()
	p.BasePriority = band
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.mu.Unlock()

	for _, t := range threads {
		r.sched.Reband(t.Sched, band)
	}
}

// SetGameMode toggles Game Mode for p (spec §4.9): the process's base
// priority is boosted one band (capped at High) and its address space
// is given the eviction hint to prefer evicting anonymous pages last.
// Disabling restores the priority the process had before the boost.
// Live threads are moved to the new band via Reband so a thread sitting
// Ready at the moment Game Mode toggles isn't orphaned between queues.
func (r *Registry) SetGameMode(p *Process, enable bool) {
	p.mu.Lock()
	if enable == p.GameMode {
		p.mu.Unlock()
		return
	}
	p.GameMode = enable
	if enable {
		p.savedPriority = p.BasePriority
		p.BasePriority = p.BasePriority.Raise()
	} else {
		p.BasePriority = p.savedPriority
	}
	newBand := p.BasePriority
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.mu.Unlock()

	p.AS.SetGameModeHint(enable)
	for _, t := range threads {
		r.sched.Reband(t.Sched, newBand)
	}
}
