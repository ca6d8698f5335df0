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
	"testing"

	"gotest.tools/v3/assert"

	"github.com/raeenos/corekernel/pkg/kernel/kernelerr"
	"github.com/raeenos/corekernel/pkg/sentry/kernel/sched"
	"github.com/raeenos/corekernel/pkg/sentry/mm"
	"github.com/raeenos/corekernel/pkg/sentry/mm/evict"
	"github.com/raeenos/corekernel/pkg/sentry/pgalloc"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	pfa := pgalloc.New(64, nil)
	swap := mm.NewSwapSpace(64)
	return NewRegistry(Config{
		Scheduler: sched.New(0),
		PFA:       pfa,
		Swap:      swap,
		Policy:    evict.LRU{},
		Layout:    mm.Layout{HeapBase: 0x10000, StackStart: 0x100000},
	})
}

func TestProcessCreateStartsNewWithNoThreads(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.ProcessCreate("init", sched.Normal, 0, 0)
	assert.NilError(t, err)
	assert.Equal(t, p.State, ProcNew)
	assert.Equal(t, p.PID, uint64(1))
}

func TestThreadCreateMovesProcessToReady(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.ProcessCreate("a", sched.Normal, 0, 0)
	assert.NilError(t, err)

	th, err := r.ThreadCreate(p, 0x1000, 0, 4096)
	assert.NilError(t, err)
	assert.Equal(t, th.State, ThreadReady)
	assert.Equal(t, p.State, ProcReady)

	found, ok := r.FindThread(th.TID)
	assert.Assert(t, ok)
	assert.Equal(t, found.TID, th.TID)
}

func TestThreadCreateUnderGameModeRaisesBand(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.ProcessCreate("a", sched.Normal, 0, 0)
	assert.NilError(t, err)
	_, err = r.ThreadCreate(p, 0x1000, 0, 4096)
	assert.NilError(t, err)

	r.SetGameMode(p, true)
	th, err := r.ThreadCreate(p, 0x2000, 0, 4096)
	assert.NilError(t, err)
	assert.Equal(t, th.Sched.Band, sched.High)
}

func TestForkSharesDescriptorsAndClonesAddressSpace(t *testing.T) {
	r := newTestRegistry(t)
	parent, err := r.ProcessCreate("parent", sched.Normal, 1000, 1000)
	assert.NilError(t, err)
	_, err = r.ThreadCreate(parent, 0x4000, 0, 4096)
	assert.NilError(t, err)

	child, err := r.Fork(parent)
	assert.NilError(t, err)
	assert.Equal(t, child.PPID, parent.PID)
	assert.Equal(t, child.Descriptors, parent.Descriptors)
	assert.Assert(t, child.AS != parent.AS)

	childThreads := child.snapshotThreads()
	assert.Equal(t, len(childThreads), 1)
	assert.Equal(t, childThreads[0].Sched.Ctx.Regs[0], uint64(0))

	found := false
	for _, cpid := range parent.Children {
		if cpid == child.PID {
			found = true
		}
	}
	assert.Assert(t, found)
}

func TestForkRejectsExitedParent(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.ProcessCreate("a", sched.Normal, 0, 0)
	assert.NilError(t, err)
	_, err = r.ThreadCreate(p, 0x1000, 0, 4096)
	assert.NilError(t, err)

	assert.NilError(t, r.Exit(p, 0))
	_, err = r.Fork(p)
	assert.Assert(t, err != nil)
	assert.Equal(t, kernelerr.KindOf(err), kernelerr.NoSuchProc)
}

func TestExitZombiesThreadsAndReparentsChildren(t *testing.T) {
	r := newTestRegistry(t)
	init, err := r.ProcessCreate("init", sched.Normal, 0, 0)
	assert.NilError(t, err)
	assert.Equal(t, init.PID, uint64(1))

	parent, err := r.ProcessCreate("parent", sched.Normal, 0, 0)
	assert.NilError(t, err)
	_, err = r.ThreadCreate(parent, 0x1000, 0, 4096)
	assert.NilError(t, err)
	child, err := r.Fork(parent)
	assert.NilError(t, err)

	assert.NilError(t, r.Exit(parent, 7))
	assert.Equal(t, parent.State, ProcZombie)
	assert.Equal(t, parent.ExitCode, 7)

	for _, th := range parent.snapshotThreads() {
		assert.Equal(t, th.State, ThreadZombie)
		assert.Assert(t, th.Sched.Cancelled())
	}

	child.mu.Lock()
	gotPPID := child.PPID
	child.mu.Unlock()
	assert.Equal(t, gotPPID, init.PID)
}

func TestReapTransitionsToTerminatedAndFreesSlot(t *testing.T) {
	r := newTestRegistry(t)
	parent, err := r.ProcessCreate("parent", sched.Normal, 0, 0)
	assert.NilError(t, err)
	_, err = r.ThreadCreate(parent, 0x1000, 0, 4096)
	assert.NilError(t, err)
	child, err := r.Fork(parent)
	assert.NilError(t, err)

	assert.NilError(t, r.Exit(child, 42))
	code, err := r.Reap(parent, child)
	assert.NilError(t, err)
	assert.Equal(t, code, 42)
	assert.Equal(t, child.State, ProcTerminated)

	_, ok := r.Find(child.PID)
	assert.Assert(t, !ok)
	assert.Equal(t, len(parent.Children), 0)
}

func TestReapRejectsNonZombieChild(t *testing.T) {
	r := newTestRegistry(t)
	parent, err := r.ProcessCreate("parent", sched.Normal, 0, 0)
	assert.NilError(t, err)
	_, err = r.ThreadCreate(parent, 0x1000, 0, 4096)
	assert.NilError(t, err)
	child, err := r.Fork(parent)
	assert.NilError(t, err)

	_, err = r.Reap(parent, child)
	assert.Assert(t, err != nil)
	assert.Equal(t, kernelerr.KindOf(err), kernelerr.Busy)
}

// S6: Game Mode raises and then restores a process's priority band, and
// propagates to every live thread.
func TestSetGameModeRaisesAndRestoresBand(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.ProcessCreate("game", sched.Normal, 0, 0)
	assert.NilError(t, err)
	th, err := r.ThreadCreate(p, 0x1000, 0, 4096)
	assert.NilError(t, err)

	r.SetGameMode(p, true)
	assert.Equal(t, p.BasePriority, sched.High)
	assert.Equal(t, th.Sched.Band, sched.High)

	r.SetGameMode(p, false)
	assert.Equal(t, p.BasePriority, sched.Normal)
	assert.Equal(t, th.Sched.Band, sched.Normal)
}

// Regression test: rebanding a thread that is currently Ready must
// relocate it to its new band's queue, not just flip its Band field
// while leaving it physically enqueued on the old band's list. A
// competitor enqueued ahead of th in the shared starting band exposes
// the bug: if th were left behind on Normal's list, the competitor
// would still be dispatched first despite th's Band now reading High.
func TestSetGameModeRelocatesReadyThreadToNewBandQueue(t *testing.T) {
	r := newTestRegistry(t)

	normalFirstProc, err := r.ProcessCreate("normal-first", sched.Normal, 0, 0)
	assert.NilError(t, err)
	normalFirst, err := r.ThreadCreate(normalFirstProc, 0x2000, 0, 4096)
	assert.NilError(t, err)

	p, err := r.ProcessCreate("p", sched.Normal, 0, 0)
	assert.NilError(t, err)
	th, err := r.ThreadCreate(p, 0x1000, 0, 4096)
	assert.NilError(t, err)

	r.SetGameMode(p, true)
	assert.Equal(t, th.Sched.Band, sched.High)

	first := r.sched.PickNext()
	assert.Equal(t, first.ID, th.Sched.ID)

	second := r.sched.PickNext()
	assert.Equal(t, second.ID, normalFirst.Sched.ID)
}

// Regression test: a thread rebanded while Ready and then exited must
// not remain dispatchable. Under the bug, Exit's Remove/Cancel indexed
// the thread's new (post-reband) band to unlink it, silently no-op'd
// against the old band's list it was still physically sitting on, and
// zeroed its scheduler handle anyway — leaving a cancelled thread
// permanently stuck, and still pickable, on the old band's queue.
func TestRebandedThreadIsNotPickableAfterExit(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.ProcessCreate("p", sched.Normal, 0, 0)
	assert.NilError(t, err)
	th, err := r.ThreadCreate(p, 0x1000, 0, 4096)
	assert.NilError(t, err)

	r.SetGameMode(p, true)
	assert.NilError(t, r.Exit(p, 0))

	next := r.sched.PickNext()
	assert.Assert(t, next.ID != th.Sched.ID)
}

func TestSetBasePriorityDoesNotInteractWithGameModeRestore(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.ProcessCreate("p", sched.Normal, 0, 0)
	assert.NilError(t, err)
	th, err := r.ThreadCreate(p, 0x1000, 0, 4096)
	assert.NilError(t, err)

	r.SetGameMode(p, true)
	r.SetBasePriority(p, sched.Low)
	assert.Equal(t, th.Sched.Band, sched.Low)

	r.SetGameMode(p, false)
	// savedPriority was captured before SetBasePriority ran, so disabling
	// restores the pre-boost band, not the directly-set one.
	assert.Equal(t, p.BasePriority, sched.Normal)
}

func TestIsRootBypassesNonZeroEUID(t *testing.T) {
	root := SecurityID{EUID: 0}
	user := SecurityID{EUID: 1000}
	assert.Assert(t, root.IsRoot())
	assert.Assert(t, !user.IsRoot())
}
