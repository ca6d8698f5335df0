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

package syscalls

import (
	"golang.org/x/sys/unix"

	"github.com/raeenos/corekernel/pkg/kernel/kernelerr"
	"github.com/raeenos/corekernel/pkg/sentry/kernel"
	"github.com/raeenos/corekernel/pkg/sentry/kernel/sched"
	"github.com/raeenos/corekernel/pkg/sentry/mm"
)

// InstallCore installs the selected-core syscall table of spec §6 into
// tb, bound to registry for the handlers that need process/thread
// lookups beyond the calling thread itself.
func InstallCore(tb *Table, registry *kernel.Registry) {
	tb.Install(0, Entry{Name: "read", Argc: 3, Handler: sysRead})
	tb.Install(1, Entry{Name: "write", Argc: 3, Handler: sysWrite})
	tb.Install(9, Entry{Name: "mmap", Argc: 6, Handler: sysMmap})
	tb.Install(11, Entry{Name: "munmap", Argc: 2, Handler: sysMunmap})
	tb.Install(12, Entry{Name: "brk", Argc: 1, Handler: sysBrk})
	tb.Install(39, Entry{Name: "getpid", Argc: 0, Handler: sysGetpid})
	tb.Install(56, Entry{Name: "clone", Argc: 0, Handler: sysFork(registry)})
	tb.Install(57, Entry{Name: "fork", Argc: 0, Handler: sysFork(registry)})
	tb.Install(60, Entry{Name: "exit", Argc: 1, Handler: sysExit(registry)})
	tb.Install(62, Entry{Name: "kill", Argc: 2, Handler: sysKill(registry)})
	tb.Install(102, Entry{Name: "getuid", Argc: 0, Handler: sysGetuid})
	tb.Install(1000, Entry{Name: "raeen_game_mode", Argc: 2, Perm: "gamemode", Handler: sysGameMode(registry)})
	tb.Install(1001, Entry{Name: "raeen_set_priority", Argc: 2, Perm: "setpriority", Handler: sysSetPriority(registry)})
}

// ioHandle is the minimal byte-sink/byte-source the read/write handlers
// consume; a real boot sequence registers stdio and file descriptors
// satisfying this, keeping syscalls itself free of a filesystem or tty
// package (spec §1 Non-goals).
type ioHandle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// descriptors is consulted by read/write for fd lookups; populated by
// the boot sequence via RegisterDescriptor. Kept package-level because
// descriptors are a global numbering shared across every process in
// this single-address-space rendering of the kernel (spec §9: no
// per-process fd table contents are modeled beyond the registry's own
// DescriptorTable reference count).
var descriptors = map[int64]ioHandle{}

// RegisterDescriptor makes fd resolvable to h for read/write, used by
// boot to wire stdin/stdout before any process runs.
func RegisterDescriptor(fd int64, h ioHandle) { descriptors[fd] = h }

func sysRead(t *kernel.Thread, args [6]uint64) (int64, error) {
	fd := int64(args[0])
	bufAddr, length := args[1], args[2]
	h, ok := descriptors[fd]
	if !ok {
		return 0, kernelerr.New(kernelerr.Inval, "sys_read", "bad fd")
	}
	buf := make([]byte, length)
	n, _ := h.ReadAt(buf, 0)
	if err := t.Process.AS.CopyOut(bufAddr, buf[:n]); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func sysWrite(t *kernel.Thread, args [6]uint64) (int64, error) {
	fd := int64(args[0])
	bufAddr, length := args[1], args[2]
	h, ok := descriptors[fd]
	if !ok {
		return 0, kernelerr.New(kernelerr.Inval, "sys_write", "bad fd")
	}
	buf := make([]byte, length)
	if err := t.Process.AS.CopyIn(buf, bufAddr); err != nil {
		return 0, err
	}
	n, _ := h.WriteAt(buf, 0)
	return int64(n), nil
}

func sysMmap(t *kernel.Thread, args [6]uint64) (int64, error) {
	hint, length, prot, flags := args[0], args[1], args[2], args[3]

	var mProt mm.Prot
	if prot&unix.PROT_READ != 0 {
		mProt |= mm.ProtRead
	}
	if prot&unix.PROT_WRITE != 0 {
		mProt |= mm.ProtWrite
	}
	if prot&unix.PROT_EXEC != 0 {
		mProt |= mm.ProtExec
	}
	mProt |= mm.ProtUser

	var mFlags mm.MapFlags
	if flags&unix.MAP_SHARED != 0 {
		mFlags |= mm.MapShared
	} else {
		mFlags |= mm.MapPrivate
	}
	if flags&unix.MAP_ANONYMOUS != 0 {
		mFlags |= mm.MapAnonymous
	}

	var hintPtr *uint64
	if hint != 0 {
		hintPtr = &hint
	}
	addr, err := t.Process.AS.Map(hintPtr, length, mProt, mFlags, nil)
	if err != nil {
		return 0, err
	}
	return int64(addr), nil
}

func sysMunmap(t *kernel.Thread, args [6]uint64) (int64, error) {
	if err := t.Process.AS.Unmap(args[0], args[1]); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysBrk(t *kernel.Thread, args [6]uint64) (int64, error) {
	addr, err := t.Process.AS.Map(nil, pageSizeFor(args[0]), mm.ProtRead|mm.ProtWrite|mm.ProtUser, mm.MapPrivate|mm.MapAnonymous, nil)
	if err != nil {
		return 0, err
	}
	return int64(addr), nil
}

func pageSizeFor(requested uint64) uint64 {
	if requested == 0 {
		return 4096
	}
	return requested
}

func sysGetpid(t *kernel.Thread, args [6]uint64) (int64, error) {
	return int64(t.Process.PID), nil
}

func sysGetuid(t *kernel.Thread, args [6]uint64) (int64, error) {
	return int64(t.Process.Identity().UID), nil
}

func sysFork(registry *kernel.Registry) Handler {
	return func(t *kernel.Thread, args [6]uint64) (int64, error) {
		child, err := registry.Fork(t.Process)
		if err != nil {
			return 0, err
		}
		return int64(child.PID), nil
	}
}

func sysExit(registry *kernel.Registry) Handler {
	return func(t *kernel.Thread, args [6]uint64) (int64, error) {
		return 0, registry.Exit(t.Process, int(int64(args[0])))
	}
}

func sysKill(registry *kernel.Registry) Handler {
	return func(t *kernel.Thread, args [6]uint64) (int64, error) {
		target, ok := registry.Find(args[0])
		if !ok {
			return 0, kernelerr.New(kernelerr.NoSuchProc, "sys_kill", "no such process")
		}
		caller := t.Process.Identity()
		if !caller.IsRoot() && caller.UID != target.Identity().UID {
			return 0, kernelerr.New(kernelerr.Perm, "sys_kill", "not owner")
		}
		return 0, registry.Exit(target, 128+int(args[1]))
	}
}

func sysGameMode(registry *kernel.Registry) Handler {
	return func(t *kernel.Thread, args [6]uint64) (int64, error) {
		target, ok := registry.Find(args[0])
		if !ok {
			return 0, kernelerr.New(kernelerr.NoSuchProc, "sys_raeen_game_mode", "no such process")
		}
		registry.SetGameMode(target, args[1] != 0)
		return 0, nil
	}
}

func sysSetPriority(registry *kernel.Registry) Handler {
	return func(t *kernel.Thread, args [6]uint64) (int64, error) {
		target, ok := registry.Find(args[0])
		if !ok {
			return 0, kernelerr.New(kernelerr.NoSuchProc, "sys_raeen_set_priority", "no such process")
		}
		prio := sched.Band(args[1])
		if prio < sched.Critical || prio > sched.Idle {
			return 0, kernelerr.New(kernelerr.Inval, "sys_raeen_set_priority", "bad priority band")
		}
		registry.SetBasePriority(target, prio)
		return 0, nil
	}
}
