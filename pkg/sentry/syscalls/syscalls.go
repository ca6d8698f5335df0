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

// Package syscalls implements the Syscall Dispatcher of spec §4.8: the
// only code in the kernel allowed to dereference a user pointer, and
// only via mm's CopyIn/CopyOut.
package syscalls

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raeenos/corekernel/pkg/kernel/kernelerr"
	"github.com/raeenos/corekernel/pkg/sentry/kernel"
)

// Handler implements one syscall's behavior. It is given the calling
// thread so it can reach the owning process's address space, registry
// entry, and security identity.
type Handler func(t *kernel.Thread, args [6]uint64) (int64, error)

// Entry is a syscall table row (spec §3's Syscall Table Entry).
type Entry struct {
	Name    string
	Argc    int
	Handler Handler
	// Perm, if non-empty, names a capability the caller's security
	// identity must carry; root (EUID 0) bypasses every check.
	Perm string
}

// stat is the per-call accounting of spec §4.8 step 5.
type stat struct {
	count     uint64
	min       time.Duration
	max       time.Duration
	totalTime time.Duration
}

// Table is the Syscall Dispatcher. It is immutable after Boot finishes
// installing entries; Dispatch only ever reads the entries map, so no
// lock guards it once booted. The statistics table is mutated on every
// call and is the top of the spec §5 lock order.
type Table struct {
	entries map[uint64]Entry

	statsMu sync.Mutex
	stats   map[uint64]*stat

	registry *kernel.Registry
	log      *logrus.Entry
}

// NewTable constructs a dispatcher bound to registry, with entries
// installed by the caller via Install before Boot completes.
func NewTable(registry *kernel.Registry, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{
		entries:  make(map[uint64]Entry),
		stats:    make(map[uint64]*stat),
		registry: registry,
		log:      log.WithField("component", "syscalls").(*logrus.Entry),
	}
}

// Install adds or replaces the entry for syscall number nr. Callers
// must finish installing every entry before any Dispatch call; Install
// is not safe to call concurrently with Dispatch.
func (tb *Table) Install(nr uint64, e Entry) {
	tb.entries[nr] = e
	tb.stats[nr] = &stat{}
}

// Dispatch implements the six-step sequence of spec §4.8.
func (tb *Table) Dispatch(t *kernel.Thread, nr uint64, args [6]uint64) int64 {
	entry, ok := tb.entries[nr]
	if !ok {
		return kernelerr.Errno(kernelerr.New(kernelerr.NoSuchCall, "syscalls.Dispatch", "unknown syscall"))
	}

	if entry.Perm != "" {
		sec := t.Process.Identity()
		if !sec.IsRoot() && !hasPerm(entry.Perm) {
			return kernelerr.Errno(kernelerr.New(kernelerr.Perm, "syscalls.Dispatch", entry.Name))
		}
	}

	start := time.Now()
	ret, err := entry.Handler(t, args)
	elapsed := time.Since(start)

	tb.record(nr, elapsed)
	t.IncSyscallCount()

	if err != nil {
		tb.log.WithField("syscall", entry.Name).WithError(err).Debug("syscall returned error")
		return kernelerr.Errno(err)
	}
	return ret
}

func (tb *Table) record(nr uint64, d time.Duration) {
	tb.statsMu.Lock()
	defer tb.statsMu.Unlock()
	s := tb.stats[nr]
	if s == nil {
		s = &stat{}
		tb.stats[nr] = s
	}
	if s.count == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	s.totalTime += d
	s.count++
}

// Stat is a snapshot of one syscall's accounting, returned by Stats.
type Stat struct {
	Name  string
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Stats returns a snapshot of every installed syscall's accounting.
func (tb *Table) Stats() []Stat {
	tb.statsMu.Lock()
	defer tb.statsMu.Unlock()
	out := make([]Stat, 0, len(tb.stats))
	for nr, s := range tb.stats {
		avg := time.Duration(0)
		if s.count > 0 {
			avg = s.totalTime / time.Duration(s.count)
		}
		out = append(out, Stat{Name: tb.entries[nr].Name, Count: s.count, Min: s.min, Max: s.max, Avg: avg})
	}
	return out
}

// hasPerm is the capability check behind entry.Perm: Game Mode and
// priority changes are root-only (spec's "root bypasses all"); every
// other named permission is granted to any authenticated identity.
func hasPerm(perm string) bool {
	switch perm {
	case "gamemode", "setpriority":
		return false
	default:
		return true
	}
}
