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

// Package sched implements the single-CPU preemptive priority
// scheduler of spec §4.7: five ready bands, round-robin within a band,
// timer-tick preemption, wait queues, and sleep.
//
// This package only knows about schedulable Threads (ID, Band, saved
// Context, remaining slice); it has no notion of a Process, open files,
// or an address space — kernel.Thread wraps a sched.Thread with the
// rest of the Thread-and-Process Registry's bookkeeping, so sched never
// imports kernel (spec §2's dependency edges point the other way).
package sched

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/raeenos/corekernel/pkg/kernel/kernelerr"
)

// Band is one of the five priority bands of spec §4.7, ordered highest
// first by declaration.
type Band int

const (
	Critical Band = iota
	High
	Normal
	Low
	Idle
	numBands
)

func (b Band) String() string {
	switch b {
	case Critical:
		return "Critical"
	case High:
		return "High"
	case Normal:
		return "Normal"
	case Low:
		return "Low"
	case Idle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// TimeSlice returns the band's time slice per spec §4.7's table.
func (b Band) TimeSlice() time.Duration {
	switch b {
	case Critical:
		return 5 * time.Millisecond
	case High:
		return 10 * time.Millisecond
	case Normal:
		return 20 * time.Millisecond
	case Low:
		return 50 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// Raise returns the band one level higher, capped at High (spec §4.6's
// Game Mode boost never exceeds the highest non-critical band). High and
// Critical are returned unchanged.
func (b Band) Raise() Band {
	if b <= High {
		return b
	}
	return b - 1
}

// Context is the saved CPU context of spec §3's Thread: general
// registers, instruction pointer, flags, segment selectors, and
// extended FP/SIMD state. In this userspace rendering of the kernel it
// is plain data; Switch is the seam a real port would replace with
// arch-specific assembly (spec §9).
type Context struct {
	Regs    [16]uint64
	IP      uint64
	Flags   uint64
	CS, SS  uint16
	FPState []byte
}

// Switcher is the context-switch mechanism boundary of spec §9: callers
// are pure data-structure code, oblivious to how prev is saved and next
// is restored.
type Switcher func(prev, next *Context)

// DefaultSwitch is a data-only stand-in for the assembly routine a
// ring-0 port would install here.
func DefaultSwitch(prev, next *Context) {
	if prev != nil {
		_ = *prev
	}
	_ = next
}

// Thread is the scheduler's view of a kernel thread.
type Thread struct {
	ID        uint64
	Band      Band
	Remaining time.Duration
	Ctx       Context
	Affinity  uint64

	cancelled bool
	waitQueue *WaitQueue
	elem      *list.Element // current position in a ready/wait list, if any
}

// WaitQueue is the named FIFO of spec §3: a thread appears on at most
// one wait queue at a time.
type WaitQueue struct {
	Name string
	mu   sync.Mutex
	q    *list.List
}

// NewWaitQueue constructs an empty, named wait queue.
func NewWaitQueue(name string) *WaitQueue {
	return &WaitQueue{Name: name, q: list.New()}
}

func (wq *WaitQueue) len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.q.Len()
}

type sleepItem struct {
	deadline time.Time
	seq      uint64
	t        *Thread
}

func sleepLess(a, b sleepItem) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

// SliceFunc resolves a band's configured time slice, returning ok=false
// to defer to Band.TimeSlice's compiled-in default. New's variadic
// parameter takes one of these so a boot-time config can override the
// per-band slice without the sched package importing the config
// package back.
type SliceFunc func(Band) (time.Duration, bool)

// Scheduler is the single-CPU run-queue set of spec §4.7.
type Scheduler struct {
	mu       sync.Mutex
	bands    [numBands]*list.List
	current  *Thread
	idle     *Thread
	sleeping *btree.BTreeG[sleepItem]
	sleepSeq uint64

	switchSem *semaphore.Weighted
	switchFn  Switcher
	sliceFn   SliceFunc

	limiter *rate.Limiter

	contextSwitches uint64
}

// New constructs a Scheduler with an always-Ready idle thread. An
// optional SliceFunc overrides the compiled-in per-band time slices
// used for every live dispatch; omit it to use Band.TimeSlice as-is.
func New(idleID uint64, sliceFn ...SliceFunc) *Scheduler {
	s := &Scheduler{
		idle:      &Thread{ID: idleID, Band: Idle, Remaining: Idle.TimeSlice()},
		sleeping:  btree.NewG(32, sleepLess),
		switchSem: semaphore.NewWeighted(1),
		switchFn:  DefaultSwitch,
		limiter:   rate.NewLimiter(rate.Every(time.Millisecond), 1),
	}
	if len(sliceFn) > 0 {
		s.sliceFn = sliceFn[0]
	}
	for i := range s.bands {
		s.bands[i] = list.New()
	}
	s.idle.Remaining = s.SliceFor(Idle)
	return s
}

// SliceFor returns b's configured time slice if New was given a
// SliceFunc and it has an override for b, falling back to
// Band.TimeSlice otherwise. Every live dispatch path goes through this
// rather than calling Band.TimeSlice directly, so a boot-time
// scheduler config governs preemption.
func (s *Scheduler) SliceFor(b Band) time.Duration {
	if s.sliceFn != nil {
		if d, ok := s.sliceFn(b); ok {
			return d
		}
	}
	return b.TimeSlice()
}

// SetSwitcher overrides the context-switch mechanism, e.g. for tests
// that want to observe every switch.
func (s *Scheduler) SetSwitcher(fn Switcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switchFn = fn
}

// Limiter exposes the 1ms tick-rate limiter so the boot sequence's tick
// goroutine can pace itself against it (spec §4.7: "a timer interrupt
// fires every millisecond").
func (s *Scheduler) Limiter() *rate.Limiter { return s.limiter }

// Add places t onto the tail of its band's ready queue (spec §4.7's add()).
func (s *Scheduler) Add(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(t)
}

func (s *Scheduler) addLocked(t *Thread) {
	t.waitQueue = nil
	t.elem = s.bands[t.Band].PushBack(t)
}

// Remove takes t off whichever ready or wait list it currently sits on
// (spec §4.7's remove()).
func (s *Scheduler) Remove(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(t)
}

func (s *Scheduler) removeLocked(t *Thread) {
	if t.elem == nil {
		return
	}
	if t.waitQueue != nil {
		t.waitQueue.mu.Lock()
		t.waitQueue.q.Remove(t.elem)
		t.waitQueue.mu.Unlock()
	} else {
		s.bands[t.Band].Remove(t.elem)
	}
	t.elem = nil
	t.waitQueue = nil
}

// Reband changes t's Band and, if t currently sits on a ready queue,
// relocates it to the new band's list under the same lock acquisition.
// Mutating Band directly is unsafe: removeLocked/addLocked index
// s.bands by the thread's *current* Band field, so a caller that writes
// t.Band before removing it (or after re-adding it) leaves it either
// stuck on its old band's list (container/list.List.Remove silently
// no-ops when the element belongs to a different list) or never
// re-linked at all. Threads that are currently running or blocked on a
// wait queue aren't on any band list, so Reband just updates Band for
// them; they pick up the new band on their next dispatch or wake.
func (s *Scheduler) Reband(t *Thread, newBand Band) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Band == newBand {
		return
	}
	onReadyQueue := t.elem != nil && t.waitQueue == nil
	if onReadyQueue {
		s.bands[t.Band].Remove(t.elem)
		t.elem = nil
	}
	t.Band = newBand
	if onReadyQueue {
		t.elem = s.bands[t.Band].PushBack(t)
	}
}

// higherBandReadyLocked reports whether any band strictly above b has a
// waiting thread, per spec §4.7's preemption trigger.
func (s *Scheduler) higherBandReadyLocked(b Band) bool {
	for band := Critical; band < b; band++ {
		if s.bands[band].Len() > 0 {
			return true
		}
	}
	return false
}

func (s *Scheduler) pickNextLocked() *Thread {
	for band := Critical; band < numBands; band++ {
		l := s.bands[band]
		if l.Len() > 0 {
			e := l.Front()
			l.Remove(e)
			t := e.Value.(*Thread)
			t.elem = nil
			return t
		}
	}
	return s.idle
}

// PickNext returns the next thread to run without performing a switch,
// per spec §4.7's pick_next(). It does not remove the current thread.
func (s *Scheduler) PickNext() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pickNextLocked()
}

// Current returns the currently running thread, or nil before the
// first dispatch.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// contextSwitch performs the dispatch, masking concurrent switches via
// switchSem so it is atomic with respect to the timer tick (spec §4.7).
func (s *Scheduler) contextSwitch(requeuePrev bool) *Thread {
	ctx := context.Background()
	_ = s.switchSem.Acquire(ctx, 1)
	defer s.switchSem.Release(1)

	s.mu.Lock()
	prev := s.current
	if requeuePrev && prev != nil && prev != s.idle {
		s.addLocked(prev)
	}
	next := s.pickNextLocked()
	next.Remaining = s.SliceFor(next.Band)
	s.current = next
	s.contextSwitches++
	switchFn := s.switchFn
	var prevCtx *Context
	if prev != nil {
		prevCtx = &prev.Ctx
	}
	s.mu.Unlock()

	switchFn(prevCtx, &next.Ctx)
	return next
}

// Yield voluntarily gives up the CPU (spec §4.7's yield()).
func (s *Scheduler) Yield() *Thread {
	return s.contextSwitch(true)
}

// Tick is invoked every millisecond (spec §4.7). It wakes any sleeping
// threads whose deadline has passed, decrements the running thread's
// slice, and switches when the slice is exhausted or a higher band has
// become ready.
func (s *Scheduler) Tick() {
	now := time.Now()
	s.mu.Lock()
	for {
		item, ok := s.sleeping.Min()
		if !ok || item.deadline.After(now) {
			break
		}
		s.sleeping.DeleteMin()
		s.addLocked(item.t)
	}
	needSwitch := false
	if s.current != nil && s.current != s.idle {
		s.current.Remaining -= time.Millisecond
		needSwitch = s.current.Remaining <= 0 || s.higherBandReadyLocked(s.current.Band)
	} else {
		needSwitch = s.pickableLocked()
	}
	s.mu.Unlock()
	if needSwitch {
		s.contextSwitch(true)
	}
}

func (s *Scheduler) pickableLocked() bool {
	for band := Critical; band < numBands; band++ {
		if s.bands[band].Len() > 0 {
			return true
		}
	}
	return false
}

// BlockOn moves t off the ready queues and onto wq's tail (spec §4.7's
// block_on()). If t is the currently running thread, it also
// dispatches the next thread.
func (s *Scheduler) BlockOn(t *Thread, wq *WaitQueue) {
	s.mu.Lock()
	isCurrent := t == s.current
	t.elem = nil
	t.waitQueue = nil
	s.mu.Unlock()

	wq.mu.Lock()
	t.waitQueue = wq
	t.elem = wq.q.PushBack(t)
	wq.mu.Unlock()

	if isCurrent {
		s.contextSwitch(false)
	}
}

// Wake moves the head of wq back to the tail of its band's ready queue,
// preempting if the waker's band is lower (numerically greater) than
// the woken thread's band (spec §4.7's wake()).
func (s *Scheduler) Wake(wq *WaitQueue) *Thread {
	wq.mu.Lock()
	e := wq.q.Front()
	if e == nil {
		wq.mu.Unlock()
		return nil
	}
	wq.q.Remove(e)
	wq.mu.Unlock()

	t := e.Value.(*Thread)
	t.waitQueue = nil
	t.elem = nil
	s.Add(t)
	s.maybePreempt(t)
	return t
}

// WakeAll drains wq entirely, waking every thread in FIFO order.
func (s *Scheduler) WakeAll(wq *WaitQueue) []*Thread {
	var woken []*Thread
	for {
		t := s.Wake(wq)
		if t == nil {
			return woken
		}
		woken = append(woken, t)
	}
}

func (s *Scheduler) maybePreempt(woken *Thread) {
	s.mu.Lock()
	cur := s.current
	preempt := cur != nil && cur != s.idle && woken.Band < cur.Band
	s.mu.Unlock()
	if preempt {
		s.contextSwitch(true)
	}
}

// Sleep places t on the timer-sorted sleep queue until deadline (spec
// §4.7's sleep(ms)).
func (s *Scheduler) Sleep(t *Thread, d time.Duration) {
	s.mu.Lock()
	t.elem = nil
	t.waitQueue = nil
	isCurrent := t == s.current
	s.sleepSeq++
	s.sleeping.ReplaceOrInsert(sleepItem{deadline: time.Now().Add(d), seq: s.sleepSeq, t: t})
	s.mu.Unlock()

	if isCurrent {
		s.contextSwitch(false)
	}
}

// Cancel marks t cancelled and removes it from whichever queue it sits
// on (spec §4.7's Cancellation). Cancelling the current thread
// deschedules it; there is no return value carried, matching spec's
// "no cooperative cancellation protocol".
func (s *Scheduler) Cancel(t *Thread) {
	s.mu.Lock()
	t.cancelled = true
	isCurrent := t == s.current
	s.mu.Unlock()

	s.Remove(t)
	if isCurrent {
		s.contextSwitch(false)
	}
}

// Cancelled reports whether t has been marked cancelled.
func (t *Thread) Cancelled() bool { return t.cancelled }

// ContextSwitches returns the cumulative number of dispatches this
// scheduler has performed.
func (s *Scheduler) ContextSwitches() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextSwitches
}

// ErrNoVictim is a Busy sentinel for a wait queue that was expected to
// be non-empty. Nothing in this module currently returns it.
var ErrNoVictim = kernelerr.New(kernelerr.Busy, "sched", "wait queue empty")
