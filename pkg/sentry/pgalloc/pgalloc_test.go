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

package pgalloc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gotest.tools/v3/assert"
)

func TestAllocFreeConservesFrameCount(t *testing.T) {
	mf := New(16, nil)
	assert.Equal(t, mf.FreeCount(), 16)

	var allocated []FrameNumber
	for i := 0; i < 10; i++ {
		fn, ok := mf.Alloc(Owner{ASID: 1, Virt: uint64(i) * PageSize})
		assert.Assert(t, ok)
		allocated = append(allocated, fn)
	}
	assert.Equal(t, mf.FreeCount(), 6)
	assert.Equal(t, mf.UsedCount(), 10)

	for _, fn := range allocated {
		mf.Free(fn)
	}
	assert.Equal(t, mf.FreeCount(), 16)
	assert.Equal(t, mf.UsedCount(), 0)
}

func TestAllocExhaustion(t *testing.T) {
	mf := New(2, nil)
	_, ok1 := mf.Alloc(Owner{})
	_, ok2 := mf.Alloc(Owner{})
	_, ok3 := mf.Alloc(Owner{})
	assert.Assert(t, ok1)
	assert.Assert(t, ok2)
	assert.Assert(t, !ok3)
}

func TestAllocRetryStopsWhenEvictReportsNoVictim(t *testing.T) {
	mf := New(1, nil)
	_, ok := mf.Alloc(Owner{})
	assert.Assert(t, ok)

	calls := 0
	_, ok = mf.AllocRetry(Owner{}, func() bool {
		calls++
		return false
	})
	assert.Assert(t, !ok)
	assert.Equal(t, calls, 1)
}

func TestAllocRetrySucceedsAfterEviction(t *testing.T) {
	mf := New(1, nil)
	victim, ok := mf.Alloc(Owner{})
	assert.Assert(t, ok)

	freed := false
	fn, ok := mf.AllocRetry(Owner{}, func() bool {
		if freed {
			return false
		}
		mf.Free(victim)
		freed = true
		return true
	})
	assert.Assert(t, ok)
	assert.Equal(t, fn, victim)
}

func TestCoWRefCounting(t *testing.T) {
	mf := New(4, nil)
	fn, ok := mf.Alloc(Owner{})
	assert.Assert(t, ok)

	mf.MarkCoW(fn) // first fork: refcount 1 -> 2
	mf.MarkCoW(fn) // second fork: refcount 2 -> 3
	assert.Equal(t, mf.Describe(fn).RefCount, int32(3))

	assert.Equal(t, mf.DropCoW(fn), int32(2))
	assert.Equal(t, mf.DropCoW(fn), int32(1))
	rc := mf.DropCoW(fn)
	assert.Equal(t, rc, int32(0))
	assert.Equal(t, mf.Describe(fn).State, Free)
}

func TestBytesIsolatedPerFrame(t *testing.T) {
	mf := New(2, nil)
	a, _ := mf.Alloc(Owner{})
	b, _ := mf.Alloc(Owner{})
	mf.Bytes(a)[0] = 0xAB
	mf.Bytes(b)[0] = 0xCD
	assert.Equal(t, mf.Bytes(a)[0], byte(0xAB))
	assert.Equal(t, mf.Bytes(b)[0], byte(0xCD))
}

func TestSnapshotMatchesExpectedFrameTable(t *testing.T) {
	mf := New(3, nil)
	a, _ := mf.Alloc(Owner{ASID: 1, Virt: 0x1000})
	b, _ := mf.Alloc(Owner{ASID: 1, Virt: 0x2000})
	mf.Free(a)

	want := []FrameDesc{
		{Number: 0, State: Free, RefCount: 0, Owner: Owner{}},
		{Number: 1, State: Used, RefCount: 1, Owner: Owner{ASID: 1, Virt: 0x2000}},
		{Number: 2, State: Free, RefCount: 0, Owner: Owner{}},
	}
	got := mf.Snapshot()

	// LastAccess is wall-clock and irrelevant to the frame-table shape
	// this test cares about.
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(FrameDesc{}, "LastAccess")); diff != "" {
		t.Fatalf("frame table mismatch (-want +got):\n%s", diff)
	}
	_ = b
}

func TestClearRefForClockPolicy(t *testing.T) {
	mf := New(1, nil)
	fn, _ := mf.Alloc(Owner{})
	mf.Touch(fn)
	assert.Equal(t, mf.Describe(fn).RefCount, int32(1))
	mf.ClearRef(fn)
	assert.Equal(t, mf.Describe(fn).RefCount, int32(0))
}
