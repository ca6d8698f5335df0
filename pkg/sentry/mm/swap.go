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
	"sync"

	"github.com/raeenos/corekernel/pkg/kernel/kernelerr"
	"github.com/raeenos/corekernel/pkg/sentry/pgalloc"
)

// SwapSpace is a fixed-size region backing swapped-out pages, addressed
// by a bitmap-first-fit slot allocator per spec §4.4.
type SwapSpace struct {
	mu    sync.Mutex
	slots [][]byte
	used  []bool
}

// NewSwapSpace allocates a swap region with the given number of
// PageSize-sized slots.
func NewSwapSpace(slotCount int) *SwapSpace {
	s := &SwapSpace{
		slots: make([][]byte, slotCount),
		used:  make([]bool, slotCount),
	}
	for i := range s.slots {
		s.slots[i] = make([]byte, pgalloc.PageSize)
	}
	return s
}

// WriteOut copies data into a freshly allocated slot (bitmap first-fit:
// the lowest-numbered free slot) and returns its number.
func (s *SwapSpace) WriteOut(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slot := 0; slot < len(s.used); slot++ {
		if !s.used[slot] {
			s.used[slot] = true
			copy(s.slots[slot], data)
			return uint64(slot), nil
		}
	}
	return 0, kernelerr.New(kernelerr.NoMemory, "mm.SwapSpace.WriteOut", "swap exhausted")
}

// ReadIn copies slot's contents into dst (which must be PageSize long)
// and returns an error if the slot was never written or already freed.
func (s *SwapSpace) ReadIn(slot uint64, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot >= uint64(len(s.used)) || !s.used[slot] {
		return kernelerr.New(kernelerr.Inval, "mm.SwapSpace.ReadIn", "slot not in use")
	}
	copy(dst, s.slots[slot])
	return nil
}

// Free releases slot back to the bitmap.
func (s *SwapSpace) Free(slot uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < uint64(len(s.used)) {
		s.used[slot] = false
	}
}

// UsedCount reports how many slots are currently occupied, used by
// TestSwapRoundTrip to check that pages were actually swapped out.
func (s *SwapSpace) UsedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.used {
		if u {
			n++
		}
	}
	return n
}

// Cap reports the total slot count.
func (s *SwapSpace) Cap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}
