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

// Package config decodes the boot-time configuration that parameterizes
// every core: frame count, swap slots, heap size classes, scheduler
// time slices, and the DPS eviction policy. It is read once at boot and
// handed down immutably, matching the teacher's pattern of a typed
// config struct rather than package-level flags.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the decoded boot configuration.
type Config struct {
	Memory    MemoryConfig    `toml:"memory"`
	Heap      HeapConfig      `toml:"heap"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Eviction  EvictionConfig  `toml:"eviction"`
}

// MemoryConfig sizes the physical frame allocator and swap space.
type MemoryConfig struct {
	TotalFrames int `toml:"total_frames"`
	SwapSlots   int `toml:"swap_slots"`
}

// HeapConfig sizes the kernel heap's size classes.
type HeapConfig struct {
	SizeClasses []int `toml:"size_classes"`
}

// SchedulerConfig overrides the per-band time slices of spec §4.7. A
// zero duration for a band leaves that band's compiled-in default.
type SchedulerConfig struct {
	CriticalSliceMS int `toml:"critical_slice_ms"`
	HighSliceMS     int `toml:"high_slice_ms"`
	NormalSliceMS   int `toml:"normal_slice_ms"`
	LowSliceMS      int `toml:"low_slice_ms"`
	IdleSliceMS     int `toml:"idle_slice_ms"`
}

// SliceFor returns the configured slice for band index b (0=Critical .. 4=Idle),
// or ok=false if unset, leaving the caller to fall back to the compiled default.
func (s SchedulerConfig) SliceFor(band int) (time.Duration, bool) {
	ms := [...]int{s.CriticalSliceMS, s.HighSliceMS, s.NormalSliceMS, s.LowSliceMS, s.IdleSliceMS}
	if band < 0 || band >= len(ms) || ms[band] == 0 {
		return 0, false
	}
	return time.Duration(ms[band]) * time.Millisecond, true
}

// EvictionConfig names the DPS eviction policy: "lru", "fifo", or "clock".
type EvictionConfig struct {
	Policy string `toml:"policy"`
}

// Default returns the configuration a bare boot (no config file) uses.
func Default() Config {
	return Config{
		Memory:    MemoryConfig{TotalFrames: 4096, SwapSlots: 1024},
		Heap:      HeapConfig{SizeClasses: []int{32, 64, 128, 256, 512, 1024, 2048}},
		Eviction:  EvictionConfig{Policy: "lru"},
	}
}

// Load decodes the TOML file at path, applying Default() for any field
// the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
