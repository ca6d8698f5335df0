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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/raeenos/corekernel/pkg/boot"
	"github.com/raeenos/corekernel/pkg/boot/config"
	"github.com/raeenos/corekernel/pkg/sentry/kernel/sched"
)

// bootKernel is the common setup shared by every subcommand: a small,
// single-region memory map and the default or file-specified config.
func bootKernel(ctx context.Context, configPath string) (*boot.Kernel, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("raeenctl: loading config: %w", err)
		}
	}
	mmap := []boot.MemoryMapEntry{
		{Base: 0, Length: uint64(cfg.Memory.TotalFrames+256) * 4096, Type: boot.Available},
	}
	return boot.Boot(ctx, mmap, cfg, logrus.StandardLogger())
}

type bootCmd struct {
	config string
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot a kernel instance and report readiness" }
func (*bootCmd) Usage() string    { return "boot [-config path]:\n\tboot a kernel instance.\n" }

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
}

func (c *bootCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	k, err := bootKernel(ctx, c.config)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("booted: %d frames free, %d swap slots\n", k.PFA.FreeCount(), k.Swap.Cap())
	return subcommands.ExitSuccess
}

type spawnCmd struct {
	config string
	name   string
	prio   int
}

func (*spawnCmd) Name() string     { return "spawn" }
func (*spawnCmd) Synopsis() string { return "boot and create one process" }
func (*spawnCmd) Usage() string    { return "spawn [-name x] [-prio n]:\n\tcreate a process.\n" }

func (c *spawnCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
	f.StringVar(&c.name, "name", "init", "process name")
	f.IntVar(&c.prio, "prio", int(sched.Normal), "base priority band (0=Critical..4=Idle)")
}

func (c *spawnCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	k, err := bootKernel(ctx, c.config)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	p, err := k.Registry.ProcessCreate(c.name, sched.Band(c.prio), 1000, 1000)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("spawned pid=%d band=%s\n", p.PID, p.BasePriority)
	return subcommands.ExitSuccess
}

type forkCmd struct {
	config string
}

func (*forkCmd) Name() string     { return "fork" }
func (*forkCmd) Synopsis() string { return "boot, spawn a process, and fork it" }
func (*forkCmd) Usage() string    { return "fork:\n\tspawn then fork a process.\n" }

func (c *forkCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
}

func (c *forkCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	k, err := bootKernel(ctx, c.config)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	parent, err := k.Registry.ProcessCreate("parent", sched.Normal, 1000, 1000)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	if _, err := k.Registry.ThreadCreate(parent, 0, 0, 16*1024); err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	child, err := k.Registry.Fork(parent)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("parent pid=%d forked child pid=%d\n", parent.PID, child.PID)
	return subcommands.ExitSuccess
}

type gameModeCmd struct {
	config string
	pid    uint64
	enable bool
}

func (*gameModeCmd) Name() string     { return "gamemode" }
func (*gameModeCmd) Synopsis() string { return "toggle Game Mode for a spawned process" }
func (*gameModeCmd) Usage() string {
	return "gamemode [-enable]:\n\tspawn a demo process and toggle Game Mode on it.\n"
}

func (c *gameModeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
	f.Uint64Var(&c.pid, "pid", 0, "unused: the command always targets a freshly spawned demo process")
	f.BoolVar(&c.enable, "enable", true, "enable or disable Game Mode")
}

func (c *gameModeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	k, err := bootKernel(ctx, c.config)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	p, err := k.Registry.ProcessCreate("demo", sched.Normal, 1000, 1000)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	k.Registry.SetGameMode(p, c.enable)
	fmt.Printf("pid=%d game_mode=%v band=%s\n", p.PID, c.enable, p.BasePriority)
	return subcommands.ExitSuccess
}

type statCmd struct {
	config string
}

func (*statCmd) Name() string     { return "stat" }
func (*statCmd) Synopsis() string { return "boot and print syscall dispatch statistics" }
func (*statCmd) Usage() string    { return "stat:\n\tprint syscall statistics.\n" }

func (c *statCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to a TOML boot configuration")
}

func (c *statCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	k, err := bootKernel(ctx, c.config)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}
	for _, s := range k.Syscalls.Stats() {
		fmt.Printf("%-20s count=%d min=%s max=%s avg=%s\n", s.Name, s.Count, s.Min, s.Max, s.Avg)
	}
	return subcommands.ExitSuccess
}
