// Copyright 2026 The gVisor Authors.
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

package sandbox

import (
	"fmt"
	"io"

	"gvisor.dev/nptsandbox/pkg/cleanup"
	"gvisor.dev/nptsandbox/pkg/guest"
	"gvisor.dev/nptsandbox/pkg/hook"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/kimage"
	"gvisor.dev/nptsandbox/pkg/log"
)

// ModuleLookup finds loaded kernel modules.
type ModuleLookup interface {
	Module(name string) (guest.Module, bool)

	// ImageReader reads a loaded image at relative virtual addresses.
	ImageReader(mod guest.Module) io.ReaderAt
}

// TeardownConfig locates and hooks the guest's process address space
// cleanup routine.
type TeardownConfig struct {
	Modules ModuleLookup
	Patcher hook.Patcher
	Hooks   *hook.Table

	// Module, Section and Pattern locate the routine.
	Module  string
	Section string
	Pattern string

	// If InstructionLength is non-zero, the match is an instruction
	// whose rel32 operand at RelativeOffset names the routine.
	RelativeOffset    int
	InstructionLength int

	// Preserve is the number of routine bytes the hook preserves.
	Preserve int
}

// DefaultTeardownConfig returns the configuration for the guest kernel.
// Code patches are issued on c.
func DefaultTeardownConfig(k *guest.Kernel, c *hv.VCPU) TeardownConfig {
	return TeardownConfig{
		Modules:           k,
		Patcher:           k.Patcher(c),
		Hooks:             k.Hooks(),
		Module:            guest.KernelModule,
		Section:           guest.CleanupSection,
		Pattern:           guest.CleanupSignature,
		RelativeOffset:    1,
		InstructionLength: 5,
		Preserve:          guest.CleanupPreserve,
	}
}

// Teardown releases records when their address space is reclaimed.
type Teardown struct {
	s          *Sandbox
	hooks      *hook.Table
	trampoline *hook.Trampoline
}

// InstallTeardown hooks the guest's process cleanup routine so that every
// record owned by a terminating process is released before the routine
// reclaims its frames.
//
// If the routine cannot be found the error wraps kimage.ErrPatternNotFound
// or kimage.ErrSectionNotFound, and the caller decides whether to continue
// without teardown synchronization.
func (s *Sandbox) InstallTeardown(cfg TeardownConfig) (*Teardown, error) {
	target, err := locate(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTeardownInstall, err)
	}

	t := &Teardown{s: s, hooks: cfg.Hooks}
	handler := cfg.Hooks.Register(t.handle)
	cu := cleanup.Make(func() { cfg.Hooks.Unregister(handler) })
	defer cu.Clean()

	if t.trampoline, err = hook.Install(cfg.Patcher, target, handler, cfg.Preserve); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTeardownInstall, err)
	}
	cu.Release()
	log.Infof("Teardown synchronization installed at %v", target)
	return t, nil
}

// locate finds the cleanup routine.
func locate(cfg TeardownConfig) (hostarch.Addr, error) {
	mod, ok := cfg.Modules.Module(cfg.Module)
	if !ok {
		return 0, fmt.Errorf("module %q not loaded", cfg.Module)
	}
	p, err := kimage.ParsePattern(cfg.Pattern)
	if err != nil {
		return 0, err
	}
	r := cfg.Modules.ImageReader(mod)
	rva, err := kimage.Locate(r, cfg.Section, p)
	if err != nil {
		return 0, err
	}
	if cfg.InstructionLength > 0 {
		if rva, err = kimage.ResolveRelative(r, rva, cfg.RelativeOffset, cfg.InstructionLength); err != nil {
			return 0, err
		}
	}
	if rva >= mod.Size {
		return 0, fmt.Errorf("routine at rva %#x outside %s", rva, mod.Name)
	}
	return mod.Base + hostarch.Addr(rva), nil
}

// handle runs in place of the cleanup routine.
func (t *Teardown) handle(c *hv.VCPU, args []uint64, original hook.Routine) (uint64, error) {
	t.OnProcessCleanup(c)
	return original(c, args)
}

// Target returns the hooked routine.
func (t *Teardown) Target() hostarch.Addr {
	return t.trampoline.Target
}

// OnProcessCleanup releases every active record owned by the address space
// c is running, and returns how many were released.
func (t *Teardown) OnProcessCleanup(c *hv.VCPU) int {
	owner := c.Regs.CR3
	n := 0
	t.s.ForEach(func(r *Record) bool {
		if r.Owner() != owner {
			return false
		}
		if err := t.s.Release(r); err != nil {
			log.Warningf("Teardown of %#x: %v", owner, err)
			return false
		}
		n++
		return false
	})
	t.s.stats.teardowns.Add(1)
	if n > 0 {
		log.Debugf("vCPU %d: released %d records of %#x", c.ID, n, owner)
	}
	return n
}

// Remove unhooks the cleanup routine.
func (t *Teardown) Remove() error {
	if err := t.trampoline.Remove(); err != nil {
		return err
	}
	t.hooks.Unregister(t.trampoline.Handler)
	return nil
}
