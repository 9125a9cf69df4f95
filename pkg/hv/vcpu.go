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

package hv

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/log"
	"gvisor.dev/nptsandbox/pkg/pagetables"
)

// ErrGuestFault is returned when the guest's own page tables do not permit
// an access. The guest kernel would handle it as a page fault.
var ErrGuestFault = errors.New("guest page fault")

// NestedFault describes a nested page fault: the guest's page tables
// permitted the access but the current nested view did not.
type NestedFault struct {
	// GPA is the faulting guest physical address.
	GPA uint64

	// Access is the attempted access.
	Access hostarch.AccessType

	// View is the view that was active.
	View View
}

// Error implements error.Error.
func (f *NestedFault) Error() string {
	return fmt.Sprintf("nested page fault: %s at %#x in %v view", f.Access, f.GPA, f.View)
}

// tlbEntry is a cached nested translation for one page.
type tlbEntry struct {
	hpa  uint64
	opts pagetables.MapOpts
}

// VCPU is a virtual CPU.
//
// A VCPU is driven by a single goroutine at a time, just like a logical CPU
// runs one VM exit at a time. Regs may be modified freely by that goroutine.
type VCPU struct {
	// ID is the vCPU index.
	ID int

	// Regs is the guest register state.
	Regs Registers

	machine *Machine

	// logger tags statements with the vCPU index.
	logger log.Logger

	// switched is set while a root switch is in effect.
	switched bool

	// activeRoot is the root loaded while switched.
	activeRoot uint64

	// view is the nested view in use.
	view atomic.Int32

	// tlb caches nested translations by guest physical page.
	tlb map[uint64]tlbEntry

	// tlbGeneration is the machine generation the tlb was filled at.
	tlbGeneration uint64
}

func newVCPU(m *Machine, id int) *VCPU {
	return &VCPU{
		ID:      id,
		machine: m,
		logger:  log.Prefixed(log.Log(), "vCPU %d", id),
		tlb:     make(map[uint64]tlbEntry),
	}
}

// Machine returns the machine c belongs to.
func (c *VCPU) Machine() *Machine {
	return c.machine
}

// ActiveRoot returns the root currently loaded on the logical CPU running
// c: the machine's host root, unless SwitchRoot is in effect.
func (c *VCPU) ActiveRoot() uint64 {
	if c.switched {
		return c.activeRoot
	}
	return c.machine.HostRoot()
}

// SwitchRoot loads root on the logical CPU running c, and returns a function
// that restores the previous root.
//
// The switch is not reentrant: calling SwitchRoot again before the restore
// function has run panics. The calling goroutine stays on its OS thread for
// the duration.
func (c *VCPU) SwitchRoot(root uint64) (restore func()) {
	if c.switched {
		panic(fmt.Sprintf("nested root switch on vCPU %d (active %#x, new %#x)", c.ID, c.activeRoot, root))
	}
	runtime.LockOSThread()
	c.switched = true
	c.activeRoot = root
	return func() {
		c.switched = false
		c.activeRoot = 0
		runtime.UnlockOSThread()
	}
}

// View returns the nested view in use.
func (c *VCPU) View() View {
	return View(c.view.Load())
}

// SetView switches nested views. Cached translations are dropped.
func (c *VCPU) SetView(v View) {
	if c.View() == v {
		return
	}
	c.view.Store(int32(v))
	clear(c.tlb)
}

// FlushTLB drops cached nested translations.
func (c *VCPU) FlushTLB() {
	clear(c.tlb)
	c.tlbGeneration = c.machine.generation.Load()
}

// guestTranslate walks the guest tables rooted at Regs.CR3.
func (c *VCPU) guestTranslate(addr hostarch.Addr, at hostarch.AccessType) (uint64, error) {
	pt, err := pagetables.Open(c.machine.guestAlloc, c.Regs.CR3)
	if err != nil {
		return 0, fmt.Errorf("%w: bad root %#x: %w", ErrGuestFault, c.Regs.CR3, err)
	}
	gpa, opts, ok := pt.Lookup(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %v not present", ErrGuestFault, addr)
	}
	if !opts.AccessType.SupersetOf(at) {
		return 0, fmt.Errorf("%w: %s access to %v (%s)", ErrGuestFault, at, addr, opts.AccessType)
	}
	return gpa, nil
}

// nestedTranslate translates gpa through the current view, using and
// filling the TLB.
func (c *VCPU) nestedTranslate(gpa uint64, at hostarch.AccessType) (uint64, error) {
	if gen := c.machine.generation.Load(); gen != c.tlbGeneration {
		clear(c.tlb)
		c.tlbGeneration = gen
	}
	page := hostarch.PageRoundDown(gpa)
	e, ok := c.tlb[page]
	if !ok {
		v := c.View()
		hpa, opts, found := c.machine.views[v].Lookup(hostarch.Addr(page))
		if !found {
			return 0, &NestedFault{GPA: gpa, Access: at, View: v}
		}
		e = tlbEntry{hpa: hpa, opts: opts}
		c.tlb[page] = e
	}
	if !e.opts.AccessType.SupersetOf(at) {
		return 0, &NestedFault{GPA: gpa, Access: at, View: c.View()}
	}
	return e.hpa + (gpa - page), nil
}

// Access performs a guest access to addr through both translation levels
// and returns the host physical address reached.
//
// A *NestedFault is returned if the nested view denies the access.
func (c *VCPU) Access(addr hostarch.Addr, at hostarch.AccessType) (uint64, error) {
	gpa, err := c.guestTranslate(addr, at)
	if err != nil {
		return 0, err
	}
	return c.nestedTranslate(gpa, at)
}

// Fetch sets RIP to addr and performs an instruction fetch.
func (c *VCPU) Fetch(addr hostarch.Addr) (uint64, error) {
	c.Regs.RIP = uint64(addr)
	return c.Access(addr, hostarch.Execute)
}
