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

// Package hv models the parts of an AMD-V style hypervisor that page
// isolation depends on: host physical memory, the guest physical region,
// two nested page table views over it, virtual CPUs and TLB shootdown.
//
// Guest physical memory is identity mapped: a guest physical address names
// the same byte of physical memory on the host. Memory above the guest
// region belongs to the hypervisor and backs nested tables and shadow pages.
package hv

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/nptsandbox/pkg/cleanup"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/log"
	"gvisor.dev/nptsandbox/pkg/pagetables"
	"gvisor.dev/nptsandbox/pkg/physmem"
)

// ErrNotBacked is returned for guest physical addresses outside the guest
// region.
var ErrNotBacked = errors.New("guest physical address not backed")

// View selects a nested page table root.
type View int

const (
	// Primary is the view used for normal guest execution. Every guest
	// page is executable except the isolated ones.
	Primary View = iota

	// Sandbox is the view holding shadow copies of isolated pages. Only
	// the shadows are executable.
	Sandbox

	numViews
)

// String implements fmt.Stringer.String.
func (v View) String() string {
	switch v {
	case Primary:
		return "primary"
	case Sandbox:
		return "sandbox"
	default:
		return fmt.Sprintf("View(%d)", int(v))
	}
}

// Config describes a machine.
type Config struct {
	// GuestMemory is the size of guest physical memory in bytes.
	GuestMemory uint64

	// HostMemory is the size of hypervisor owned memory in bytes. Nested
	// page tables and shadow pages are allocated from it.
	HostMemory uint64

	// VCPUs is the number of virtual CPUs.
	VCPUs int
}

// Defaults for Config.
const (
	DefaultGuestMemory = 64 << 20
	DefaultHostMemory  = 32 << 20
	DefaultVCPUs       = 4
)

// Machine is a virtual machine.
type Machine struct {
	mem *physmem.Memory

	// guestFrames is the guest physical region, excluding the zero page.
	guestFrames *physmem.Frames

	// hostFrames is the hypervisor region.
	hostFrames *physmem.Frames

	guestAlloc *pagetables.PhysicalAllocator

	views [numViews]*pagetables.PageTables

	// hostRoot is the root loaded on a logical CPU while it runs
	// hypervisor code. The hypervisor is launched from the running
	// system, so this is the guest's system address space.
	hostRoot atomic.Uint64

	// generation is bumped by InvalidateAll. A vCPU whose cached
	// generation differs flushes its TLB before the next translation.
	generation atomic.Uint64

	vCPUs []*VCPU
}

// New returns a new machine. Both nested views map the whole guest region
// with super pages where possible.
func New(c Config) (*Machine, error) {
	if c.GuestMemory == 0 {
		c.GuestMemory = DefaultGuestMemory
	}
	if c.HostMemory == 0 {
		c.HostMemory = DefaultHostMemory
	}
	if c.VCPUs <= 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.GuestMemory%hostarch.PageSize != 0 || c.HostMemory%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory sizes %#x/%#x are not page aligned", c.GuestMemory, c.HostMemory)
	}

	mem, err := physmem.New(c.GuestMemory + c.HostMemory)
	if err != nil {
		return nil, fmt.Errorf("allocating physical memory: %w", err)
	}
	cu := cleanup.Make(func() { mem.Destroy() })
	defer cu.Clean()

	m := &Machine{mem: mem}
	if m.guestFrames, err = physmem.NewFrames(mem, hostarch.PageSize, c.GuestMemory-hostarch.PageSize); err != nil {
		return nil, err
	}
	if m.hostFrames, err = physmem.NewFrames(mem, c.GuestMemory, c.HostMemory); err != nil {
		return nil, err
	}
	m.guestAlloc = pagetables.NewPhysicalAllocator(m.guestFrames)

	hostAlloc := pagetables.NewPhysicalAllocator(m.hostFrames)
	viewOpts := [numViews]pagetables.MapOpts{
		Primary: {AccessType: hostarch.AnyAccess, User: true},
		Sandbox: {AccessType: hostarch.ReadWrite, User: true},
	}
	for v := range m.views {
		pt, err := pagetables.New(hostAlloc)
		if err != nil {
			return nil, fmt.Errorf("creating %v view: %w", View(v), err)
		}
		if _, err := pt.Map(0, uintptr(c.GuestMemory), viewOpts[v], 0); err != nil {
			return nil, fmt.Errorf("mapping %v view: %w", View(v), err)
		}
		m.views[v] = pt
	}

	for id := 0; id < c.VCPUs; id++ {
		m.vCPUs = append(m.vCPUs, newVCPU(m, id))
	}
	cu.Release()

	log.Infof("Machine created: guest %#x bytes, host %#x bytes, %d vCPUs", c.GuestMemory, c.HostMemory, c.VCPUs)
	return m, nil
}

// Destroy releases all memory. The machine must not be used afterwards.
func (m *Machine) Destroy() error {
	return m.mem.Destroy()
}

// Memory returns host physical memory.
func (m *Machine) Memory() *physmem.Memory {
	return m.mem
}

// GuestFrames returns the allocator for guest physical frames.
func (m *Machine) GuestFrames() *physmem.Frames {
	return m.guestFrames
}

// GuestAllocator returns the table allocator used for guest page tables.
func (m *Machine) GuestAllocator() *pagetables.PhysicalAllocator {
	return m.guestAlloc
}

// HostFrames returns the allocator for hypervisor frames.
func (m *Machine) HostFrames() *physmem.Frames {
	return m.hostFrames
}

// GuestMemory returns the size of the guest region.
func (m *Machine) GuestMemory() uint64 {
	return m.hostFrames.Base()
}

// HostRoot returns the root loaded while running hypervisor code.
func (m *Machine) HostRoot() uint64 {
	return m.hostRoot.Load()
}

// SetHostRoot sets the root returned by HostRoot.
func (m *Machine) SetHostRoot(root uint64) {
	m.hostRoot.Store(root)
}

// VCPUs returns all vCPUs.
func (m *Machine) VCPUs() []*VCPU {
	return m.vCPUs
}

// VCPU returns the vCPU with the given ID.
func (m *Machine) VCPU(id int) *VCPU {
	return m.vCPUs[id]
}

// View returns the nested page tables for v.
func (m *Machine) View(v View) *pagetables.PageTables {
	return m.views[v]
}

// NestedEntry returns the 4K nested entry for gpa in view v. A super page
// covering gpa is split first.
func (m *Machine) NestedEntry(v View, gpa uint64) (*pagetables.PTE, error) {
	if gpa >= m.GuestMemory() {
		return nil, fmt.Errorf("%w: %#x", ErrNotBacked, gpa)
	}
	pte, err := m.views[v].Entry(hostarch.Addr(gpa))
	if err != nil {
		return nil, err
	}
	if !pte.Valid() {
		return nil, fmt.Errorf("%w: %#x has no %v entry", ErrNotBacked, gpa, v)
	}
	return pte, nil
}

// AllocateShadow returns a zeroed hypervisor frame.
func (m *Machine) AllocateShadow() (uint64, error) {
	return m.hostFrames.Allocate()
}

// FreeShadow returns a frame obtained from AllocateShadow.
func (m *Machine) FreeShadow(phys uint64) error {
	return m.hostFrames.Free(phys)
}

// InvalidateAll flushes nested translations on every vCPU.
//
// Each vCPU observes the flush before its next translation.
func (m *Machine) InvalidateAll() {
	m.generation.Add(1)
}
