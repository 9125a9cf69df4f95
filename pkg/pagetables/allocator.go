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

//go:build amd64
// +build amd64

package pagetables

import (
	"gvisor.dev/nptsandbox/pkg/log"
	"gvisor.dev/nptsandbox/pkg/physmem"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new zeroed set of PTEs.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uint64

	// LookupPTEs looks up PTEs by physical address. It returns nil if the
	// address does not name a table in this allocator's memory.
	LookupPTEs(physical uint64) *PTEs

	// FreePTEs marks a set of PTEs as freed.
	FreePTEs(ptes *PTEs)
}

// PhysicalAllocator allocates tables from a frame window and resolves table
// pointers anywhere in the frame window's memory. Tables it did not allocate
// (a guest's own tables, for instance) can be walked but are never freed.
type PhysicalAllocator struct {
	frames *physmem.Frames
}

// NewPhysicalAllocator returns an allocator backed by frames.
func NewPhysicalAllocator(frames *physmem.Frames) *PhysicalAllocator {
	return &PhysicalAllocator{frames: frames}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *PhysicalAllocator) NewPTEs() (*PTEs, error) {
	phys, err := a.frames.Allocate()
	if err != nil {
		return nil, err
	}
	return a.tableAt(phys), nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *PhysicalAllocator) PhysicalFor(ptes *PTEs) uint64 {
	phys, ok := a.physicalOf(ptes)
	if !ok {
		panic("page tables outside of physical memory")
	}
	return phys
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *PhysicalAllocator) LookupPTEs(physical uint64) *PTEs {
	if physical >= a.frames.Memory().Size() {
		return nil
	}
	return a.tableAt(physical &^ (pteSize - 1))
}

// FreePTEs implements Allocator.FreePTEs.
func (a *PhysicalAllocator) FreePTEs(ptes *PTEs) {
	phys, ok := a.physicalOf(ptes)
	if !ok || !a.frames.Contains(phys) {
		return
	}
	if err := a.frames.Free(phys); err != nil {
		log.Warningf("Freeing page table at %#x: %v", phys, err)
	}
}
