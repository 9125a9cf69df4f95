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

// Package pagetables provides a generic implementation of x86-64 long mode
// page tables, stored in (simulated) physical memory.
//
// The same structures serve guest page tables (rooted at a guest CR3) and
// the hypervisor's nested page tables (rooted at an nCR3). Entries are handed
// out as *PTE handles that point straight into the backing frame, so
// attribute changes made through a handle are what the hardware walker sees.
package pagetables

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/nptsandbox/pkg/hostarch"
)

var (
	// ErrNotMapped is returned when no valid translation exists.
	ErrNotMapped = errors.New("address not mapped")

	// ErrCorrupt is returned when a table entry points outside memory.
	ErrCorrupt = errors.New("corrupt page table entry")
)

// PageTables is a page table set.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// mu serializes structural changes: table allocation, super page
	// splitting and table reclamation. Leaf attribute updates through a
	// *PTE handle are atomic and do not take mu.
	mu sync.Mutex

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uint64
}

// New returns new PageTables with a fresh root.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating page table root: %w", err)
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// Open returns PageTables for an existing root, e.g. a guest CR3.
func Open(a Allocator, rootPhysical uint64) (*PageTables, error) {
	root := a.LookupPTEs(hostarch.PageRoundDown(rootPhysical))
	if root == nil {
		return nil, fmt.Errorf("%w: root %#x", ErrCorrupt, rootPhysical)
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: hostarch.PageRoundDown(rootPhysical),
	}, nil
}

// Root returns the physical address of the root, suitable for CR3 or nCR3.
func (p *PageTables) Root() uint64 {
	return p.rootPhysical
}

// ShareUpper copies the upper half (kernel) root entries of other into p.
// Both sets then share the same kernel tables.
func (p *PageTables) ShareUpper(other *PageTables) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := entriesPerPage / 2; i < entriesPerPage; i++ {
		p.root[i].Restore(other.root[i].Raw())
	}
}

// PrepareUpper allocates a table for every upper half root entry, so that
// later kernel mappings are visible to every set that called ShareUpper.
func (p *PageTables) PrepareUpper() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := entriesPerPage / 2; i < entriesPerPage; i++ {
		if p.root[i].Valid() {
			continue
		}
		next, err := p.Allocator.NewPTEs()
		if err != nil {
			return err
		}
		p.root[i].setPageTable(p.Allocator.PhysicalFor(next))
	}
	return nil
}

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page-aligned, their sum must not
// overflow.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uint64) (bool, error) {
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := false
	w := walker{
		alloc: true,
		split: true,
		visit: func(s uintptr, pte *PTE, align uintptr) {
			target := physical + uint64(s-uintptr(addr))
			if pte.Valid() {
				prev = true
			}
			if target&uint64(align) != 0 {
				// We will install entries at a smaller granularity if
				// we don't install a valid entry here, however we must
				// zap any existing entry to ensure this happens.
				pte.Clear()
				return
			}
			pte.Set(target, opts)
		},
	}
	err := p.iterateRange(uintptr(addr), uintptr(addr)+length, &w)
	return prev, err
}

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	w := walker{
		split: true,
		visit: func(s uintptr, pte *PTE, align uintptr) {
			pte.Clear()
			count++
		},
	}
	err := p.iterateRange(uintptr(addr), uintptr(addr)+length, &w)
	return count > 0, err
}

// Lookup returns the physical address and options for the given virtual
// address. The page offset of addr is carried over to physical.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uint64, opts MapOpts, ok bool) {
	pte, base, ok := p.LookupEntry(addr)
	if !ok {
		return 0, MapOpts{}, false
	}
	return pte.Address() + uint64(addr-base), pte.Opts(), true
}

// LookupEntry returns the leaf entry translating addr together with the
// first virtual address that entry covers. The leaf may be a super page.
// Nothing is allocated or split.
func (p *PageTables) LookupEntry(addr hostarch.Addr) (pte *PTE, base hostarch.Addr, ok bool) {
	if !addr.IsCanonical() {
		return nil, 0, false
	}
	page := uintptr(addr.RoundDown())
	p.mu.Lock()
	defer p.mu.Unlock()
	w := walker{
		visit: func(s uintptr, entry *PTE, align uintptr) {
			if !entry.Valid() {
				return
			}
			pte, base, ok = entry, hostarch.Addr(s), true
		},
	}
	if err := p.iterateRange(page, page+pteSize, &w); err != nil {
		return nil, 0, false
	}
	return pte, base, ok
}

// Entry returns the 4K leaf entry for addr, allocating intermediate tables
// and splitting super pages as needed. The returned entry may be invalid.
//
// The handle remains valid until the range is unmapped or the page tables
// are released.
func (p *PageTables) Entry(addr hostarch.Addr) (*PTE, error) {
	if !addr.IsCanonical() {
		return nil, fmt.Errorf("%w: non-canonical address %v", ErrNotMapped, addr)
	}
	page := uintptr(addr.RoundDown())
	p.mu.Lock()
	defer p.mu.Unlock()
	var pte *PTE
	w := walker{
		alloc: true,
		split: true,
		visit: func(s uintptr, entry *PTE, align uintptr) {
			pte = entry
		},
	}
	if err := p.iterateRange(page, page+pteSize, &w); err != nil {
		return nil, err
	}
	if pte == nil {
		return nil, fmt.Errorf("%w: no leaf entry for %v", ErrCorrupt, addr)
	}
	return pte, nil
}

// Release unmaps the lower half and frees the root. The upper half is left
// alone, since it may be shared through ShareUpper.
func (p *PageTables) Release() error {
	if _, err := p.Unmap(0, lowerTop); err != nil {
		return err
	}
	p.Allocator.FreePTEs(p.root)
	p.root = nil
	return nil
}
