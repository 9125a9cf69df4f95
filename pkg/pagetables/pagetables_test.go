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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/physmem"
)

const lowerTopAligned uintptr = 0x00007f0000000000

type mapping struct {
	start    uintptr
	length   uintptr
	physical uint64
	opts     MapOpts
}

func newTestTables(t *testing.T, frames uint64) (*PageTables, *physmem.Frames) {
	t.Helper()
	mem, err := physmem.New(frames * hostarch.PageSize)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { mem.Destroy() })
	f, err := physmem.NewFrames(mem, 0, mem.Size())
	if err != nil {
		t.Fatalf("NewFrames failed: %v", err)
	}
	pt, err := New(NewPhysicalAllocator(f))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return pt, f
}

func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	var got []mapping
	w := walker{
		visit: func(s uintptr, pte *PTE, align uintptr) {
			if !pte.Valid() {
				return
			}
			got = append(got, mapping{
				start:    s,
				length:   align + 1,
				physical: pte.Address(),
				opts:     pte.Opts(),
			})
		},
	}
	pt.mu.Lock()
	err := pt.iterateRange(0, ^uintptr(0)&^(pteSize-1), &w)
	pt.mu.Unlock()
	if err != nil {
		t.Fatalf("iterateRange failed: %v", err)
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(mapping{})); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestAllFunctionsMap(t *testing.T) {
	pt, _ := newTestTables(t, 64)
	rw := MapOpts{AccessType: hostarch.ReadWrite}
	if prev, err := pt.Map(0x400000, pteSize, rw, pteSize*42); err != nil || prev {
		t.Fatalf("Map = %v, %v, want false, nil", prev, err)
	}
	if prev, err := pt.Map(0x400000, pteSize, rw, pteSize*43); err != nil || !prev {
		t.Fatalf("remap = %v, %v, want true, nil", prev, err)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 43, rw},
	})
}

func Test2MAnd4K(t *testing.T) {
	pt, _ := newTestTables(t, 64)

	// Map a small page and a huge page.
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	pt.Map(hostarch.Addr(lowerTopAligned), pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
		{lowerTopAligned, pmdSize, pmdSize * 47, MapOpts{AccessType: hostarch.Read}},
	})
}

func Test1GAnd4K(t *testing.T) {
	pt, _ := newTestTables(t, 64)

	// Map a small page and a super page.
	pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	pt.Map(hostarch.Addr(lowerTopAligned), pudSize, MapOpts{AccessType: hostarch.Read}, pudSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
		{lowerTopAligned, pudSize, pudSize * 47, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestSplit1GPage(t *testing.T) {
	pt, _ := newTestTables(t, 64)

	// Map a super page and knock out the middle.
	pt.Map(hostarch.Addr(lowerTopAligned), pudSize, MapOpts{AccessType: hostarch.Read}, pudSize*42)
	pt.Unmap(hostarch.Addr(lowerTopAligned+pteSize), pudSize-(2*pteSize))

	checkMappings(t, pt, []mapping{
		{lowerTopAligned, pteSize, pudSize * 42, MapOpts{AccessType: hostarch.Read}},
		{lowerTopAligned + pudSize - pteSize, pteSize, pudSize*42 + pudSize - pteSize, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestSplit2MPage(t *testing.T) {
	pt, _ := newTestTables(t, 64)

	// Map a huge page and knock out the middle.
	pt.Map(hostarch.Addr(lowerTopAligned), pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize*42)
	pt.Unmap(hostarch.Addr(lowerTopAligned+pteSize), pmdSize-(2*pteSize))

	checkMappings(t, pt, []mapping{
		{lowerTopAligned, pteSize, pmdSize * 42, MapOpts{AccessType: hostarch.Read}},
		{lowerTopAligned + pmdSize - pteSize, pteSize, pmdSize*42 + pmdSize - pteSize, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestEntrySplitsSuperPage(t *testing.T) {
	pt, _ := newTestTables(t, 64)
	rwx := MapOpts{AccessType: hostarch.AnyAccess}
	pt.Map(0, pmdSize, rwx, pmdSize*3)

	addr := hostarch.Addr(5 * pteSize)
	pte, err := pt.Entry(addr)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if pte.IsSuper() {
		t.Errorf("Entry returned a super page: %v", pte)
	}
	if got, want := pte.Address(), uint64(pmdSize*3+5*pteSize); got != want {
		t.Errorf("Entry address = %#x, want %#x", got, want)
	}

	// Changing the handle changes the translation, and nothing else.
	pte.SetNoExecute(true)
	if _, opts, ok := pt.Lookup(addr); !ok || opts.AccessType.Execute {
		t.Errorf("Lookup after SetNoExecute = %+v, %v, want no execute", opts, ok)
	}
	if _, opts, ok := pt.Lookup(addr + pteSize); !ok || !opts.AccessType.Execute {
		t.Errorf("neighbouring page lost execute: %+v, %v", opts, ok)
	}
}

func TestLookupEntryDoesNotSplit(t *testing.T) {
	pt, _ := newTestTables(t, 64)
	pt.Map(0, pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize)

	pte, base, ok := pt.LookupEntry(0x1234)
	if !ok {
		t.Fatalf("LookupEntry found nothing")
	}
	if !pte.IsSuper() || base != 0 {
		t.Errorf("LookupEntry = %v at %v, want super page at 0", pte, base)
	}
	phys, _, ok := pt.Lookup(0x1234)
	if !ok || phys != pmdSize+0x1234 {
		t.Errorf("Lookup = %#x, %v, want %#x", phys, ok, pmdSize+0x1234)
	}
	if _, _, ok := pt.LookupEntry(hostarch.Addr(pmdSize)); ok {
		t.Errorf("LookupEntry beyond mapping succeeded")
	}
}

func TestUnmapReclaimsTables(t *testing.T) {
	pt, frames := newTestTables(t, 64)
	before := frames.InUse()
	pt.Map(0x400000, 4*pteSize, MapOpts{AccessType: hostarch.ReadWrite}, 0x10000)
	if frames.InUse() <= before {
		t.Fatalf("Map allocated no tables")
	}
	if err := pt.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := frames.InUse(); got != 0 {
		t.Errorf("frames in use after Release = %d, want 0", got)
	}
}

func TestShareUpperAndOpen(t *testing.T) {
	pt, frames := newTestTables(t, 64)
	kernel := hostarch.Addr(0xfffff80000000000)
	pt.Map(kernel, pteSize, MapOpts{AccessType: hostarch.ReadExecute, Global: true}, 0x7000)

	other, err := New(pt.Allocator)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	other.ShareUpper(pt)
	if phys, _, ok := other.Lookup(kernel); !ok || phys != 0x7000 {
		t.Errorf("shared upper Lookup = %#x, %v, want 0x7000", phys, ok)
	}

	opened, err := Open(NewPhysicalAllocator(frames), other.Root())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if phys, _, ok := opened.Lookup(kernel); !ok || phys != 0x7000 {
		t.Errorf("opened Lookup = %#x, %v, want 0x7000", phys, ok)
	}
}

func TestOutOfFrames(t *testing.T) {
	// One frame for the root only.
	pt, _ := newTestTables(t, 1)
	_, err := pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, 0)
	if !errors.Is(err, physmem.ErrOutOfMemory) {
		t.Errorf("Map error = %v, want %v", err, physmem.ErrOutOfMemory)
	}
}

func TestNonCanonical(t *testing.T) {
	pt, _ := newTestTables(t, 4)
	if _, err := pt.Entry(0x0000900000000000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Entry(non-canonical) error = %v, want %v", err, ErrNotMapped)
	}
	if _, _, ok := pt.LookupEntry(0x0000900000000000); ok {
		t.Errorf("LookupEntry(non-canonical) succeeded")
	}
}

func TestPrepareUpper(t *testing.T) {
	pt, frames := newTestTables(t, 300)
	if err := pt.PrepareUpper(); err != nil {
		t.Fatalf("PrepareUpper failed: %v", err)
	}
	if got, want := frames.InUse(), 1+entriesPerPage/2; got != want {
		t.Errorf("frames in use = %d, want %d", got, want)
	}
	other, err := New(pt.Allocator)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	other.ShareUpper(pt)

	// A mapping made after sharing is still visible through both.
	kernel := hostarch.Addr(0xffff900000000000)
	if _, err := pt.Map(kernel, pteSize, MapOpts{AccessType: hostarch.Read}, 0x9000); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if phys, _, ok := other.Lookup(kernel); !ok || phys != 0x9000 {
		t.Errorf("Lookup through shared set = %#x, %v, want 0x9000", phys, ok)
	}
}
