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

import "fmt"

// Address constants.
//
// The lower half ends at lowerTop (exclusive), the upper half starts at
// upperBottom.
const (
	lowerTop    = 0x0000800000000000
	upperBottom = 0xffff800000000000

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512
	levelBits      = 9
)

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// walker holds the state of a single range walk.
type walker struct {
	pageTables *PageTables

	// alloc indicates that missing tables are allocated.
	alloc bool

	// split indicates that super pages partially covered by the range are
	// broken up into the next level.
	split bool

	// visit is called for every leaf entry in the range. s is the first
	// address covered by the entry and align is its size minus one.
	visit func(s uintptr, pte *PTE, align uintptr)
}

// addrEnd returns the next boundary of the given size after addr, or end if
// that comes earlier.
//
//go:nosplit
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range.
//
// If alloc is set, then Set _must_ be called on all given PTEs. The exception
// is super pages. If a valid super page (huge or jumbo) cannot be installed,
// then the walk will continue to individual entries.
//
// This algorithm will attempt to maximize the use of super pages whenever
// possible. Whether a super page is provided will be clear through the range
// provided in the callback.
//
// Precondition: start must be page-aligned.
//
// Precondition: start must be less than end.
//
// Precondition: If alloc is set, then the range may not include the
// non-canonical gap.
func (p *PageTables) iterateRange(start, end uintptr, w *walker) error {
	if start%pteSize != 0 {
		panic(fmt.Sprintf("unaligned start: %v", start))
	}
	if start > end {
		panic(fmt.Sprintf("start > end (%v > %v))", start, end))
	}
	w.pageTables = p

	// Deal with cases where we traverse the "gap".
	//
	// These are all explicitly disallowed if alloc is set, and we must
	// traverse an entry for each address explicitly.
	switch {
	case start < lowerTop && end > lowerTop && end < upperBottom:
		if w.alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		return p.iterateRange(start, lowerTop, w)
	case start < lowerTop && end > lowerTop:
		if w.alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		if err := p.iterateRange(start, lowerTop, w); err != nil {
			return err
		}
		return p.iterateRange(upperBottom, end, w)
	case start >= lowerTop && end <= upperBottom:
		if w.alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		return nil
	case start >= lowerTop && start < upperBottom && end > upperBottom:
		if w.alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		return p.iterateRange(upperBottom, end, w)
	}

	_, err := w.walk(p.root, pgdShift, start, end)
	return err
}

// walk visits the entries of one table level covering [start, end), and
// descends into the next level as needed.
//
// It returns the number of entries in the range that are clear afterwards,
// so the caller can release a table that has become empty.
func (w *walker) walk(entries *PTEs, shift uint, start, end uintptr) (int, error) {
	clearEntries := 0
	size := uintptr(1) << shift
	a := w.pageTables.Allocator
	for start < end {
		nextBoundary := addrEnd(start, end, size)
		entry := &entries[(start>>shift)&(entriesPerPage-1)]

		if shift == pteShift {
			if !entry.Valid() && !w.alloc {
				clearEntries++
				start = nextBoundary
				continue
			}

			// At this point, we are guaranteed that start%pteSize == 0.
			w.visit(start, entry, pteSize-1)
			if !entry.Valid() {
				clearEntries++
			}
			start = nextBoundary
			continue
		}

		var next *PTEs
		switch {
		case !entry.Valid():
			if !w.alloc {
				// Skip over this entry.
				clearEntries++
				start = nextBoundary
				continue
			}

			// The PUD level has 1GB super pages and the PMD level
			// has 2MB huge pages. Is this entire region covered by
			// a single entry? If so, we can skip allocating a new
			// table.
			if (shift == pudShift || shift == pmdShift) && start&(size-1) == 0 && end-start >= size {
				entry.SetSuper()
				w.visit(start, entry, size-1)
				if entry.Valid() {
					start = nextBoundary
					continue
				}
			}

			// Allocate a new table.
			var err error
			if next, err = a.NewPTEs(); err != nil {
				return clearEntries, err
			}
			entry.setPageTable(a.PhysicalFor(next))

		case entry.IsSuper():
			// Does this page need to be split?
			if w.split && (start&(size-1) != 0 || end-start < size) {
				var err error
				if next, err = a.NewPTEs(); err != nil {
					return clearEntries, err
				}
				// Install the relevant entries.
				childSize := uint64(size >> levelBits)
				base, opts := entry.Address(), entry.Opts()
				for index := range next {
					if shift-levelBits != pteShift {
						next[index].SetSuper()
					}
					next[index].Set(base+childSize*uint64(index), opts)
				}
				entry.setPageTable(a.PhysicalFor(next))
			} else {
				// A super page to be checked directly.
				w.visit(start&^(size-1), entry, size-1)

				// Might have been cleared.
				if !entry.Valid() {
					clearEntries++
				}

				// Note that the super page was changed.
				start = nextBoundary
				continue
			}

		default:
			if next = a.LookupPTEs(entry.Address()); next == nil {
				return clearEntries, fmt.Errorf("%w: table at %#x", ErrCorrupt, entry.Address())
			}
		}

		// Map the next level, since this is valid.
		clearNext, err := w.walk(next, shift-levelBits, start, nextBoundary)
		if err != nil {
			return clearEntries, err
		}

		// Check if we no longer need this table. Upper half root entries
		// are kept, since they may be shared with other sets.
		if clearNext == entriesPerPage && !(shift == pgdShift && start >= upperBottom) {
			entry.Clear()
			a.FreePTEs(next)
			clearEntries++
		}

		start = nextBoundary
	}
	return clearEntries, nil
}
