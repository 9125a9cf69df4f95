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

package physmem

import (
	"fmt"
	"sync"

	"gvisor.dev/nptsandbox/pkg/hostarch"
)

// Frames allocates page frames from the window [base, base+length) of a
// Memory. Allocated frames are zeroed.
type Frames struct {
	mem  *Memory
	base uint64

	// mu protects the fields below.
	mu sync.Mutex

	// used has one bit per frame in the window.
	used bitmap

	// hint is where the next search begins.
	hint uint32
}

// NewFrames returns an allocator over [base, base+length) of mem. base and
// length must be page aligned.
func NewFrames(mem *Memory, base, length uint64) (*Frames, error) {
	if base%hostarch.PageSize != 0 || length%hostarch.PageSize != 0 || length == 0 {
		return nil, fmt.Errorf("frame window [%#x, +%#x) is not page aligned", base, length)
	}
	if err := mem.check(base, length); err != nil {
		return nil, err
	}
	return &Frames{
		mem:  mem,
		base: base,
		used: newBitmap(uint32(length >> hostarch.PageShift)),
	}, nil
}

// Memory returns the underlying memory.
func (f *Frames) Memory() *Memory {
	return f.mem
}

// Base returns the first physical address of the window.
func (f *Frames) Base() uint64 {
	return f.base
}

// Len returns the size of the window in bytes.
func (f *Frames) Len() uint64 {
	return uint64(f.used.size) << hostarch.PageShift
}

// Contains returns true iff phys lies inside the window.
func (f *Frames) Contains(phys uint64) bool {
	return phys >= f.base && phys < f.base+f.Len()
}

// Allocate returns a zeroed frame.
func (f *Frames) Allocate() (uint64, error) {
	f.mu.Lock()
	idx, ok := f.used.firstZero(f.hint)
	if !ok {
		f.mu.Unlock()
		return 0, ErrOutOfMemory
	}
	f.used.add(idx)
	f.hint = idx + 1
	f.mu.Unlock()

	phys := f.base + uint64(idx)<<hostarch.PageShift
	page, _ := f.mem.Page(phys)
	clear(page)
	return phys, nil
}

// Free returns a frame to the allocator.
func (f *Frames) Free(phys uint64) error {
	if !f.Contains(phys) || phys%hostarch.PageSize != 0 {
		return fmt.Errorf("%w: frame %#x", ErrBadAddress, phys)
	}
	idx := uint32((phys - f.base) >> hostarch.PageShift)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.used.has(idx) {
		return fmt.Errorf("%w: frame %#x", ErrNotAllocated, phys)
	}
	f.used.remove(idx)
	return nil
}

// InUse returns the number of allocated frames.
func (f *Frames) InUse() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.used.numOnes)
}

// Allocated returns true iff the frame containing phys is allocated.
func (f *Frames) Allocated(phys uint64) bool {
	if !f.Contains(phys) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used.has(uint32((phys - f.base) >> hostarch.PageShift))
}
