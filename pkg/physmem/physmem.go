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

// Package physmem models host physical memory for the hypervisor.
//
// Memory is a single anonymous host mapping. A physical address is an offset
// into that mapping, so the direct map (physical to host virtual) is a slice
// operation. Frames hands out page frames from a window of Memory.
package physmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/nptsandbox/pkg/hostarch"
)

var (
	// ErrOutOfMemory is returned when no free frame is left.
	ErrOutOfMemory = errors.New("out of physical memory")

	// ErrBadAddress is returned for physical addresses outside of Memory.
	ErrBadAddress = errors.New("physical address out of range")

	// ErrNotAllocated is returned when freeing a frame that is not in use.
	ErrNotAllocated = errors.New("frame not allocated")
)

// Memory is a contiguous range of physical memory [0, Size()).
type Memory struct {
	data []byte
}

// New maps size bytes of zeroed physical memory. size is rounded up to a
// page multiple.
func New(size uint64) (*Memory, error) {
	size = hostarch.PagesIn(size) << hostarch.PageShift
	if size == 0 {
		return nil, fmt.Errorf("physical memory size must be non-zero")
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of physical memory: %w", size, err)
	}
	return &Memory{data: data}, nil
}

// Destroy unmaps the memory. Memory must not be used afterwards.
func (m *Memory) Destroy() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Size returns the size of the memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *Memory) check(phys, length uint64) error {
	end := phys + length
	if end < phys || end > uint64(len(m.data)) {
		return fmt.Errorf("%w: [%#x, %#x)", ErrBadAddress, phys, end)
	}
	return nil
}

// DirectMap returns the host view of [phys, phys+length).
func (m *Memory) DirectMap(phys, length uint64) ([]byte, error) {
	if err := m.check(phys, length); err != nil {
		return nil, err
	}
	return m.data[phys : phys+length : phys+length], nil
}

// Page returns the host view of the page containing phys.
func (m *Memory) Page(phys uint64) ([]byte, error) {
	return m.DirectMap(hostarch.PageRoundDown(phys), hostarch.PageSize)
}

// CopyPage copies the page at src into the page at dst.
func (m *Memory) CopyPage(dst, src uint64) error {
	d, err := m.Page(dst)
	if err != nil {
		return err
	}
	s, err := m.Page(src)
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

// Lock makes the host pages backing [phys, phys+length) resident.
func (m *Memory) Lock(phys, length uint64) error {
	b, err := m.DirectMap(hostarch.PageRoundDown(phys), hostarch.PagesIn(phys%hostarch.PageSize+length)<<hostarch.PageShift)
	if err != nil {
		return err
	}
	return unix.Mlock(b)
}

// Unlock undoes Lock.
func (m *Memory) Unlock(phys, length uint64) error {
	b, err := m.DirectMap(hostarch.PageRoundDown(phys), hostarch.PagesIn(phys%hostarch.PageSize+length)<<hostarch.PageShift)
	if err != nil {
		return err
	}
	return unix.Munlock(b)
}
