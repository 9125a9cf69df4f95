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

// Package hostarch contains address and access definitions shared by the
// guest, the nested page tables and the hypervisor.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// UserspaceTop is the last canonical address of the lower (user) half.
	UserspaceTop Addr = 0x00007fffffffffff

	// KernelStart is the first canonical address of the upper (kernel)
	// half.
	KernelStart Addr = 0xffff800000000000
)

// Addr represents a virtual or physical address.
type Addr uintptr

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// IsKernel returns true iff v lies above the user/kernel canonical split.
func (v Addr) IsKernel() bool {
	return v > UserspaceTop
}

// IsCanonical returns true iff v is a canonical 48-bit address.
func (v Addr) IsCanonical() bool {
	return v <= UserspaceTop || v >= KernelStart
}

// PageRoundDown rounds a physical address down to its page.
func PageRoundDown(phys uint64) uint64 {
	return phys &^ (PageSize - 1)
}

// PagesIn returns the number of pages needed to hold length bytes.
func PagesIn(length uint64) uint64 {
	return (length + PageSize - 1) >> PageShift
}

// Half returns the canonical half v belongs to: "user", "kernel" or
// "non-canonical".
func (v Addr) Half() string {
	switch {
	case v <= UserspaceTop:
		return "user"
	case v >= KernelStart:
		return "kernel"
	default:
		return "non-canonical"
	}
}
