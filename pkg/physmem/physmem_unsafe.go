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
	"unsafe"

	"gvisor.dev/nptsandbox/pkg/hostarch"
)

// PagePointer returns a pointer to the page at phys, which must be page
// aligned and inside Memory. It panics otherwise: callers only pass
// addresses taken from frames they own.
func (m *Memory) PagePointer(phys uint64) unsafe.Pointer {
	if phys%hostarch.PageSize != 0 || m.check(phys, hostarch.PageSize) != nil {
		panic(fmt.Sprintf("invalid page pointer for physical address %#x", phys))
	}
	return unsafe.Pointer(&m.data[phys])
}

// PhysicalOf returns the physical address of a pointer previously returned
// by PagePointer.
func (m *Memory) PhysicalOf(p unsafe.Pointer) (uint64, bool) {
	base := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	addr := uintptr(p)
	if addr < base || addr >= base+uintptr(len(m.data)) {
		return 0, false
	}
	return uint64(addr - base), true
}
