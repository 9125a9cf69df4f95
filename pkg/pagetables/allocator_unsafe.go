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
	"unsafe"
)

// tableAt returns the table stored in the frame at phys.
func (a *PhysicalAllocator) tableAt(phys uint64) *PTEs {
	return (*PTEs)(a.frames.Memory().PagePointer(phys))
}

// physicalOf returns the physical address of a table.
func (a *PhysicalAllocator) physicalOf(ptes *PTEs) (uint64, bool) {
	return a.frames.Memory().PhysicalOf(unsafe.Pointer(ptes))
}
