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
	"fmt"
	"sync/atomic"

	"gvisor.dev/nptsandbox/pkg/hostarch"
)

// Bits in page table entries. Nested (NPT) entries use the same format as
// long mode guest entries.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	writeThrough   = 0x008
	cacheDisable   = 0x010
	accessed       = 0x020
	dirty          = 0x040
	super          = 0x080
	global         = 0x100
	executeDisable = 1 << 63

	optionMask  = executeDisable | 0xfff
	addressMask = 0x000ffffffffff000
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool
}

// PTE is a page table entry.
type PTE uint64

// load atomically loads the raw entry.
//
//go:nosplit
func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

// store atomically stores the raw entry.
//
//go:nosplit
func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear clears this PTE, including super page information.
//
//go:nosplit
func (p *PTE) Clear() {
	p.store(0)
}

// Valid returns true iff this entry is valid.
//
//go:nosplit
func (p *PTE) Valid() bool {
	return p.load()&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
//
//go:nosplit
func (p *PTE) Opts() MapOpts {
	v := p.load()
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global: v&global != 0,
		User:   v&user != 0,
	}
}

// SetSuper sets this page as a super page.
//
// The page must not be valid or a panic will result.
//
//go:nosplit
func (p *PTE) SetSuper() {
	if p.Valid() {
		// This is not allowed.
		panic("SetSuper called on valid page!")
	}
	p.store(super)
}

// IsSuper returns true iff this page is a super page.
//
//go:nosplit
func (p *PTE) IsSuper() bool {
	return p.load()&super != 0
}

// Set sets this PTE value.
//
// This does not change the super page property.
//
//go:nosplit
func (p *PTE) Set(addr uint64, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := (addr &^ optionMask) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if p.IsSuper() {
		// Note that this is inherited from the previous instance. Set
		// does not change the value of Super. See above.
		v |= super
	}
	p.store(v)
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages.
//
//go:nosplit
func (p *PTE) setPageTable(addr uint64) {
	v := (addr &^ optionMask) | present | user | writable | accessed | dirty
	p.store(v)
}

// Address extracts the address. This should only be used if Valid returns true.
//
//go:nosplit
func (p *PTE) Address() uint64 {
	return p.load() & addressMask
}

// SetAddress points the entry at another frame, keeping every attribute.
func (p *PTE) SetAddress(addr uint64) {
	p.store((p.load() &^ addressMask) | (addr & addressMask))
}

// NoExecute returns true iff instruction fetch through this entry faults.
func (p *PTE) NoExecute() bool {
	return p.load()&executeDisable != 0
}

// SetNoExecute sets or clears the no-execute bit.
func (p *PTE) SetNoExecute(nx bool) {
	if nx {
		p.store(p.load() | executeDisable)
	} else {
		p.store(p.load() &^ executeDisable)
	}
}

// Writable returns true iff writes through this entry are allowed.
func (p *PTE) Writable() bool {
	return p.load()&writable != 0
}

// SetWritable sets or clears the writable bit.
func (p *PTE) SetWritable(w bool) {
	if w {
		p.store(p.load() | writable)
	} else {
		p.store(p.load() &^ writable)
	}
}

// IsUser returns true iff the entry is accessible from user mode.
func (p *PTE) IsUser() bool {
	return p.load()&user != 0
}

// Raw returns the raw entry, for saving and restoring.
func (p *PTE) Raw() uint64 {
	return p.load()
}

// Restore stores a raw value previously returned by Raw.
func (p *PTE) Restore(v uint64) {
	p.store(v)
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return "invalid"
	}
	opts := p.Opts()
	s := fmt.Sprintf("%#x %s", p.Address(), opts.AccessType)
	if opts.User {
		s += " user"
	}
	if p.IsSuper() {
		s += " super"
	}
	return s
}
