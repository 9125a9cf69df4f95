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

package guest

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/log"
)

// PinMode is the processor mode a lock request is made in.
type PinMode int

const (
	// UserMode requests are checked against user accessibility.
	UserMode PinMode = iota

	// KernelMode requests may lock any mapped page.
	KernelMode
)

// String implements fmt.Stringer.String.
func (m PinMode) String() string {
	switch m {
	case UserMode:
		return "user"
	case KernelMode:
		return "kernel"
	default:
		return fmt.Sprintf("PinMode(%d)", int(m))
	}
}

// PinHandle owns a locked page.
type PinHandle interface {
	// Unlock releases the lock. It fails with ErrNotLocked if called
	// more than once.
	Unlock() error
}

// mdl is a lock on one page.
type mdl struct {
	k        *Kernel
	proc     *Process
	gpa      uint64
	unlocked atomic.Bool
}

// Lock locks the page containing addr in the address space rooted at root
// for read access. The lock is charged to the process owning root.
func (k *Kernel) Lock(root uint64, addr hostarch.Addr, mode PinMode) (PinHandle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pt, p, err := k.tablesFor(root)
	if err != nil {
		return nil, err
	}
	if mode == UserMode && addr.IsKernel() {
		return nil, fmt.Errorf("%w: %v lock of %v", ErrAccessDenied, mode, addr)
	}
	gpa, opts, ok := pt.Lookup(addr.RoundDown())
	if !ok {
		return nil, fmt.Errorf("%w: %v in %#x", ErrNotMapped, addr, root)
	}
	if mode == UserMode && !opts.User {
		return nil, fmt.Errorf("%w: %v lock of supervisor page %v", ErrAccessDenied, mode, addr)
	}
	gpa = hostarch.PageRoundDown(gpa)
	if k.opts.LockHostMemory && k.pins[gpa] == 0 {
		if err := k.m.Memory().Lock(gpa, hostarch.PageSize); err != nil {
			return nil, fmt.Errorf("locking host page %#x: %w", gpa, err)
		}
	}
	k.pins[gpa]++
	if p != nil {
		p.locked++
	}
	return &mdl{k: k, proc: p, gpa: gpa}, nil
}

// Unlock implements PinHandle.Unlock.
func (d *mdl) Unlock() error {
	if !d.unlocked.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %#x", ErrNotLocked, d.gpa)
	}
	k := d.k
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pins[d.gpa]--
	if k.pins[d.gpa] == 0 {
		delete(k.pins, d.gpa)
		if k.opts.LockHostMemory {
			if err := k.m.Memory().Unlock(d.gpa, hostarch.PageSize); err != nil {
				log.Warningf("Unlocking host page %#x: %v", d.gpa, err)
			}
		}
	}
	if d.proc != nil {
		d.proc.locked--
	}
	return nil
}

// Pins returns the number of locks held on the frame containing gpa.
func (k *Kernel) Pins(gpa uint64) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pins[hostarch.PageRoundDown(gpa)]
}
