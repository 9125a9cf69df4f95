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

package hv

import (
	"fmt"

	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/pagetables"
)

// Hypercall is a hypercall number.
type Hypercall uint64

// Hypercalls.
const (
	// HypercallReadCode reads guest memory, ignoring guest protections.
	HypercallReadCode Hypercall = iota + 1

	// HypercallWriteCode writes guest memory, ignoring guest protections.
	// Kernel code is read-only to the guest itself, so code patches must
	// be applied by the hypervisor.
	HypercallWriteCode
)

// String implements fmt.Stringer.String.
func (h Hypercall) String() string {
	switch h {
	case HypercallReadCode:
		return "read_code"
	case HypercallWriteCode:
		return "write_code"
	default:
		return fmt.Sprintf("Hypercall(%d)", uint64(h))
	}
}

// Hypercall services a hypercall issued by the guest running on c. addr is
// translated through the guest's current root; buf is the data to transfer.
func (c *VCPU) Hypercall(nr Hypercall, addr hostarch.Addr, buf []byte) error {
	if err := c.machine.hypercall(c.Regs.CR3, nr, addr, buf); err != nil {
		return err
	}
	if nr == HypercallWriteCode {
		c.logger.Debugf("Patched %d bytes at %v", len(buf), addr)
	}
	return nil
}

func (m *Machine) hypercall(root uint64, nr Hypercall, addr hostarch.Addr, buf []byte) error {
	pt, err := pagetables.Open(m.guestAlloc, root)
	if err != nil {
		return err
	}
	for done := 0; done < len(buf); {
		va := addr + hostarch.Addr(done)
		gpa, _, ok := pt.Lookup(va)
		if !ok {
			return fmt.Errorf("%w: %v: %v not present", ErrGuestFault, nr, va)
		}
		if gpa >= m.GuestMemory() {
			return fmt.Errorf("%w: %#x", ErrNotBacked, gpa)
		}
		n := min(len(buf)-done, int(hostarch.PageSize-va.PageOffset()))
		b, err := m.mem.DirectMap(gpa, uint64(n))
		if err != nil {
			return err
		}
		switch nr {
		case HypercallReadCode:
			copy(buf[done:done+n], b)
		case HypercallWriteCode:
			copy(b, buf[done:done+n])
		default:
			return fmt.Errorf("unknown hypercall %v", nr)
		}
		done += n
	}
	return nil
}

// CodePatcher reads and writes guest code through hypercalls issued on
// VCPU, in the address space the vCPU is running.
type CodePatcher struct {
	VCPU *VCPU
}

// ReadCode reads n bytes of code at addr.
func (p CodePatcher) ReadCode(addr hostarch.Addr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := p.VCPU.Hypercall(HypercallReadCode, addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteCode replaces the code at addr.
func (p CodePatcher) WriteCode(addr hostarch.Addr, code []byte) error {
	return p.VCPU.Hypercall(HypercallWriteCode, addr, code)
}
