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
	"strings"
)

// Reg is a general purpose register index.
type Reg int

// General purpose registers, in encoding order.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// NumRegs is the number of general purpose registers.
	NumRegs
)

var regNames = [NumRegs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String implements fmt.Stringer.String.
func (r Reg) String() string {
	if r < 0 || r >= NumRegs {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regNames[r]
}

// ParseReg parses a register name such as "rax" or "R8".
func ParseReg(name string) (Reg, error) {
	name = strings.ToLower(name)
	for i, n := range regNames {
		if n == name {
			return Reg(i), nil
		}
	}
	return 0, fmt.Errorf("unknown register %q", name)
}

// Registers is the guest state saved on VM exit.
type Registers struct {
	GPR    [NumRegs]uint64
	RIP    uint64
	RFLAGS uint64

	// CR3 is the guest's translation table root.
	CR3 uint64
}
