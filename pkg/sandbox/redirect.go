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

package sandbox

import (
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
)

// Unexpected returns true iff executing at rip is unexpected for the
// context: in kernel context below the canonical split, and in user context
// above it.
//
// The direction is deliberate: kernel context running user-half code is
// what the monitor must see, not kernel code running in kernel context.
func Unexpected(kernel bool, rip hostarch.Addr) bool {
	return kernel != (rip > hostarch.UserspaceTop)
}

// CheckExecution decides whether the instruction c is about to execute is
// unexpected for its privilege level, and if so redirects it to the
// monitor: RIP is stashed in the handoff register and replaced by the
// monitor entry point. It returns true iff it redirected.
//
// The guest runs in kernel context iff the root loaded on the logical CPU
// is the guest's own.
//
// This runs on every relevant VM exit. It takes no locks and allocates
// nothing.
func (s *Sandbox) CheckExecution(c *hv.VCPU) bool {
	if !Unexpected(c.ActiveRoot() == c.Regs.CR3, hostarch.Addr(c.Regs.RIP)) {
		return false
	}
	c.Regs.GPR[s.handoff] = c.Regs.RIP
	c.Regs.RIP = s.monitorEntry
	s.stats.redirects.Add(1)
	return true
}
