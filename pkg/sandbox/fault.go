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

// isolated returns true iff gpa is isolated by any address space.
func (s *Sandbox) isolated(gpa uint64) bool {
	gpa = hostarch.PageRoundDown(gpa)
	st := s.stripeFor(gpa)
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.pages[gpa]
	return ok
}

// HandleNestedFault handles a nested page fault taken by c. It returns true
// iff the fault was caused by isolation and c may retry the access.
//
// Fetching from an isolated page in the primary view enters the sandbox
// view. Fetching from any other page in the sandbox view leaves it, and the
// new instruction is checked with CheckExecution.
func (s *Sandbox) HandleNestedFault(c *hv.VCPU, gpa uint64, access hostarch.AccessType) bool {
	if !access.Execute {
		return false
	}
	switch c.View() {
	case hv.Primary:
		if !s.isolated(gpa) {
			return false
		}
		c.SetView(hv.Sandbox)
	case hv.Sandbox:
		if s.isolated(gpa) {
			return false
		}
		c.SetView(hv.Primary)
		s.CheckExecution(c)
	default:
		return false
	}
	s.stats.viewSwitches.Add(1)
	return true
}
