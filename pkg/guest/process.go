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

	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/log"
	"gvisor.dev/nptsandbox/pkg/pagetables"
)

// Process is a user process.
type Process struct {
	// PID is the process ID.
	PID int

	// Name is the image name.
	Name string

	k      *Kernel
	tables *pagetables.PageTables

	// The fields below are protected by k.mu.

	// frames are the guest frames backing user mappings.
	frames []uint64

	// locked is the number of outstanding lock handles.
	locked int

	exited bool
}

// CreateProcess creates a process with an empty user half. The kernel half
// is shared with the system address space.
func (k *Kernel) CreateProcess(name string) (*Process, error) {
	pt, err := pagetables.New(k.m.GuestAllocator())
	if err != nil {
		return nil, fmt.Errorf("creating address space for %q: %w", name, err)
	}
	pt.ShareUpper(k.system)

	k.mu.Lock()
	defer k.mu.Unlock()
	p := &Process{
		PID:    k.nextPID,
		Name:   name,
		k:      k,
		tables: pt,
	}
	k.nextPID += 4
	k.processes[pt.Root()] = p
	log.Debugf("Created process %d (%s) with root %#x", p.PID, name, pt.Root())
	return p, nil
}

// Root returns the process's translation table root.
func (p *Process) Root() uint64 {
	return p.tables.Root()
}

// String implements fmt.Stringer.String.
func (p *Process) String() string {
	return fmt.Sprintf("%s[%d]", p.Name, p.PID)
}

// Map backs a user range with fresh frames.
func (p *Process) Map(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	if addr.IsKernel() {
		return fmt.Errorf("%v is not a user address", addr)
	}
	frames, err := p.k.mapFrames(p.tables, addr, length, pagetables.MapOpts{AccessType: at, User: true})
	if err != nil {
		return err
	}
	p.k.mu.Lock()
	p.frames = append(p.frames, frames...)
	p.k.mu.Unlock()
	return nil
}

// Write writes data at addr.
func (p *Process) Write(addr hostarch.Addr, data []byte) error {
	return p.k.WriteVirtual(p.Root(), addr, data)
}

// Read reads n bytes at addr.
func (p *Process) Read(addr hostarch.Addr, n int) ([]byte, error) {
	return p.k.ReadVirtual(p.Root(), addr, n)
}

// LockedPages returns the number of outstanding lock handles.
func (p *Process) LockedPages() int {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.locked
}

// Exited returns true once the address space has been reclaimed.
func (p *Process) Exited() bool {
	p.k.mu.Lock()
	defer p.k.mu.Unlock()
	return p.exited
}

// Terminate tears down p on c. The cleanup routine runs in the context of
// the terminating process, as it does when the last thread exits.
func (k *Kernel) Terminate(c *hv.VCPU, p *Process) error {
	addr, ok := k.Symbol(CleanupRoutine)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoutine, CleanupRoutine)
	}
	saved := c.Regs.CR3
	c.Regs.CR3 = p.Root()
	defer func() { c.Regs.CR3 = saved }()
	_, err := k.Call(c, addr, p.Root())
	return err
}

// cleanProcessAddressSpace reclaims the user half of the address space
// named by args[0]. Reclaiming frames that are still locked corrupts frame
// accounting, so that is a bugcheck.
func (k *Kernel) cleanProcessAddressSpace(c *hv.VCPU, args []uint64) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.processes[args[0]]
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNoProcess, args[0])
	}
	if p.locked > 0 {
		k.bugchecks++
		log.Warningf("BugCheck 0x76 (%v): %v has %d locked pages", ErrProcessHasLockedPages, p, p.locked)
		return 0, fmt.Errorf("%w: %v has %d locked pages", ErrProcessHasLockedPages, p, p.locked)
	}
	frames := k.m.GuestFrames()
	for _, f := range p.frames {
		if err := frames.Free(f); err != nil {
			log.Warningf("Freeing frame %#x of %v: %v", f, p, err)
		}
	}
	p.frames = nil
	if err := p.tables.Release(); err != nil {
		return 0, err
	}
	p.exited = true
	delete(k.processes, args[0])
	log.Debugf("Reclaimed address space of %v on vCPU %d", p, c.ID)
	return 0, nil
}
