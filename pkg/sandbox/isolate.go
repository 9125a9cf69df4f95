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
	"fmt"

	"gvisor.dev/nptsandbox/pkg/cleanup"
	"gvisor.dev/nptsandbox/pkg/guest"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/log"
	"gvisor.dev/nptsandbox/pkg/pagetables"
)

// nestedPage is the nested state of one isolated guest physical page. It
// is shared by every record isolating that page, so that address spaces
// mapping a common page can isolate it independently.
type nestedPage struct {
	refs int

	primary     *pagetables.PTE
	primaryOrig uint64

	sandbox     *pagetables.PTE
	sandboxOrig uint64

	// shadow is the host physical address of the private copy.
	shadow uint64
}

// guestEntry is the saved state of a guest page table entry modified by
// isolation. Kernel entries are shared by every address space, so several
// records may modify the same entry.
type guestEntry struct {
	refs      int
	noExecute bool
	writable  bool
}

// attachGuest makes pte executable and writable, saving its bits on first
// use.
//
// Precondition: st.mu must be held, and pte must map a page of st.
func (st *stripe) attachGuest(pte *pagetables.PTE) *guestEntry {
	ge, ok := st.entries[pte]
	if !ok {
		ge = &guestEntry{noExecute: pte.NoExecute(), writable: pte.Writable()}
		st.entries[pte] = ge
		pte.SetNoExecute(false)
		pte.SetWritable(true)
	}
	ge.refs++
	return ge
}

// detachGuest drops a reference to the saved state of pte, restoring its
// bits when it was the last.
//
// Precondition: st.mu must be held.
func (st *stripe) detachGuest(pte *pagetables.PTE) {
	ge := st.entries[pte]
	if ge.refs--; ge.refs > 0 {
		return
	}
	pte.SetNoExecute(ge.noExecute)
	pte.SetWritable(ge.writable)
	delete(st.entries, pte)
}

// attach returns the nested state for gpa, isolating it in both views on
// first use.
//
// Precondition: st.mu must be held.
func (s *Sandbox) attach(st *stripe, gpa uint64) (*nestedPage, error) {
	if np, ok := st.pages[gpa]; ok {
		np.refs++
		return np, nil
	}

	primary, err := s.machine.NestedEntry(hv.Primary, gpa)
	if err != nil {
		return nil, err
	}
	np := &nestedPage{
		refs:        1,
		primary:     primary,
		primaryOrig: primary.Raw(),
	}
	primary.SetNoExecute(true)
	cu := cleanup.Make(func() { primary.Restore(np.primaryOrig) })
	defer cu.Clean()

	sandbox, err := s.machine.NestedEntry(hv.Sandbox, gpa)
	if err != nil {
		return nil, err
	}
	shadow, err := s.machine.AllocateShadow()
	if err != nil {
		return nil, err
	}
	if err := s.machine.Memory().CopyPage(shadow, primary.Address()); err != nil {
		s.machine.FreeShadow(shadow)
		return nil, err
	}
	np.sandbox = sandbox
	np.sandboxOrig = sandbox.Raw()
	np.shadow = shadow
	sandbox.SetAddress(shadow)
	sandbox.SetNoExecute(false)

	st.pages[gpa] = np
	cu.Release()
	return np, nil
}

// detach drops a reference to the nested state for gpa, restoring both
// views and freeing the shadow when it was the last.
//
// Precondition: st.mu must be held.
func (s *Sandbox) detach(st *stripe, gpa uint64, np *nestedPage) {
	if np.refs--; np.refs > 0 {
		return
	}
	np.primary.Restore(np.primaryOrig)
	np.sandbox.Restore(np.sandboxOrig)
	if err := s.machine.FreeShadow(np.shadow); err != nil {
		log.Warningf("Freeing shadow %#x of gpa %#x: %v", np.shadow, gpa, err)
	}
	delete(st.pages, gpa)
}

// Isolate isolates the page containing addr in the address space c is
// running, and returns its record.
//
// c must have exited to the hypervisor: its CR3 names the guest address
// space, and the caller runs in root context on c's logical CPU. On failure
// no guest or nested state is modified and the error wraps
// ErrIsolationFailed and the cause.
func (s *Sandbox) Isolate(c *hv.VCPU, addr hostarch.Addr, tag uint32) (*Record, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: %w", ErrIsolationFailed, ErrClosed)
	}

	// Resolve guest mappings through the guest's own address space.
	restore := c.SwitchRoot(c.Regs.CR3)
	defer restore()
	root := c.ActiveRoot()

	r, err := s.isolate(root, addr.RoundDown(), tag)
	if err != nil {
		s.stats.failures.Add(1)
		log.Debugf("vCPU %d: isolating %v in %#x failed: %v", c.ID, addr, root, err)
		return nil, fmt.Errorf("%w: %v in %#x: %w", ErrIsolationFailed, addr, root, err)
	}
	s.stats.isolations.Add(1)
	log.Debugf("vCPU %d: isolated %v", c.ID, r)
	return r, nil
}

func (s *Sandbox) isolate(root uint64, page hostarch.Addr, tag uint32) (*Record, error) {
	mode := guest.UserMode
	if page.IsKernel() {
		mode = guest.KernelMode
	}
	pin, err := s.guest.Lock(root, page, mode)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := pin.Unlock(); err != nil {
			log.Warningf("Unlocking %v in %#x: %v", page, root, err)
		}
	})
	defer cu.Clean()

	gpa, err := s.guest.Translate(root, page)
	if err != nil {
		return nil, err
	}
	gpa = hostarch.PageRoundDown(gpa)

	r, err := s.pool.reserve(root, gpa, page, tag)
	if err != nil {
		return nil, err
	}
	cu.Add(func() { s.pool.abort(r) })

	gpte, err := s.guest.Entry(root, page)
	if err != nil {
		return nil, err
	}

	st := s.stripeFor(gpa)
	st.mu.Lock()
	// Allow a private copy of shared pages and execution of the page.
	ge := st.attachGuest(gpte)
	np, err := s.attach(st, gpa)
	if err != nil {
		st.detachGuest(gpte)
	}
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}
	cu.Add(func() {
		st.mu.Lock()
		s.detach(st, gpa, np)
		st.detachGuest(gpte)
		st.mu.Unlock()
		s.machine.InvalidateAll()
	})

	r.guestPTE = gpte
	r.origNoExecute = ge.noExecute
	r.origWritable = ge.writable
	r.page = np
	r.pin = pin
	r.shadow.Store(np.shadow)

	s.machine.InvalidateAll()
	if err := s.pool.activate(r); err != nil {
		return nil, err
	}
	cu.Release()
	return r, nil
}

// Release releases an active record: the primary view may execute the page
// again, the sandbox view maps the guest page again, the guest entry's
// saved bits are restored and the page is unlocked.
//
// Releasing a record that is not active returns ErrInactiveRecord.
func (s *Sandbox) Release(r *Record) error {
	if r == nil || !r.state.CompareAndSwap(stateActive, stateReleasing) {
		s.warn.Warningf("Release of inactive %v", r)
		return ErrInactiveRecord
	}
	gpa := r.GuestPhysical()

	st := s.stripeFor(gpa)
	st.mu.Lock()
	s.detach(st, gpa, r.page)
	st.detachGuest(r.guestPTE)
	st.mu.Unlock()
	s.machine.InvalidateAll()

	err := r.pin.Unlock()
	owner := r.Owner()
	s.pool.retire(r)
	s.stats.releases.Add(1)
	log.Debugf("Released gpa %#x of %#x (tag %d)", gpa, owner, r.Tag())
	if err != nil {
		return fmt.Errorf("unlocking gpa %#x: %w", gpa, err)
	}
	return nil
}
