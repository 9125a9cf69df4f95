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

// Package sandbox isolates guest pages behind nested page tables.
//
// An isolated page has two views. In the primary view the guest page is
// mapped as usual but instruction fetch is forbidden. In the sandbox view
// the same guest physical address maps a private shadow copy that is
// executable, while every other page is not. Execution that leaves the
// sandbox view for an address the current privilege level should not be
// running is redirected to a monitor entry point.
//
// Records are released explicitly, or by the teardown hook when the owning
// process's address space is reclaimed, so that no nested entry or locked
// page outlives its address space.
package sandbox

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/nptsandbox/pkg/guest"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/log"
	"gvisor.dev/nptsandbox/pkg/pagetables"
)

var (
	// ErrPoolInit is returned when the record pool cannot be created.
	ErrPoolInit = errors.New("record pool initialization failed")

	// ErrPoolExhausted is returned when every record is in use.
	ErrPoolExhausted = errors.New("record pool exhausted")

	// ErrIsolationFailed wraps every Isolate failure.
	ErrIsolationFailed = errors.New("isolation failed")

	// ErrAlreadyIsolated is returned when the page is already isolated
	// for the same address space.
	ErrAlreadyIsolated = errors.New("page already isolated")

	// ErrInactiveRecord is returned when releasing a record that is not
	// active.
	ErrInactiveRecord = errors.New("record is not active")

	// ErrTeardownInstall wraps InstallTeardown failures.
	ErrTeardownInstall = errors.New("teardown hook installation failed")

	// ErrClosed is returned by operations on a closed Sandbox.
	ErrClosed = errors.New("sandbox closed")
)

// GuestTables resolves guest virtual addresses.
type GuestTables interface {
	// Translate returns the guest physical address of addr in the
	// address space rooted at root.
	Translate(root uint64, addr hostarch.Addr) (uint64, error)

	// Entry returns the 4K page table entry mapping addr in the address
	// space rooted at root.
	Entry(root uint64, addr hostarch.Addr) (*pagetables.PTE, error)
}

// Pinner locks guest pages in memory.
type Pinner interface {
	Lock(root uint64, addr hostarch.Addr, mode guest.PinMode) (guest.PinHandle, error)
}

// Guest is what the sandbox needs from the guest kernel.
type Guest interface {
	GuestTables
	Pinner
}

// numStripes is the number of nested entry locks.
const numStripes = 64

// stripe serializes nested entry edits for the pages hashing to it.
type stripe struct {
	mu sync.Mutex

	// pages holds the nested state of isolated pages in this stripe.
	pages map[uint64]*nestedPage

	// entries holds the saved guest entries mapping those pages.
	entries map[*pagetables.PTE]*guestEntry
}

// Config configures a Sandbox.
type Config struct {
	// Capacity is the record pool capacity. Zero selects
	// DefaultCapacity.
	Capacity int

	// NoReuse disables reuse of released record slots.
	NoReuse bool

	// MonitorEntry is where redirected execution resumes.
	MonitorEntry hostarch.Addr

	// HandoffRegister receives the original RIP on redirection.
	HandoffRegister hv.Reg

	// WarnEvery rate limits misuse warnings. Zero selects one second.
	WarnEvery time.Duration
}

// Stats are sandbox counters.
type Stats struct {
	Isolations   uint64
	Releases     uint64
	Failures     uint64
	Redirects    uint64
	ViewSwitches uint64
	Teardowns    uint64
	Active       int
}

type counters struct {
	isolations   atomic.Uint64
	releases     atomic.Uint64
	failures     atomic.Uint64
	redirects    atomic.Uint64
	viewSwitches atomic.Uint64
	teardowns    atomic.Uint64
}

// Sandbox is the page isolation engine.
type Sandbox struct {
	machine *hv.Machine
	guest   Guest
	pool    *Pool

	monitorEntry uint64
	handoff      hv.Reg

	stripes [numStripes]stripe

	stats counters

	// warn reports misuse, such as double release.
	warn log.Logger

	closed atomic.Bool
}

// New returns a Sandbox over machine m and guest g.
func New(m *hv.Machine, g Guest, cfg Config) (*Sandbox, error) {
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.HandoffRegister < 0 || cfg.HandoffRegister >= hv.NumRegs {
		return nil, fmt.Errorf("invalid handoff register %v", cfg.HandoffRegister)
	}
	if cfg.WarnEvery == 0 {
		cfg.WarnEvery = time.Second
	}
	pool, err := NewPool(PoolOptions{Capacity: cfg.Capacity, NoReuse: cfg.NoReuse})
	if err != nil {
		return nil, err
	}
	s := &Sandbox{
		machine:      m,
		guest:        g,
		pool:         pool,
		monitorEntry: uint64(cfg.MonitorEntry),
		handoff:      cfg.HandoffRegister,
		warn:         log.BasicRateLimitedLogger(cfg.WarnEvery),
	}
	for i := range s.stripes {
		s.stripes[i].pages = make(map[uint64]*nestedPage)
		s.stripes[i].entries = make(map[*pagetables.PTE]*guestEntry)
	}
	log.Infof("Sandbox created: capacity %d, reuse %t, monitor %v via %v", cfg.Capacity, !cfg.NoReuse, cfg.MonitorEntry, cfg.HandoffRegister)
	return s, nil
}

// stripeFor returns the stripe for gpa.
func (s *Sandbox) stripeFor(gpa uint64) *stripe {
	return &s.stripes[(gpa>>hostarch.PageShift)%numStripes]
}

// Pool returns the record pool.
func (s *Sandbox) Pool() *Pool {
	return s.pool
}

// ForEach calls pred on active records in slot order and returns the first
// record for which it returns true. pred may release records.
func (s *Sandbox) ForEach(pred func(*Record) bool) (*Record, bool) {
	return s.pool.ForEach(pred)
}

// All returns the active records in slot order.
func (s *Sandbox) All() iter.Seq[*Record] {
	return s.pool.All()
}

// Owned returns the active records owned by the address space rooted at
// owner.
func (s *Sandbox) Owned(owner uint64) iter.Seq[*Record] {
	return s.pool.Owned(owner)
}

// Stats returns a snapshot of the counters.
func (s *Sandbox) Stats() Stats {
	return Stats{
		Isolations:   s.stats.isolations.Load(),
		Releases:     s.stats.releases.Load(),
		Failures:     s.stats.failures.Load(),
		Redirects:    s.stats.redirects.Load(),
		ViewSwitches: s.stats.viewSwitches.Load(),
		Teardowns:    s.stats.teardowns.Load(),
		Active:       s.pool.Len(),
	}
}

// Close releases every active record. Further isolations fail.
func (s *Sandbox) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	// Isolations in flight fail to activate from here on, so the scan
	// below sees every record that will ever be active.
	s.pool.close()
	var errs []error
	for r := range s.pool.All() {
		if err := s.Release(r); err != nil && !errors.Is(err, ErrInactiveRecord) {
			errs = append(errs, err)
		}
	}
	log.Infof("Sandbox closed: %+v", s.Stats())
	return errors.Join(errs...)
}
