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
	"iter"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/nptsandbox/pkg/guest"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/pagetables"
)

// DefaultCapacity is the default number of records in a pool.
const DefaultCapacity = 6000

// Record states.
const (
	stateFree int32 = iota

	// stateReserved records are being populated by Isolate.
	stateReserved

	stateActive

	// stateReleasing records are being torn down by Release.
	stateReleasing
)

// Record is an isolated page.
//
// A Record belongs to its pool slot. Once released, the slot may be reused
// for another isolation, so callers must drop their reference on release.
type Record struct {
	slot  int32
	state atomic.Int32

	tag           atomic.Uint32
	owner         atomic.Uint64
	guestPhysical atomic.Uint64
	guestVirtual  atomic.Uint64

	// shadow is the host physical address of the private copy. It is
	// published before activation and cleared on release.
	shadow atomic.Uint64

	// The fields below are written by Isolate before the record becomes
	// active and read by Release after it stops being active.

	guestPTE      *pagetables.PTE
	origNoExecute bool
	origWritable  bool
	page          *nestedPage
	pin           guest.PinHandle
}

// Slot returns the record's pool index.
func (r *Record) Slot() int {
	return int(r.slot)
}

// Active returns true between a successful isolation and release.
func (r *Record) Active() bool {
	return r.state.Load() == stateActive
}

// Tag returns the caller supplied tag.
func (r *Record) Tag() uint32 {
	return r.tag.Load()
}

// Owner returns the root of the owning address space. It is zero once the
// record has been released.
func (r *Record) Owner() uint64 {
	return r.owner.Load()
}

// GuestPhysical returns the isolated guest physical page.
func (r *Record) GuestPhysical() uint64 {
	return r.guestPhysical.Load()
}

// GuestVirtual returns the virtual page used to isolate.
func (r *Record) GuestVirtual() hostarch.Addr {
	return hostarch.Addr(r.guestVirtual.Load())
}

// OriginalNoExecute returns the saved no-execute bit of the guest entry.
func (r *Record) OriginalNoExecute() bool {
	return r.origNoExecute
}

// Shadow returns the host physical address of the private copy, or zero if
// the record is not active.
func (r *Record) Shadow() uint64 {
	if !r.Active() {
		return 0
	}
	return r.shadow.Load()
}

// String implements fmt.Stringer.String.
func (r *Record) String() string {
	return fmt.Sprintf("record %d (tag %d, owner %#x, gpa %#x, va %v, active %t)",
		r.slot, r.Tag(), r.Owner(), r.GuestPhysical(), r.GuestVirtual(), r.Active())
}

// indexKey orders the pool index.
type indexKey struct {
	owner uint64
	gpa   uint64
	slot  int32
}

func lessKey(a, b indexKey) bool {
	if a.owner != b.owner {
		return a.owner < b.owner
	}
	return a.gpa < b.gpa
}

// PoolOptions configure a Pool.
type PoolOptions struct {
	// Capacity is the number of records.
	Capacity int

	// NoReuse disables reuse of released slots, so that at most Capacity
	// isolations succeed over the pool's lifetime.
	NoReuse bool
}

// Pool is a fixed capacity record store. All memory is allocated up front.
type Pool struct {
	// mu protects the fields below and the index. It is never held
	// across page table walks.
	mu sync.Mutex

	records []Record

	// free is a stack of reusable slots.
	free []int32

	// cursor is the number of slots ever handed out.
	cursor int32

	// active is the number of active records.
	active int

	noReuse bool

	// closed is set by close. No record is reserved or activated after.
	closed bool

	// index holds one key per reserved or active record.
	index *btree.BTreeG[indexKey]
}

// NewPool returns a pool. Failure is fatal to bring-up: there is no other
// record storage.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Capacity <= 0 || opts.Capacity > math.MaxInt32 {
		return nil, fmt.Errorf("%w: capacity %d", ErrPoolInit, opts.Capacity)
	}
	p := &Pool{
		records: make([]Record, opts.Capacity),
		free:    make([]int32, 0, opts.Capacity),
		noReuse: opts.NoReuse,
		index:   btree.NewWithFreeListG(16, lessKey, btree.NewFreeListG[indexKey](opts.Capacity/8+1)),
	}
	for i := range p.records {
		p.records[i].slot = int32(i)
	}
	return p, nil
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int {
	return len(p.records)
}

// Len returns the number of active records.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// allocate returns an unused record. With NoReuse, released slots are
// never returned.
//
// Precondition: p.mu must be held.
func (p *Pool) allocate() (*Record, error) {
	var slot int32
	switch {
	case len(p.free) > 0:
		slot = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	case int(p.cursor) < len(p.records):
		slot = p.cursor
		p.cursor++
	default:
		return nil, ErrPoolExhausted
	}
	return &p.records[slot], nil
}

// reserve allocates a record for (owner, gpa) and populates it.
func (p *Pool) reserve(owner, gpa uint64, va hostarch.Addr, tag uint32) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	key := indexKey{owner: owner, gpa: gpa}
	if _, ok := p.index.Get(key); ok {
		return nil, fmt.Errorf("%w: gpa %#x owner %#x", ErrAlreadyIsolated, gpa, owner)
	}
	r, err := p.allocate()
	if err != nil {
		return nil, err
	}
	r.state.Store(stateReserved)
	r.tag.Store(tag)
	r.owner.Store(owner)
	r.guestPhysical.Store(gpa)
	r.guestVirtual.Store(uint64(va))
	key.slot = r.slot
	p.index.ReplaceOrInsert(key)
	return r, nil
}

// activate marks a reserved record active. It fails once the pool is
// closed, and the caller must then abort r.
func (p *Pool) activate(r *Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.active++
	r.state.Store(stateActive)
	return nil
}

// close stops all further reservations and activations. Records active
// when close returns are the only ones that will ever be active.
func (p *Pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// abort returns a reserved record that never became active. Its slot is
// always reusable.
func (p *Pool) abort(r *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index.Delete(indexKey{owner: r.Owner(), gpa: r.GuestPhysical()})
	r.clear()
	p.free = append(p.free, r.slot)
}

// retire finishes the release of a record.
func (p *Pool) retire(r *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index.Delete(indexKey{owner: r.Owner(), gpa: r.GuestPhysical()})
	p.active--
	r.clear()
	if !p.noReuse {
		p.free = append(p.free, r.slot)
	}
}

// clear resets the record to free, keeping the tag, the addresses and the
// saved guest bits for inspection.
func (r *Record) clear() {
	r.owner.Store(0)
	r.shadow.Store(0)
	r.guestPTE = nil
	r.page = nil
	r.pin = nil
	r.state.Store(stateFree)
}

// highWater returns the number of slots that may hold active records.
func (p *Pool) highWater() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.cursor)
}

// All returns the active records in slot order. Records released during
// the traversal are skipped.
func (p *Pool) All() iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		n := p.highWater()
		for i := 0; i < n; i++ {
			r := &p.records[i]
			if !r.Active() {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}
}

// ForEach calls pred on active records in slot order and returns the first
// record for which it returns true. pred may release records.
func (p *Pool) ForEach(pred func(*Record) bool) (*Record, bool) {
	for r := range p.All() {
		if pred(r) {
			return r, true
		}
	}
	return nil, false
}

// Owned returns the active records owned by owner, ordered by guest
// physical address.
func (p *Pool) Owned(owner uint64) iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		var slots []int32
		p.mu.Lock()
		p.index.AscendGreaterOrEqual(indexKey{owner: owner}, func(k indexKey) bool {
			if k.owner != owner {
				return false
			}
			slots = append(slots, k.slot)
			return true
		})
		p.mu.Unlock()
		for _, slot := range slots {
			r := &p.records[slot]
			if !r.Active() || r.Owner() != owner {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}
}

// Lookup returns the active record isolating gpa for owner.
func (p *Pool) Lookup(owner, gpa uint64) (*Record, bool) {
	p.mu.Lock()
	k, ok := p.index.Get(indexKey{owner: owner, gpa: hostarch.PageRoundDown(gpa)})
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	r := &p.records[k.slot]
	return r, r.Active()
}
