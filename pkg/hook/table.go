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

package hook

import (
	"sync"

	"gvisor.dev/nptsandbox/pkg/hostarch"
)

// slotSize is the spacing of handler addresses.
const slotSize = 16

// Table maps handler addresses to handlers. Addresses are handed out from a
// region reserved for hypervisor provided code.
type Table struct {
	mu       sync.RWMutex
	next     hostarch.Addr
	handlers map[hostarch.Addr]Handler
}

// NewTable returns a table handing out addresses from base.
func NewTable(base hostarch.Addr) *Table {
	return &Table{
		next:     base,
		handlers: make(map[hostarch.Addr]Handler),
	}
}

// Register adds h and returns its address.
func (t *Table) Register(h Handler) hostarch.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := t.next
	t.next += slotSize
	t.handlers[addr] = h
	return addr
}

// Unregister removes the handler at addr.
func (t *Table) Unregister(addr hostarch.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, addr)
}

// Lookup returns the handler at addr.
func (t *Table) Lookup(addr hostarch.Addr) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[addr]
	return h, ok
}
