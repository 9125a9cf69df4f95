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

// Package hook implements inline interception of guest kernel routines.
//
// A hook overwrites the first bytes of a routine with an absolute indirect
// jump to a handler:
//
//	FF 25 00 00 00 00    jmp qword ptr [rip+0]
//	xx xx xx xx xx xx xx xx    handler address
//
// The overwritten bytes are preserved so the handler can fall through to the
// original routine, and so the hook can be removed.
package hook

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/log"
)

// StubSize is the size of the jump stub.
const StubSize = 14

// nop pads the stub up to the preserved length.
const nop = 0x90

var jmpPrefix = []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}

var (
	// ErrShortPreserve is returned when fewer than StubSize bytes would be
	// preserved.
	ErrShortPreserve = errors.New("preserved length shorter than jump stub")

	// ErrRemoved is returned when removing a hook twice.
	ErrRemoved = errors.New("hook already removed")
)

// Routine is guest kernel code, modelled as a Go function.
type Routine func(c *hv.VCPU, args []uint64) (uint64, error)

// Handler is a hook handler. original runs the routine as if unhooked.
type Handler func(c *hv.VCPU, args []uint64, original Routine) (uint64, error)

// Patcher reads and writes guest code.
type Patcher interface {
	ReadCode(addr hostarch.Addr, n int) ([]byte, error)
	WriteCode(addr hostarch.Addr, code []byte) error
}

// Encode returns the jump stub for handler.
func Encode(handler hostarch.Addr) []byte {
	stub := make([]byte, StubSize)
	copy(stub, jmpPrefix)
	binary.LittleEndian.PutUint64(stub[len(jmpPrefix):], uint64(handler))
	return stub
}

// Decode returns the jump target if code starts with a jump stub.
func Decode(code []byte) (hostarch.Addr, bool) {
	if len(code) < StubSize || !bytes.HasPrefix(code, jmpPrefix) {
		return 0, false
	}
	return hostarch.Addr(binary.LittleEndian.Uint64(code[len(jmpPrefix):])), true
}

// Trampoline is an installed hook.
type Trampoline struct {
	// Target is the hooked routine.
	Target hostarch.Addr

	// Handler is the address the stub jumps to.
	Handler hostarch.Addr

	// Preserved holds the overwritten bytes.
	Preserved []byte

	patcher Patcher

	mu      sync.Mutex
	removed bool
}

// Install hooks target, preserving n bytes of original code. n must be at
// least StubSize and should end on an instruction boundary.
func Install(p Patcher, target, handler hostarch.Addr, n int) (*Trampoline, error) {
	if n < StubSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortPreserve, n, StubSize)
	}
	orig, err := p.ReadCode(target, n)
	if err != nil {
		return nil, fmt.Errorf("reading original code at %v: %w", target, err)
	}
	code := bytes.Repeat([]byte{nop}, n)
	copy(code, Encode(handler))
	if err := p.WriteCode(target, code); err != nil {
		return nil, fmt.Errorf("writing stub at %v: %w", target, err)
	}
	log.Infof("Hooked %v -> %v (%d bytes preserved)", target, handler, n)
	return &Trampoline{
		Target:    target,
		Handler:   handler,
		Preserved: orig,
		patcher:   p,
	}, nil
}

// Remove restores the preserved bytes.
func (t *Trampoline) Remove() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return ErrRemoved
	}
	if err := t.patcher.WriteCode(t.Target, t.Preserved); err != nil {
		return fmt.Errorf("restoring code at %v: %w", t.Target, err)
	}
	t.removed = true
	log.Infof("Unhooked %v", t.Target)
	return nil
}
