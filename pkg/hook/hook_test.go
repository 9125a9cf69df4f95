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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
)

// fakeCode is a flat code buffer starting at base.
type fakeCode struct {
	base   hostarch.Addr
	code   []byte
	writes int
}

func (f *fakeCode) ReadCode(addr hostarch.Addr, n int) ([]byte, error) {
	off := int(addr - f.base)
	if off < 0 || off+n > len(f.code) {
		return nil, errors.New("out of range")
	}
	return append([]byte(nil), f.code[off:off+n]...), nil
}

func (f *fakeCode) WriteCode(addr hostarch.Addr, code []byte) error {
	off := int(addr - f.base)
	if off < 0 || off+len(code) > len(f.code) {
		return errors.New("out of range")
	}
	copy(f.code[off:], code)
	f.writes++
	return nil
}

var prologue = []byte{
	0x48, 0x89, 0x5c, 0x24, 0x08, // mov [rsp+8], rbx
	0x48, 0x89, 0x6c, 0x24, 0x10, // mov [rsp+16], rbp
	0x48, 0x89, 0x74, 0x24, 0x18, // mov [rsp+24], rsi
	0x57,                         // push rdi
	0xc3,                         // ret
}

func TestEncodeDecode(t *testing.T) {
	stub := Encode(0xfffff88000001230)
	if len(stub) != StubSize {
		t.Fatalf("stub size = %d, want %d", len(stub), StubSize)
	}
	got, ok := Decode(stub)
	if !ok || got != 0xfffff88000001230 {
		t.Errorf("Decode = %v, %v, want 0xfffff88000001230, true", got, ok)
	}
	if _, ok := Decode(prologue); ok {
		t.Errorf("Decode(prologue) succeeded")
	}
	if _, ok := Decode(stub[:StubSize-1]); ok {
		t.Errorf("Decode(short) succeeded")
	}
}

func TestInstallRemove(t *testing.T) {
	f := &fakeCode{base: 0x1000, code: append([]byte(nil), prologue...)}
	const handler = hostarch.Addr(0xfffff88000000000)

	if _, err := Install(f, 0x1000, handler, StubSize-1); !errors.Is(err, ErrShortPreserve) {
		t.Fatalf("Install with short preserve = %v, want %v", err, ErrShortPreserve)
	}

	tr, err := Install(f, 0x1000, handler, 15)
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if diff := cmp.Diff(prologue[:15], tr.Preserved); diff != "" {
		t.Errorf("preserved mismatch (-want +got):\n%s", diff)
	}
	if got, ok := Decode(f.code); !ok || got != handler {
		t.Errorf("patched code decodes to %v, %v, want %v", got, ok, handler)
	}
	if f.code[StubSize] != nop {
		t.Errorf("pad byte = %#x, want nop", f.code[StubSize])
	}
	if f.code[15] != 0x57 {
		t.Errorf("byte after preserved range changed: %#x", f.code[15])
	}

	if err := tr.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if diff := cmp.Diff(prologue, f.code); diff != "" {
		t.Errorf("code after Remove mismatch (-want +got):\n%s", diff)
	}
	if err := tr.Remove(); !errors.Is(err, ErrRemoved) {
		t.Errorf("second Remove = %v, want %v", err, ErrRemoved)
	}
	if f.writes != 2 {
		t.Errorf("writes = %d, want 2", f.writes)
	}
}

func TestTable(t *testing.T) {
	tab := NewTable(0xfffff88000000000)
	var calls []string
	a := tab.Register(func(c *hv.VCPU, args []uint64, original Routine) (uint64, error) {
		calls = append(calls, "a")
		return original(c, args)
	})
	b := tab.Register(func(c *hv.VCPU, args []uint64, original Routine) (uint64, error) {
		calls = append(calls, "b")
		return 0, nil
	})
	if a == b {
		t.Fatalf("Register returned the same address twice: %v", a)
	}

	h, ok := tab.Lookup(a)
	if !ok {
		t.Fatalf("Lookup(%v) failed", a)
	}
	ret, err := h(nil, []uint64{7}, func(c *hv.VCPU, args []uint64) (uint64, error) {
		calls = append(calls, "original")
		return args[0] * 2, nil
	})
	if err != nil || ret != 14 {
		t.Errorf("handler returned %d, %v, want 14, nil", ret, err)
	}
	if diff := cmp.Diff([]string{"a", "original"}, calls); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	tab.Unregister(b)
	if _, ok := tab.Lookup(b); ok {
		t.Errorf("Lookup after Unregister succeeded")
	}
}
