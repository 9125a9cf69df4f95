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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nptsandbox/pkg/hook"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/kimage"
)

const (
	userVA   = hostarch.Addr(0x10000)
	kernelVA = hostarch.Addr(0xffffa00000000000)
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	m, err := hv.New(hv.Config{GuestMemory: 8 << 20, HostMemory: 1 << 20, VCPUs: 1})
	if err != nil {
		t.Fatalf("hv.New failed: %v", err)
	}
	t.Cleanup(func() { m.Destroy() })
	k, err := NewKernel(m, Options{})
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	return k
}

func newTestProcess(t *testing.T, k *Kernel) *Process {
	t.Helper()
	p, err := k.CreateProcess("test.exe")
	if err != nil {
		t.Fatalf("CreateProcess failed: %v", err)
	}
	if err := p.Map(userVA, 2*hostarch.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	return p
}

func TestKernelImage(t *testing.T) {
	k := newTestKernel(t)
	if got := k.Machine().HostRoot(); got != k.SystemRoot() {
		t.Errorf("host root = %#x, want system root %#x", got, k.SystemRoot())
	}
	mod, ok := k.Module(KernelModule)
	if !ok {
		t.Fatalf("module %s not found", KernelModule)
	}
	r := k.ImageReader(mod)
	rva, err := kimage.Locate(r, CleanupSection, kimage.MustParsePattern(CleanupSignature))
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	target, err := kimage.ResolveRelative(r, rva, 1, 5)
	if err != nil {
		t.Fatalf("ResolveRelative failed: %v", err)
	}
	want, ok := k.Symbol(CleanupRoutine)
	if !ok {
		t.Fatalf("symbol %s not found", CleanupRoutine)
	}
	if got := mod.Base + hostarch.Addr(target); got != want {
		t.Errorf("resolved routine = %v, want %v", got, want)
	}
	code, err := k.ReadVirtual(k.SystemRoot(), want, len(cleanupPrologue))
	if err != nil {
		t.Fatalf("ReadVirtual failed: %v", err)
	}
	if diff := cmp.Diff(cleanupPrologue, code); diff != "" {
		t.Errorf("routine code mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessMemory(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	other := newTestProcess(t, k)

	if err := p.Write(userVA+hostarch.PageSize-2, []byte("abcd")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := p.Read(userVA+hostarch.PageSize-2, 4)
	if err != nil || string(got) != "abcd" {
		t.Errorf("Read = %q, %v, want abcd", got, err)
	}
	got, _ = other.Read(userVA+hostarch.PageSize-2, 4)
	if string(got) == "abcd" {
		t.Errorf("user memory shared between processes")
	}

	// Kernel mappings made after process creation are shared.
	if err := k.MapKernel(kernelVA, hostarch.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapKernel failed: %v", err)
	}
	if err := k.WriteVirtual(p.Root(), kernelVA, []byte("kern")); err != nil {
		t.Fatalf("WriteVirtual failed: %v", err)
	}
	got, err = other.Read(kernelVA, 4)
	if err != nil || string(got) != "kern" {
		t.Errorf("kernel read through other process = %q, %v, want kern", got, err)
	}

	gpa, err := k.Translate(p.Root(), userVA+0x123)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	pte, err := k.Entry(p.Root(), userVA+0x123)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if pte.Address() != hostarch.PageRoundDown(gpa) || !pte.IsUser() || !pte.NoExecute() {
		t.Errorf("Entry = %v, want user no-execute page at %#x", pte, hostarch.PageRoundDown(gpa))
	}
	if _, err := k.Translate(p.Root(), 0x7000000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate(unmapped) = %v, want %v", err, ErrNotMapped)
	}
	if _, err := k.Translate(k.SystemRoot(), userVA); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate(system root, user address) = %v, want %v", err, ErrNotMapped)
	}
	const noRoot = ^uint64(0) &^ (hostarch.PageSize - 1)
	if _, err := k.Translate(noRoot, userVA); !errors.Is(err, ErrNoProcess) {
		t.Errorf("Translate(bad root) = %v, want %v", err, ErrNoProcess)
	}
}

func TestLockModes(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	if err := k.MapKernel(kernelVA, hostarch.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("MapKernel failed: %v", err)
	}

	for _, tc := range []struct {
		name string
		addr hostarch.Addr
		mode PinMode
		err  error
	}{
		{name: "user page in user mode", addr: userVA, mode: UserMode},
		{name: "user page in kernel mode", addr: userVA + 0x10, mode: KernelMode},
		{name: "kernel page in kernel mode", addr: kernelVA, mode: KernelMode},
		{name: "kernel page in user mode", addr: kernelVA, mode: UserMode, err: ErrAccessDenied},
		{name: "unmapped", addr: 0x7000000, mode: KernelMode, err: ErrNotMapped},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, err := k.Lock(p.Root(), tc.addr, tc.mode)
			if !errors.Is(err, tc.err) {
				t.Fatalf("Lock = %v, want %v", err, tc.err)
			}
			if err != nil {
				return
			}
			gpa, _ := k.Translate(p.Root(), tc.addr)
			if got := k.Pins(gpa); got != 1 {
				t.Errorf("Pins = %d, want 1", got)
			}
			if got := p.LockedPages(); got != 1 {
				t.Errorf("LockedPages = %d, want 1", got)
			}
			if err := h.Unlock(); err != nil {
				t.Fatalf("Unlock failed: %v", err)
			}
			if err := h.Unlock(); !errors.Is(err, ErrNotLocked) {
				t.Errorf("second Unlock = %v, want %v", err, ErrNotLocked)
			}
			if got := k.Pins(gpa); got != 0 {
				t.Errorf("Pins after Unlock = %d, want 0", got)
			}
			if got := p.LockedPages(); got != 0 {
				t.Errorf("LockedPages after Unlock = %d, want 0", got)
			}
		})
	}
}

func TestTerminateWithLockedPages(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	c := k.Machine().VCPU(0)
	before := k.Machine().GuestFrames().InUse()

	h, err := k.Lock(p.Root(), userVA, UserMode)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := k.Terminate(c, p); !errors.Is(err, ErrProcessHasLockedPages) {
		t.Fatalf("Terminate with locked pages = %v, want %v", err, ErrProcessHasLockedPages)
	}
	if k.BugChecks() != 1 || p.Exited() {
		t.Errorf("BugChecks = %d, Exited = %v, want 1, false", k.BugChecks(), p.Exited())
	}

	h.Unlock()
	if err := k.Terminate(c, p); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if !p.Exited() {
		t.Errorf("process not reclaimed")
	}
	if got := k.Machine().GuestFrames().InUse(); got >= before {
		t.Errorf("guest frames in use = %d, want fewer than %d", got, before)
	}
	if c.Regs.CR3 != 0 {
		t.Errorf("CR3 not restored: %#x", c.Regs.CR3)
	}
}

func TestPatcherUsesSystemRoot(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	c := k.Machine().VCPU(1)
	c.Regs.CR3 = p.Root()
	target, _ := k.Symbol(CleanupRoutine)

	patcher := k.Patcher(c)
	code, err := patcher.ReadCode(target, CleanupPreserve)
	if err != nil {
		t.Fatalf("ReadCode failed: %v", err)
	}
	if diff := cmp.Diff(cleanupPrologue[:CleanupPreserve], code); diff != "" {
		t.Errorf("code mismatch (-want +got):\n%s", diff)
	}
	// User pages of p are not part of the system address space.
	if _, err := patcher.ReadCode(userVA, 1); !errors.Is(err, hv.ErrGuestFault) {
		t.Errorf("ReadCode(user page) = %v, want %v", err, hv.ErrGuestFault)
	}
	if c.Regs.CR3 != p.Root() {
		t.Errorf("CR3 after patch = %#x, want %#x", c.Regs.CR3, p.Root())
	}
}

func TestHookedCall(t *testing.T) {
	k := newTestKernel(t)
	p := newTestProcess(t, k)
	c := k.Machine().VCPU(0)
	target, _ := k.Symbol(CleanupRoutine)

	var seen []uint64
	handler := k.Hooks().Register(func(c *hv.VCPU, args []uint64, original hook.Routine) (uint64, error) {
		seen = append(seen, c.Regs.CR3)
		return original(c, args)
	})
	tr, err := hook.Install(k.Patcher(k.Machine().VCPU(1)), target, handler, CleanupPreserve)
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if diff := cmp.Diff(cleanupPrologue[:CleanupPreserve], tr.Preserved); diff != "" {
		t.Errorf("preserved mismatch (-want +got):\n%s", diff)
	}

	root := p.Root()
	if err := k.Terminate(c, p); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if diff := cmp.Diff([]uint64{root}, seen); diff != "" {
		t.Errorf("handler roots mismatch (-want +got):\n%s", diff)
	}
	if !p.Exited() {
		t.Errorf("original routine did not run")
	}

	if err := tr.Remove(); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := k.Call(c, target+1); !errors.Is(err, ErrNoRoutine) {
		t.Errorf("Call(no routine) = %v, want %v", err, ErrNoRoutine)
	}
}
