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

// Package guest models the guest operating system kernel that page
// isolation runs against: a system address space shared into every process,
// a loaded kernel image, user processes, page locking and process teardown.
package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"gvisor.dev/nptsandbox/pkg/cleanup"
	"gvisor.dev/nptsandbox/pkg/hook"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/kimage"
	"gvisor.dev/nptsandbox/pkg/log"
	"gvisor.dev/nptsandbox/pkg/pagetables"
)

var (
	// ErrNotMapped is returned when a virtual address has no translation.
	ErrNotMapped = errors.New("virtual address not mapped")

	// ErrAccessDenied is returned when a lock request is not permitted in
	// the requested mode.
	ErrAccessDenied = errors.New("access denied")

	// ErrProcessHasLockedPages is the bugcheck raised when a process
	// address space is reclaimed while some of its pages are locked.
	ErrProcessHasLockedPages = errors.New("PROCESS_HAS_LOCKED_PAGES")

	// ErrNotLocked is returned when unlocking a handle twice.
	ErrNotLocked = errors.New("pages not locked")

	// ErrNoProcess is returned for roots that name no address space.
	ErrNoProcess = errors.New("no such address space")

	// ErrNoRoutine is returned when calling an address with no code.
	ErrNoRoutine = errors.New("no routine at address")
)

// Kernel layout.
const (
	// KernelBase is where the kernel image is loaded.
	KernelBase hostarch.Addr = 0xfffff80000000000

	// HookBase is the start of the region where hook handler addresses
	// are handed out.
	HookBase hostarch.Addr = 0xfffff88000000000

	// KernelModule is the kernel image module name.
	KernelModule = "ntoskrnl.exe"

	// CleanupSection is the image section holding the process address
	// space cleanup routine.
	CleanupSection = "PAGE"

	// CleanupSignature matches the call site of the cleanup routine.
	// The routine is the target of the leading rel32 call.
	CleanupSignature = "E8 ?? ?? ?? ?? 33 D2 48 8D 4C 24 ?? E8 ?? ?? ?? ?? 4C 39 BE"

	// CleanupRoutine is the symbol name of the cleanup routine.
	CleanupRoutine = "MmCleanProcessAddressSpace"
)

// Offsets inside the PAGE section of the synthesized image.
const (
	callSiteOffset = 0x100
	cleanupOffset  = 0x400
	helperOffset   = 0x600
)

// cleanupPrologue is the start of the cleanup routine. Hooks preserve a
// prefix of it that ends on an instruction boundary.
var cleanupPrologue = []byte{
	// mov [rsp+8], rbx
	0x48, 0x89, 0x5c, 0x24, 0x08,
	// mov [rsp+16], rbp
	0x48, 0x89, 0x6c, 0x24, 0x10,
	// mov [rsp+24], rsi
	0x48, 0x89, 0x74, 0x24, 0x18,
	// push rdi
	0x57,
	// sub rsp, 32
	0x48, 0x83, 0xec, 0x20,
	// ret
	0xc3,
}

// CleanupPreserve is the instruction aligned prologue length that covers a
// jump stub.
const CleanupPreserve = 15

// Module is a loaded kernel module.
type Module struct {
	Name string
	Base hostarch.Addr
	Size uint64
}

// Options configure a Kernel.
type Options struct {
	// LockHostMemory also locks the host pages backing locked guest
	// pages.
	LockHostMemory bool
}

// Kernel is the guest kernel.
type Kernel struct {
	m      *hv.Machine
	opts   Options
	system *pagetables.PageTables
	hooks  *hook.Table

	// mu protects the fields below.
	mu        sync.Mutex
	processes map[uint64]*Process
	modules   map[string]Module
	symbols   map[string]hostarch.Addr
	routines  map[hostarch.Addr]hook.Routine
	pins      map[uint64]int
	nextPID   int
	bugchecks int
}

// NewKernel boots a kernel on m. The system address space becomes the
// machine's host root.
func NewKernel(m *hv.Machine, opts Options) (*Kernel, error) {
	system, err := pagetables.New(m.GuestAllocator())
	if err != nil {
		return nil, fmt.Errorf("creating system address space: %w", err)
	}
	if err := system.PrepareUpper(); err != nil {
		return nil, fmt.Errorf("creating system address space: %w", err)
	}
	k := &Kernel{
		m:         m,
		opts:      opts,
		system:    system,
		hooks:     hook.NewTable(HookBase),
		processes: make(map[uint64]*Process),
		modules:   make(map[string]Module),
		symbols:   make(map[string]hostarch.Addr),
		routines:  make(map[hostarch.Addr]hook.Routine),
		pins:      make(map[uint64]int),
		nextPID:   4,
	}
	m.SetHostRoot(system.Root())

	image, err := buildImage()
	if err != nil {
		return nil, err
	}
	if err := k.MapKernel(KernelBase, uint64(len(image)), hostarch.ReadExecute); err != nil {
		return nil, fmt.Errorf("loading %s: %w", KernelModule, err)
	}
	if err := k.WriteVirtual(system.Root(), KernelBase, image); err != nil {
		return nil, fmt.Errorf("loading %s: %w", KernelModule, err)
	}
	k.modules[KernelModule] = Module{Name: KernelModule, Base: KernelBase, Size: uint64(len(image))}

	page, err := kimage.FindSection(k.ImageReader(k.modules[KernelModule]), CleanupSection)
	if err != nil {
		return nil, err
	}
	cleanupAddr := KernelBase + hostarch.Addr(page.VirtualAddress) + cleanupOffset
	k.symbols[CleanupRoutine] = cleanupAddr
	k.routines[cleanupAddr] = k.cleanProcessAddressSpace

	log.Infof("Kernel booted: system root %#x, %s at %v", system.Root(), KernelModule, KernelBase)
	return k, nil
}

// buildImage synthesizes the kernel image.
func buildImage() ([]byte, error) {
	text := []byte{0xc3}

	page := make([]byte, hostarch.PageSize)
	for i := range page {
		page[i] = 0xcc
	}
	callSite := []byte{
		// call MmCleanProcessAddressSpace
		0xe8, 0, 0, 0, 0,
		// xor edx, edx
		0x33, 0xd2,
		// lea rcx, [rsp+0x40]
		0x48, 0x8d, 0x4c, 0x24, 0x40,
		// call helper
		0xe8, 0, 0, 0, 0,
		// cmp [rsi+0x410], r15
		0x4c, 0x39, 0xbe, 0x10, 0x04, 0x00, 0x00,
	}
	binary.LittleEndian.PutUint32(callSite[1:], uint32(cleanupOffset-(callSiteOffset+5)))
	binary.LittleEndian.PutUint32(callSite[13:], uint32(helperOffset-(callSiteOffset+17)))
	copy(page[callSiteOffset:], callSite)
	copy(page[cleanupOffset:], cleanupPrologue)
	page[helperOffset] = 0xc3

	return kimage.Build(uint64(KernelBase),
		kimage.SectionSpec{Name: ".text", Data: text, Characteristics: kimage.Code},
		kimage.SectionSpec{Name: CleanupSection, Data: page, Characteristics: kimage.Code},
	)
}

// Machine returns the machine the kernel runs on.
func (k *Kernel) Machine() *hv.Machine {
	return k.m
}

// SystemRoot returns the root of the system address space.
func (k *Kernel) SystemRoot() uint64 {
	return k.system.Root()
}

// Hooks returns the hook handler table.
func (k *Kernel) Hooks() *hook.Table {
	return k.hooks
}

// Patcher returns a patcher for kernel code. Patches are hypercalls issued
// on c from the system address space, since kernel code is read-only to the
// guest. c must not run guest code while a patch is in progress.
func (k *Kernel) Patcher(c *hv.VCPU) hook.Patcher {
	return systemPatcher{root: k.system.Root(), c: c}
}

// systemPatcher enters the system address space on c around each patch.
type systemPatcher struct {
	root uint64
	c    *hv.VCPU
}

func (p systemPatcher) enter() (restore func()) {
	saved := p.c.Regs.CR3
	p.c.Regs.CR3 = p.root
	return func() { p.c.Regs.CR3 = saved }
}

// ReadCode implements hook.Patcher.ReadCode.
func (p systemPatcher) ReadCode(addr hostarch.Addr, n int) ([]byte, error) {
	defer p.enter()()
	return hv.CodePatcher{VCPU: p.c}.ReadCode(addr, n)
}

// WriteCode implements hook.Patcher.WriteCode.
func (p systemPatcher) WriteCode(addr hostarch.Addr, code []byte) error {
	defer p.enter()()
	return hv.CodePatcher{VCPU: p.c}.WriteCode(addr, code)
}

// Module looks up a loaded module by name.
func (k *Kernel) Module(name string) (Module, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	mod, ok := k.modules[name]
	return mod, ok
}

// Symbol looks up a kernel symbol.
func (k *Kernel) Symbol(name string) (hostarch.Addr, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	addr, ok := k.symbols[name]
	return addr, ok
}

// ImageReader returns a reader over the loaded image of mod. Offsets are
// relative virtual addresses.
func (k *Kernel) ImageReader(mod Module) io.ReaderAt {
	return &imageReader{k: k, mod: mod}
}

type imageReader struct {
	k   *Kernel
	mod Module
}

// ReadAt implements io.ReaderAt.ReadAt.
func (r *imageReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= r.mod.Size {
		return 0, io.EOF
	}
	n := min(uint64(len(p)), r.mod.Size-uint64(off))
	data, err := r.k.ReadVirtual(r.k.system.Root(), r.mod.Base+hostarch.Addr(off), int(n))
	if err != nil {
		return 0, err
	}
	copy(p, data)
	if int(n) < len(p) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// tablesFor returns the tables for root, and the owning process unless
// root is the system root.
//
// Precondition: k.mu must be held.
func (k *Kernel) tablesFor(root uint64) (*pagetables.PageTables, *Process, error) {
	if root == k.system.Root() {
		return k.system, nil, nil
	}
	p, ok := k.processes[root]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %#x", ErrNoProcess, root)
	}
	return p.tables, p, nil
}

// mapFrames backs [addr, addr+length) of pt with fresh guest frames. The
// allocated frames are returned.
func (k *Kernel) mapFrames(pt *pagetables.PageTables, addr hostarch.Addr, length uint64, opts pagetables.MapOpts) ([]uint64, error) {
	if !addr.IsPageAligned() {
		return nil, fmt.Errorf("unaligned address %v", addr)
	}
	frames := k.m.GuestFrames()
	var allocated []uint64
	cu := cleanup.Make(func() {
		pt.Unmap(addr, uintptr(hostarch.PagesIn(length)*hostarch.PageSize))
		for _, f := range allocated {
			frames.Free(f)
		}
	})
	defer cu.Clean()
	for i := uint64(0); i < hostarch.PagesIn(length); i++ {
		f, err := frames.Allocate()
		if err != nil {
			return nil, err
		}
		allocated = append(allocated, f)
		if _, err := pt.Map(addr+hostarch.Addr(i*hostarch.PageSize), hostarch.PageSize, opts, f); err != nil {
			return nil, err
		}
	}
	cu.Release()
	return allocated, nil
}

// MapKernel backs a kernel range with fresh frames. The range is visible
// in every address space.
func (k *Kernel) MapKernel(addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	if !addr.IsKernel() {
		return fmt.Errorf("%v is not a kernel address", addr)
	}
	_, err := k.mapFrames(k.system, addr, length, pagetables.MapOpts{AccessType: at, Global: true})
	return err
}

// access copies between buf and guest virtual memory of root, page by
// page. Guest protections are not checked.
func (k *Kernel) access(root uint64, addr hostarch.Addr, buf []byte, write bool) error {
	k.mu.Lock()
	pt, _, err := k.tablesFor(root)
	k.mu.Unlock()
	if err != nil {
		return err
	}
	mem := k.m.Memory()
	for done := 0; done < len(buf); {
		va := addr + hostarch.Addr(done)
		gpa, _, ok := pt.Lookup(va)
		if !ok {
			return fmt.Errorf("%w: %v", ErrNotMapped, va)
		}
		n := min(len(buf)-done, int(hostarch.PageSize-va.PageOffset()))
		b, err := mem.DirectMap(gpa, uint64(n))
		if err != nil {
			return err
		}
		if write {
			copy(b, buf[done:done+n])
		} else {
			copy(buf[done:done+n], b)
		}
		done += n
	}
	return nil
}

// ReadVirtual reads n bytes at addr in the address space rooted at root.
func (k *Kernel) ReadVirtual(root uint64, addr hostarch.Addr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := k.access(root, addr, buf, false); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteVirtual writes data at addr in the address space rooted at root.
func (k *Kernel) WriteVirtual(root uint64, addr hostarch.Addr, data []byte) error {
	return k.access(root, addr, data, true)
}

// Translate returns the guest physical address of addr in the address
// space rooted at root.
func (k *Kernel) Translate(root uint64, addr hostarch.Addr) (uint64, error) {
	k.mu.Lock()
	pt, _, err := k.tablesFor(root)
	k.mu.Unlock()
	if err != nil {
		return 0, err
	}
	gpa, _, ok := pt.Lookup(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %v in %#x", ErrNotMapped, addr, root)
	}
	return gpa, nil
}

// Entry returns the 4K page table entry for addr in the address space
// rooted at root. A large page covering addr is split first.
func (k *Kernel) Entry(root uint64, addr hostarch.Addr) (*pagetables.PTE, error) {
	k.mu.Lock()
	pt, _, err := k.tablesFor(root)
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pte, _, ok := pt.LookupEntry(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %v in %#x", ErrNotMapped, addr, root)
	}
	if pte.IsSuper() {
		return pt.Entry(addr)
	}
	return pte, nil
}

// Call runs the routine at addr on c. If the routine is hooked, its handler
// runs instead and may fall through to the original routine.
func (k *Kernel) Call(c *hv.VCPU, addr hostarch.Addr, args ...uint64) (uint64, error) {
	code, err := k.ReadVirtual(k.system.Root(), addr, hook.StubSize)
	if err != nil {
		return 0, err
	}
	k.mu.Lock()
	original, ok := k.routines[addr]
	k.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrNoRoutine, addr)
	}
	if target, ok := hook.Decode(code); ok {
		h, ok := k.hooks.Lookup(target)
		if !ok {
			return 0, fmt.Errorf("%w: %v jumps to %v", ErrNoRoutine, addr, target)
		}
		return h(c, args, original)
	}
	return original(c, args)
}

// BugChecks returns the number of bugchecks raised so far.
func (k *Kernel) BugChecks() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.bugchecks
}
