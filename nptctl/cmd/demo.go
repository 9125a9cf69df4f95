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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/nptsandbox/nptctl/cmd/util"
	"gvisor.dev/nptsandbox/nptctl/config"
	"gvisor.dev/nptsandbox/pkg/guest"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/log"
	"gvisor.dev/nptsandbox/pkg/sandbox"
)

// demoVA is where demo processes map their code.
const demoVA = hostarch.Addr(0x400000)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	concurrent bool
	pages      int
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "isolate, release and tear down pages of a modelled guest"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [flags] - isolate, release and tear down pages of a modelled guest.

By default two processes take turns: a page of the first is isolated and
released, a page of the second is isolated, and both processes exit. With
-concurrent, one process per vCPU isolates its pages in parallel before all
of them exit. Records are printed after isolation and after teardown.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.concurrent, "concurrent", false, "isolate pages on every vCPU concurrently.")
	f.IntVar(&d.pages, "pages", 4, "number of code pages per process.")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || d.pages <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := d.run(ctx, conf, os.Stdout); err != nil {
		return util.Errorf("demo failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// demo is a booted machine and guest with a sandbox.
type demo struct {
	m  *hv.Machine
	k  *guest.Kernel
	s  *sandbox.Sandbox
	td *sandbox.Teardown
	w  io.Writer
}

func (d *Demo) run(ctx context.Context, conf *config.Config, w io.Writer) error {
	m, err := hv.New(conf.MachineConfig())
	if err != nil {
		return err
	}
	defer m.Destroy()
	k, err := guest.NewKernel(m, conf.GuestOptions())
	if err != nil {
		return err
	}
	sc, err := conf.SandboxConfig()
	if err != nil {
		return err
	}
	s, err := sandbox.New(m, k, sc)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warningf("Closing sandbox: %v", err)
		}
	}()

	td, err := s.InstallTeardown(conf.TeardownConfig(k, m.VCPU(0)))
	if err != nil {
		log.Warningf("Continuing without teardown synchronization: %v", err)
	}
	dm := &demo{m: m, k: k, s: s, td: td, w: w}
	if d.concurrent {
		err = dm.concurrent(ctx, d.pages)
	} else {
		err = dm.sequential(d.pages)
	}
	if err != nil {
		return err
	}
	st := s.Stats()
	fmt.Fprintf(w, "isolations %d, releases %d, failures %d, teardowns %d, active %d\n",
		st.Isolations, st.Releases, st.Failures, st.Teardowns, st.Active)
	return nil
}

// sequential runs two processes through isolation, release and teardown.
func (dm *demo) sequential(pages int) error {
	a, err := dm.spawn("a.exe", pages)
	if err != nil {
		return err
	}
	b, err := dm.spawn("b.exe", pages)
	if err != nil {
		return err
	}
	c := dm.m.VCPU(0)

	c.Regs.CR3 = a.Root()
	r, err := dm.s.Isolate(c, demoVA, 1)
	if err != nil {
		return err
	}
	if err := dm.verify(a, r); err != nil {
		return err
	}
	if err := dm.print("isolated in " + a.String()); err != nil {
		return err
	}
	if err := dm.s.Release(r); err != nil {
		return err
	}

	c.Regs.CR3 = b.Root()
	if _, err := dm.s.Isolate(c, demoVA, 2); err != nil {
		return err
	}
	if err := dm.print("isolated in " + b.String()); err != nil {
		return err
	}

	for _, p := range []*guest.Process{a, b} {
		if err := dm.terminate(c, p); err != nil {
			return err
		}
	}
	return dm.print("after teardown")
}

// concurrent isolates pages of one process per vCPU in parallel, then
// terminates every process in parallel.
func (dm *demo) concurrent(ctx context.Context, pages int) error {
	vCPUs := dm.m.VCPUs()
	procs := make([]*guest.Process, len(vCPUs))
	for i := range procs {
		p, err := dm.spawn(fmt.Sprintf("worker%d.exe", i), pages)
		if err != nil {
			return err
		}
		procs[i] = p
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range vCPUs {
		p := procs[i]
		g.Go(func() error {
			c.Regs.CR3 = p.Root()
			for j := 0; j < pages; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				va := demoVA + hostarch.Addr(j*hostarch.PageSize)
				r, err := dm.s.Isolate(c, va, uint32(j))
				if err != nil {
					return err
				}
				if err := dm.verify(p, r); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := dm.print("isolated on every vCPU"); err != nil {
		return err
	}

	g = new(errgroup.Group)
	for i, c := range vCPUs {
		p := procs[i]
		g.Go(func() error {
			return dm.terminate(c, p)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return dm.print("after teardown")
}

// spawn creates a process with pages of code at demoVA.
func (dm *demo) spawn(name string, pages int) (*guest.Process, error) {
	p, err := dm.k.CreateProcess(name)
	if err != nil {
		return nil, err
	}
	length := uint64(pages) * hostarch.PageSize
	if err := p.Map(demoVA, length, hostarch.ReadExecute); err != nil {
		return nil, err
	}
	code := bytes.Repeat([]byte{0x90}, int(length))
	for i := hostarch.PageSize - 1; i < len(code); i += hostarch.PageSize {
		code[i] = 0xc3
	}
	if err := p.Write(demoVA, code); err != nil {
		return nil, err
	}
	return p, nil
}

// verify checks that the shadow of r holds the page it isolates.
func (dm *demo) verify(p *guest.Process, r *sandbox.Record) error {
	want, err := p.Read(r.GuestVirtual(), hostarch.PageSize)
	if err != nil {
		return err
	}
	got, err := dm.m.Memory().DirectMap(r.Shadow(), hostarch.PageSize)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("shadow %#x of %v differs from the guest page", r.Shadow(), r)
	}
	return nil
}

// terminate exits p on c. Without teardown synchronization, records of p
// are released first so the guest does not bugcheck.
func (dm *demo) terminate(c *hv.VCPU, p *guest.Process) error {
	if dm.td == nil {
		for r := range dm.s.Owned(p.Root()) {
			if err := dm.s.Release(r); err != nil {
				return err
			}
		}
	}
	c.Regs.CR3 = dm.k.SystemRoot()
	return dm.k.Terminate(c, p)
}

// print writes a table of active records.
func (dm *demo) print(title string) error {
	fmt.Fprintf(dm.w, "== %s\n", title)
	tw := tabwriter.NewWriter(dm.w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SLOT\tTAG\tOWNER\tGPA\tVA\tSHADOW\n")
	for r := range dm.s.All() {
		fmt.Fprintf(tw, "%d\t%d\t%#x\t%#x\t%v\t%#x\n", r.Slot(), r.Tag(), r.Owner(), r.GuestPhysical(), r.GuestVirtual(), r.Shadow())
	}
	return tw.Flush()
}
