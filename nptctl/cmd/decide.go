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
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/nptsandbox/nptctl/config"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/sandbox"
)

// Decide implements subcommands.Command for the "decide" command.
type Decide struct {
	cr3        config.Address
	activeRoot config.Address
	rip        config.Address
}

// Name implements subcommands.Command.Name.
func (*Decide) Name() string {
	return "decide"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decide) Synopsis() string {
	return "print the redirection decision for a guest state"
}

// Usage implements subcommands.Command.Usage.
func (*Decide) Usage() string {
	return `decide -cr3=<root> -active-root=<root> -rip=<address> - print the redirection decision.

The guest is in kernel context when the root loaded on the logical CPU is the
guest's own CR3.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Decide) SetFlags(f *flag.FlagSet) {
	f.Var(&d.cr3, "cr3", "guest CR3 saved on VM exit.")
	f.Var(&d.activeRoot, "active-root", "root loaded on the logical CPU.")
	f.Var(&d.rip, "rip", "guest RIP saved on VM exit.")
}

// Execute implements subcommands.Command.Execute.
func (d *Decide) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	d.print(os.Stdout)
	return subcommands.ExitSuccess
}

// print writes the decision line for d to w.
func (d *Decide) print(w io.Writer) {
	kernel := d.cr3 == d.activeRoot
	rip := hostarch.Addr(d.rip)

	mode := "user"
	if kernel {
		mode = "kernel"
	}
	decision := "continue"
	if sandbox.Unexpected(kernel, rip) {
		decision = "redirect"
	}
	fmt.Fprintf(w, "%s context, rip %v in %s half: %s\n", mode, rip, rip.Half(), decision)
}
