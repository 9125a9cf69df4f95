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
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/nptsandbox/nptctl/cmd/util"
	"gvisor.dev/nptsandbox/nptctl/config"
	"gvisor.dev/nptsandbox/pkg/kimage"
)

// Scan implements subcommands.Command for the "scan" command.
type Scan struct {
	section string
	pattern string
}

// Name implements subcommands.Command.Name.
func (*Scan) Name() string {
	return "scan"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scan) Synopsis() string {
	return "search a PE image on disk for a byte pattern"
}

// Usage implements subcommands.Command.Usage.
func (*Scan) Usage() string {
	return `scan [flags] <image> - search a PE image on disk for a byte pattern.

Without flags, the image is searched for the process cleanup call site that
the teardown hook is located with.

EXAMPLE:
    $ nptctl scan -section=.text -pattern="48 8B ?? 24" ntoskrnl.exe
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scan) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.section, "section", "", "section to search, default is the configured cleanup section. \"*\" searches every section.")
	f.StringVar(&s.pattern, "pattern", "", "pattern to search for, default is the configured cleanup pattern.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scan) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	section, pattern := s.section, s.pattern
	switch section {
	case "":
		section = conf.CleanupSection
	case "*":
		section = ""
	}
	if pattern == "" {
		pattern = conf.CleanupPattern
	}

	p, err := kimage.ParsePattern(pattern)
	if err != nil {
		return util.Errorf("%v", err)
	}
	matches, err := kimage.ScanFile(f.Arg(0), section, p)
	if err != nil {
		return util.Errorf("scanning %q: %v", f.Arg(0), err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SECTION\tRVA\n")
	for _, m := range matches {
		fmt.Fprintf(tw, "%s\t%#x\n", m.Section, m.RVA)
	}
	if err := tw.Flush(); err != nil {
		return util.Errorf("writing matches: %v", err)
	}
	return subcommands.ExitSuccess
}
