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

package config

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/nptsandbox/pkg/guest"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/sandbox"
)

func newFlagSet(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return testFlags
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nptctl.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t))
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Capacity:        sandbox.DefaultCapacity,
		GuestMemory:     hv.DefaultGuestMemory,
		HostMemory:      hv.DefaultHostMemory,
		VCPUs:           hv.DefaultVCPUs,
		MonitorEntry:    Address(guest.HookBase + 0x100000),
		HandoffRegister: "rax",
		CleanupModule:   guest.KernelModule,
		CleanupSection:  guest.CleanupSection,
		CleanupPattern:  guest.CleanupSignature,
		CleanupPreserve: guest.CleanupPreserve,
		LogFormat:       "text",
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, Default()); diff != "" {
		t.Errorf("Default mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlagSet(t,
		"--capacity=4",
		"--no-reuse",
		"--debug",
		"--vcpus=2",
		"--monitor-entry=0xfffff88000200000",
		"--handoff-register=R11",
	))
	if err != nil {
		t.Fatal(err)
	}
	if want := 4; c.Capacity != want {
		t.Errorf("Capacity=%v, want: %v", c.Capacity, want)
	}
	if !c.NoReuse || !c.Debug {
		t.Errorf("NoReuse=%v Debug=%v, want both true", c.NoReuse, c.Debug)
	}
	if want := 2; c.VCPUs != want {
		t.Errorf("VCPUs=%v, want: %v", c.VCPUs, want)
	}
	if want := Address(0xfffff88000200000); c.MonitorEntry != want {
		t.Errorf("MonitorEntry=%v, want: %v", c.MonitorEntry, want)
	}

	sc, err := c.SandboxConfig()
	if err != nil {
		t.Fatalf("SandboxConfig failed: %v", err)
	}
	want := sandbox.Config{
		Capacity:        4,
		NoReuse:         true,
		MonitorEntry:    hostarch.Addr(0xfffff88000200000),
		HandoffRegister: hv.R11,
	}
	if diff := cmp.Diff(want, sc); diff != "" {
		t.Errorf("SandboxConfig mismatch (-want +got):\n%s", diff)
	}
	if got := c.MachineConfig().VCPUs; got != 2 {
		t.Errorf("MachineConfig().VCPUs=%v, want: 2", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
capacity = 16
vcpus = 8
monitor_entry = "0xfffff88000300000"
handoff_register = "rbx"
cleanup_preserve = 16
lock_host_memory = true
`)
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	want := Default()
	want.Capacity = 16
	want.VCPUs = 8
	want.MonitorEntry = 0xfffff88000300000
	want.HandoffRegister = "rbx"
	want.CleanupPreserve = 16
	want.LockHostMemory = true
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if !c.GuestOptions().LockHostMemory {
		t.Errorf("GuestOptions().LockHostMemory=false, want true")
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "capacity = 10\nvcpus = 2\n")
	c, err := NewFromFlags(newFlagSet(t, "--config", path, "--capacity=20"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Capacity != 20 || c.VCPUs != 2 {
		t.Errorf("Capacity=%d VCPUs=%d, want 20 and 2", c.Capacity, c.VCPUs)
	}
}

func TestWriteTOML(t *testing.T) {
	c := Default()
	c.Capacity = 4
	c.Debug = true
	var buf bytes.Buffer
	if err := c.WriteTOML(&buf); err != nil {
		t.Fatalf("WriteTOML failed: %v", err)
	}
	got, err := LoadFile(writeFile(t, buf.String()))
	if err != nil {
		t.Fatalf("LoadFile of %q failed: %v", buf.String(), err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		file string
	}{
		{name: "capacity", args: []string{"--capacity=0"}},
		{name: "vcpus", args: []string{"--vcpus=-1"}},
		{name: "unaligned memory", args: []string{"--guest-memory=4097"}},
		{name: "register", args: []string{"--handoff-register=rip"}},
		{name: "pattern", args: []string{"--cleanup-pattern=?? E8"}},
		{name: "log format", args: []string{"--log-format=xml"}},
		{name: "unknown key", file: "bogus = 1\n"},
		{name: "bad address", file: "monitor_entry = \"kernel\"\n"},
		{name: "missing file", args: []string{"--config=/nonexistent/nptctl.toml"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			args := tc.args
			if tc.file != "" {
				args = append(args, "--config="+writeFile(t, tc.file))
			}
			if c, err := NewFromFlags(newFlagSet(t, args...)); err == nil {
				t.Errorf("NewFromFlags(%v) = %+v, want error", args, c)
			}
		})
	}
}
