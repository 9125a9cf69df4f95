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

// Package config provides basic infrastructure to set configuration settings
// for nptctl. Settings come from a TOML file and command line flags, with
// flags explicitly set on the command line taking precedence.
package config

import (
	"flag"
	"fmt"
	"io"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/nptsandbox/pkg/guest"
	"gvisor.dev/nptsandbox/pkg/hostarch"
	"gvisor.dev/nptsandbox/pkg/hv"
	"gvisor.dev/nptsandbox/pkg/kimage"
	"gvisor.dev/nptsandbox/pkg/log"
	"gvisor.dev/nptsandbox/pkg/sandbox"
)

// Config holds configuration that is not part of the guest itself.
//
// Fields with a flag tag are populated by NewFromFlags. Fields with a toml
// tag are read from the configuration file.
type Config struct {
	// Capacity is the number of page records.
	Capacity int `toml:"capacity" flag:"capacity"`

	// NoReuse disables reuse of released record slots.
	NoReuse bool `toml:"no_reuse" flag:"no-reuse"`

	// GuestMemory is the size of guest physical memory.
	GuestMemory uint64 `toml:"guest_memory" flag:"guest-memory"`

	// HostMemory is the size of the hypervisor region.
	HostMemory uint64 `toml:"host_memory" flag:"host-memory"`

	// VCPUs is the number of virtual CPUs.
	VCPUs int `toml:"vcpus" flag:"vcpus"`

	// MonitorEntry is where redirected execution resumes.
	MonitorEntry Address `toml:"monitor_entry" flag:"monitor-entry"`

	// HandoffRegister receives the original RIP on redirection.
	HandoffRegister string `toml:"handoff_register" flag:"handoff-register"`

	// CleanupModule, CleanupSection and CleanupPattern locate the guest's
	// process address space cleanup routine.
	CleanupModule  string `toml:"cleanup_module" flag:"cleanup-module"`
	CleanupSection string `toml:"cleanup_section" flag:"cleanup-section"`
	CleanupPattern string `toml:"cleanup_pattern" flag:"cleanup-pattern"`

	// CleanupPreserve is the number of routine bytes the hook preserves.
	CleanupPreserve int `toml:"cleanup_preserve" flag:"cleanup-preserve"`

	// LockHostMemory also locks host pages backing isolated pages.
	LockHostMemory bool `toml:"lock_host_memory" flag:"lock-host-memory"`

	// LogFilename is the file path where logs are written. Empty means
	// stderr.
	LogFilename string `toml:"log" flag:"log"`

	// LogFormat is the log format, "text" or "json".
	LogFormat string `toml:"log_format" flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" flag:"debug"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML configuration file. Flags set on the command line take precedence.")

	// Logging flags.
	flagSet.String("log", "", "file path where logs are written, default is stderr. %PID% is replaced by the process ID.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Machine flags.
	flagSet.Uint64("guest-memory", hv.DefaultGuestMemory, "size of guest physical memory in bytes.")
	flagSet.Uint64("host-memory", hv.DefaultHostMemory, "size of the hypervisor memory region in bytes.")
	flagSet.Int("vcpus", hv.DefaultVCPUs, "number of virtual CPUs.")
	flagSet.Bool("lock-host-memory", false, "also lock the host pages backing locked guest pages.")

	// Sandbox flags.
	flagSet.Int("capacity", sandbox.DefaultCapacity, "number of page records, allocated up front.")
	flagSet.Bool("no-reuse", false, "never reuse released page records.")
	flagSet.Var(addressPtr(Address(guest.HookBase+0x100000)), "monitor-entry", "guest address where redirected execution resumes.")
	flagSet.String("handoff-register", "rax", "register receiving the original RIP on redirection.")

	// Teardown flags.
	flagSet.String("cleanup-module", guest.KernelModule, "module containing the process cleanup routine.")
	flagSet.String("cleanup-section", guest.CleanupSection, "section containing the process cleanup call site.")
	flagSet.String("cleanup-pattern", guest.CleanupSignature, "byte pattern of the call site, ?? matches any byte.")
	flagSet.Int("cleanup-preserve", guest.CleanupPreserve, "number of routine bytes preserved by the hook.")
}

// Default returns the configuration with every setting at its default.
func Default() *Config {
	flagSet := flag.NewFlagSet("default", flag.ContinueOnError)
	RegisterFlags(flagSet)
	conf := &Config{}
	conf.setFromFlags(flagSet, flagSet.VisitAll)
	return conf
}

// NewFromFlags creates a new Config with values coming from the file named
// by the config flag, if any, and command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.setFromFlags(flagSet, flagSet.VisitAll)

	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := conf.decodeFile(path); err != nil {
			return nil, err
		}
		// Explicit flags win over the file.
		conf.setFromFlags(flagSet, flagSet.Visit)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile returns the default configuration overridden by the TOML file at
// path.
func LoadFile(path string) (*Config, error) {
	conf := Default()
	if err := conf.decodeFile(path); err != nil {
		return nil, err
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("reading config %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// setFromFlags copies the flags enumerated by visit into fields with a
// matching flag tag.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, visit func(func(*flag.Flag))) {
	fields := make(map[string]int)
	st := reflect.TypeOf(c).Elem()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			if flagSet.Lookup(name) == nil {
				panic(fmt.Sprintf("Flag %q not found", name))
			}
			fields[name] = i
		}
	}

	obj := reflect.ValueOf(c).Elem()
	visit(func(fl *flag.Flag) {
		i, ok := fields[fl.Name]
		if !ok {
			return
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	})
}

func (c *Config) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be positive, got %d", c.VCPUs)
	}
	if c.GuestMemory%hostarch.PageSize != 0 || c.HostMemory%hostarch.PageSize != 0 {
		return fmt.Errorf("memory sizes %#x/%#x are not page aligned", c.GuestMemory, c.HostMemory)
	}
	if _, err := hv.ParseReg(c.HandoffRegister); err != nil {
		return err
	}
	if _, err := kimage.ParsePattern(c.CleanupPattern); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// MachineConfig returns the machine configuration.
func (c *Config) MachineConfig() hv.Config {
	return hv.Config{
		GuestMemory: c.GuestMemory,
		HostMemory:  c.HostMemory,
		VCPUs:       c.VCPUs,
	}
}

// GuestOptions returns the guest kernel options.
func (c *Config) GuestOptions() guest.Options {
	return guest.Options{LockHostMemory: c.LockHostMemory}
}

// SandboxConfig returns the sandbox configuration.
func (c *Config) SandboxConfig() (sandbox.Config, error) {
	reg, err := hv.ParseReg(c.HandoffRegister)
	if err != nil {
		return sandbox.Config{}, err
	}
	return sandbox.Config{
		Capacity:        c.Capacity,
		NoReuse:         c.NoReuse,
		MonitorEntry:    hostarch.Addr(c.MonitorEntry),
		HandoffRegister: reg,
	}, nil
}

// TeardownConfig returns the teardown configuration for guest kernel k,
// patching code on vCPU.
func (c *Config) TeardownConfig(k *guest.Kernel, vcpu *hv.VCPU) sandbox.TeardownConfig {
	cfg := sandbox.DefaultTeardownConfig(k, vcpu)
	cfg.Module = c.CleanupModule
	cfg.Section = c.CleanupSection
	cfg.Pattern = c.CleanupPattern
	cfg.Preserve = c.CleanupPreserve
	return cfg
}

// WriteTOML writes the configuration as TOML.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config.Capacity: %d, NoReuse: %t", c.Capacity, c.NoReuse)
	log.Infof("Config.GuestMemory: %#x, HostMemory: %#x, VCPUs: %d", c.GuestMemory, c.HostMemory, c.VCPUs)
	log.Infof("Config.MonitorEntry: %v via %s", c.MonitorEntry, c.HandoffRegister)
	log.Infof("Config.Cleanup: %s!%s %q, preserve %d", c.CleanupModule, c.CleanupSection, c.CleanupPattern, c.CleanupPreserve)
	log.Infof("Config.LockHostMemory: %t", c.LockHostMemory)
}

// Address is a guest virtual address. It is written in hex, as TOML
// integers cannot hold kernel addresses.
type Address uint64

func addressPtr(v Address) *Address {
	return &v
}

// String implements flag.Value and fmt.Stringer.
func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Get implements flag.Getter.
func (a *Address) Get() any {
	return *a
}

// Set implements flag.Value. Any base accepted by strconv.ParseUint with base
// zero is allowed.
func (a *Address) Set(v string) error {
	x, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", v, err)
	}
	*a = Address(x)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	return a.Set(string(b))
}
