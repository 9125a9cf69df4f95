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
	"strings"
	"testing"

	"go.uber.org/goleak"
	"gvisor.dev/nptsandbox/nptctl/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	conf := config.Default()
	conf.GuestMemory = 16 << 20
	conf.HostMemory = 4 << 20
	conf.VCPUs = 2
	conf.Capacity = 16
	return conf
}

func TestDemo(t *testing.T) {
	for _, tc := range []struct {
		name       string
		concurrent bool
		pattern    string
		want       []string
	}{
		{
			name: "sequential",
			want: []string{
				"== isolated in a.exe",
				"== isolated in b.exe",
				"== after teardown",
				"isolations 2, releases 2, failures 0, teardowns 2, active 0",
			},
		},
		{
			name:       "concurrent",
			concurrent: true,
			want: []string{
				"== isolated on every vCPU",
				"== after teardown",
				"isolations 6, releases 6, failures 0, teardowns 2, active 0",
			},
		},
		{
			name:    "without teardown",
			pattern: "DE AD BE EF",
			want: []string{
				"== after teardown",
				"isolations 2, releases 2, failures 0, teardowns 0, active 0",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := testConfig()
			if tc.pattern != "" {
				conf.CleanupPattern = tc.pattern
			}
			d := &Demo{concurrent: tc.concurrent, pages: 3}
			var buf bytes.Buffer
			if err := d.run(context.Background(), conf, &buf); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			out := buf.String()
			for _, want := range tc.want {
				if !strings.Contains(out, want) {
					t.Errorf("output does not contain %q:\n%s", want, out)
				}
			}
		})
	}
}
