// Copyright 2020 The gVisor Authors.
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

package cleanup

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// unwind runs a staged setup that fails at stage failAt, or succeeds when
// failAt is zero. It returns the undo steps that ran and, on success, the
// released undo function.
func unwind(failAt int) (undone []string, rest func()) {
	cu := Make(func() { undone = append(undone, "unpin") })
	defer cu.Clean()
	if failAt == 1 {
		return undone, nil
	}
	cu.Add(func() { undone = append(undone, "detach") })
	if failAt == 2 {
		return undone, nil
	}
	cu.Add(func() { undone = append(undone, "restore") })
	if failAt == 3 {
		return undone, nil
	}
	return undone, cu.Release()
}

func TestUnwind(t *testing.T) {
	for _, tc := range []struct {
		name   string
		failAt int
		want   []string
	}{
		{name: "first", failAt: 1, want: []string{"unpin"}},
		{name: "second", failAt: 2, want: []string{"detach", "unpin"}},
		{name: "third", failAt: 3, want: []string{"restore", "detach", "unpin"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, rest := unwind(tc.failAt)
			if rest != nil {
				t.Fatalf("unwind(%d) released on failure", tc.failAt)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("undone steps mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCleanOrder(t *testing.T) {
	var order []int
	cu := Make(func() { order = append(order, 1) })
	cu.Add(func() { order = append(order, 2) })
	cu.Add(func() { order = append(order, 3) })
	cu.Clean()
	if diff := cmp.Diff([]int{3, 2, 1}, order); diff != "" {
		t.Fatalf("cleanup order mismatch (-want +got):\n%s", diff)
	}

	// A second Clean is a no-op.
	cu.Clean()
	if len(order) != 3 {
		t.Fatalf("cleanup ran twice: %v", order)
	}
}

func TestRelease(t *testing.T) {
	var undone []string
	cu := Make(func() { undone = append(undone, "unpin") })
	cu.Add(func() { undone = append(undone, "detach") })
	rest := cu.Release()

	cu.Clean()
	if len(undone) != 0 {
		t.Fatalf("Clean after Release ran %v", undone)
	}
	rest()
	if diff := cmp.Diff([]string{"detach", "unpin"}, undone); diff != "" {
		t.Fatalf("released cleanup mismatch (-want +got):\n%s", diff)
	}
}
