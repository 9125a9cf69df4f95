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

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelText(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{in: `"warning"`, want: Warning},
		{in: `"Info"`, want: Info},
		{in: `"2"`, want: Debug},
	} {
		var got Level
		if err := json.Unmarshal([]byte(tc.in), &got); err != nil {
			t.Errorf("json.Unmarshal(%s) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("json.Unmarshal(%s) = %v, want %v", tc.in, got, tc.want)
		}
	}

	b, err := json.Marshal([]Level{Warning, Info, Debug})
	if err != nil {
		t.Fatalf("json.Marshal failed: %v", err)
	}
	if want := `["warning","info","debug"]`; string(b) != want {
		t.Errorf("json.Marshal = %s, want %s", b, want)
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("json.Marshal of an unknown level succeeded")
	}
	var lv Level
	if err := json.Unmarshal([]byte(`"verbose"`), &lv); err == nil {
		t.Errorf("json.Unmarshal of an unknown level succeeded")
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Info, time.Unix(0, 0).UTC(), "released %d records", 3)
	if len(tw.lines) != 2 {
		t.Fatalf("got %d writes, want json + newline: %q", len(tw.lines), tw.lines)
	}
	var got entry
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if got.Level != Info || got.Msg != "released 3 records" || !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("unexpected entry %+v", got)
	}
	if !got.Time.Equal(time.Unix(0, 0)) {
		t.Errorf("time = %v, want the epoch", got.Time)
	}
}
