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

package kimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Binject/debug/pe"
	"github.com/google/go-cmp/cmp"
)

func TestParsePattern(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
		err  error
	}{
		{in: "48 8B ?? 24", want: "48 8B ?? 24"},
		{in: "e8 ? ? ? ?  33 d2", want: "E8 ?? ?? ?? ?? 33 D2"},
		{in: "", err: ErrBadPattern},
		{in: "?? 48", err: ErrBadPattern},
		{in: "4", err: ErrBadPattern},
		{in: "GG", err: ErrBadPattern},
	} {
		t.Run(tc.in, func(t *testing.T) {
			p, err := ParsePattern(tc.in)
			if !errors.Is(err, tc.err) {
				t.Fatalf("ParsePattern(%q) error = %v, want %v", tc.in, err, tc.err)
			}
			if err == nil && p.String() != tc.want {
				t.Errorf("ParsePattern(%q) = %q, want %q", tc.in, p.String(), tc.want)
			}
		})
	}
}

func TestPatternIndex(t *testing.T) {
	p := MustParsePattern("48 8B ?? 24")
	for _, tc := range []struct {
		name string
		data []byte
		want int
	}{
		{name: "start", data: []byte{0x48, 0x8b, 0x44, 0x24, 0x90}, want: 0},
		{name: "middle", data: []byte{0x90, 0x48, 0x48, 0x8b, 0x00, 0x24}, want: 2},
		{name: "truncated", data: []byte{0x90, 0x48, 0x8b, 0x44}, want: -1},
		{name: "mismatch", data: []byte{0x48, 0x8b, 0x44, 0x25}, want: -1},
		{name: "empty", want: -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.Index(tc.data); got != tc.want {
				t.Errorf("Index = %d, want %d", got, tc.want)
			}
		})
	}

	data := []byte{0xaa, 0xaa, 0xaa}
	if diff := cmp.Diff([]int{0, 1}, MustParsePattern("AA AA").All(data)); diff != "" {
		t.Errorf("All mismatch (-want +got):\n%s", diff)
	}
}

// testImage builds an image whose "PAGE" section holds a rel32 call at
// offset 0x10 to offset 0x80.
func testImage(t *testing.T) []byte {
	t.Helper()
	page := bytes.Repeat([]byte{0xcc}, 0x100)
	call := []byte{0xe8, 0, 0, 0, 0, 0x33, 0xd2}
	binary.LittleEndian.PutUint32(call[1:], uint32(0x80-(0x10+5)))
	copy(page[0x10:], call)
	image, err := Build(0xfffff80000000000,
		SectionSpec{Name: ".text", Data: []byte{0xc3}, Characteristics: Code},
		SectionSpec{Name: "PAGE", Data: page, Characteristics: Code},
	)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return image
}

func TestSections(t *testing.T) {
	image := testImage(t)
	secs, err := Sections(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("Sections failed: %v", err)
	}
	want := []Section{
		{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 1},
		{Name: "PAGE", VirtualAddress: 0x2000, VirtualSize: 0x100},
	}
	if diff := cmp.Diff(want, secs); diff != "" {
		t.Errorf("sections mismatch (-want +got):\n%s", diff)
	}
	if got, want := len(image), 0x3000; got != want {
		t.Errorf("image size = %#x, want %#x", got, want)
	}
}

func TestLocate(t *testing.T) {
	r := bytes.NewReader(testImage(t))
	p := MustParsePattern("E8 ?? ?? ?? ?? 33 D2")

	rva, err := Locate(r, "PAGE", p)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if rva != 0x2010 {
		t.Errorf("Locate = %#x, want 0x2010", rva)
	}
	target, err := ResolveRelative(r, rva, 1, 5)
	if err != nil {
		t.Fatalf("ResolveRelative failed: %v", err)
	}
	if target != 0x2080 {
		t.Errorf("ResolveRelative = %#x, want 0x2080", target)
	}

	if _, err := Locate(r, ".text", p); !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("Locate in .text = %v, want %v", err, ErrPatternNotFound)
	}
	if _, err := Locate(r, "INIT", p); !errors.Is(err, ErrSectionNotFound) {
		t.Errorf("Locate in INIT = %v, want %v", err, ErrSectionNotFound)
	}
}

func TestScanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ntoskrnl.exe")
	if err := os.WriteFile(path, testImage(t), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := ScanFile(path, "", MustParsePattern("33 D2"))
	if err != nil {
		t.Fatalf("ScanFile failed: %v", err)
	}
	if diff := cmp.Diff([]Match{{Section: "PAGE", RVA: 0x2015}}, got); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
	if _, err := ScanFile(path, "INIT", MustParsePattern("33 D2")); !errors.Is(err, ErrSectionNotFound) {
		t.Errorf("ScanFile(INIT) = %v, want %v", err, ErrSectionNotFound)
	}
}

func TestBuildHeaders(t *testing.T) {
	f, err := pe.NewFile(bytes.NewReader(testImage(t)))
	if err != nil {
		t.Fatalf("NewFile failed: %v", err)
	}
	defer f.Close()

	if f.FileHeader.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		t.Errorf("Machine = %#x, want %#x", f.FileHeader.Machine, pe.IMAGE_FILE_MACHINE_AMD64)
	}
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		t.Fatalf("optional header is %T, want *pe.OptionalHeader64", f.OptionalHeader)
	}
	if oh.ImageBase != 0xfffff80000000000 {
		t.Errorf("ImageBase = %#x, want 0xfffff80000000000", oh.ImageBase)
	}
	s := f.Section("PAGE")
	if s == nil {
		t.Fatalf("PAGE section missing")
	}
	if s.Characteristics != Code {
		t.Errorf("PAGE characteristics = %#x, want %#x", s.Characteristics, uint32(Code))
	}
	data, err := s.Data()
	if err != nil {
		t.Fatalf("Data failed: %v", err)
	}
	if got, want := data[0x10], byte(0xe8); got != want {
		t.Errorf("PAGE[0x10] = %#x, want %#x", got, want)
	}
}

func TestBuildErrors(t *testing.T) {
	if _, err := Build(0); err == nil {
		t.Errorf("Build with no sections succeeded")
	}
	if _, err := Build(0, SectionSpec{Name: "waytoolongname", Data: []byte{1}}); err == nil {
		t.Errorf("Build with long name succeeded")
	}
}
