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
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Binject/debug/pe"
)

// ErrSectionNotFound is returned when an image has no section of the
// requested name.
var ErrSectionNotFound = errors.New("section not found")

// Section describes one section of a loaded image.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
}

// Sections returns the section headers of the image readable through r.
// Only headers are read, so r may be a loaded image or a file.
func Sections(r io.ReaderAt) ([]Section, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parsing PE headers: %w", err)
	}
	defer f.Close()
	secs := make([]Section, 0, len(f.Sections))
	for _, s := range f.Sections {
		secs = append(secs, Section{
			Name:           s.Name,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
		})
	}
	return secs, nil
}

// FindSection returns the section named name.
func FindSection(r io.ReaderAt, name string) (Section, error) {
	secs, err := Sections(r)
	if err != nil {
		return Section{}, err
	}
	for _, s := range secs {
		if s.Name == name {
			return s, nil
		}
	}
	return Section{}, fmt.Errorf("%w: %q", ErrSectionNotFound, name)
}

// Locate scans section of the loaded image readable through r and returns
// the relative virtual address of the first match of p.
func Locate(r io.ReaderAt, section string, p Pattern) (uint64, error) {
	s, err := FindSection(r, section)
	if err != nil {
		return 0, err
	}
	data := make([]byte, s.VirtualSize)
	if _, err := r.ReadAt(data, int64(s.VirtualAddress)); err != nil {
		return 0, fmt.Errorf("reading section %q: %w", section, err)
	}
	off := p.Index(data)
	if off < 0 {
		return 0, fmt.Errorf("%w: %v in %q", ErrPatternNotFound, p, section)
	}
	return uint64(s.VirtualAddress) + uint64(off), nil
}

// ResolveRelative decodes the rel32 operand at rva+offset of an instruction
// of the given length starting at rva, and returns the target's relative
// virtual address.
func ResolveRelative(r io.ReaderAt, rva uint64, offset, length int) (uint64, error) {
	var rel [4]byte
	if _, err := r.ReadAt(rel[:], int64(rva)+int64(offset)); err != nil {
		return 0, fmt.Errorf("reading rel32 at %#x: %w", rva+uint64(offset), err)
	}
	disp := int32(binary.LittleEndian.Uint32(rel[:]))
	return uint64(int64(rva) + int64(length) + int64(disp)), nil
}

// Match is a pattern match in an image file.
type Match struct {
	Section string
	RVA     uint64
}

// ScanFile scans the named section of a PE file on disk, or every section
// if section is empty, and returns all matches.
func ScanFile(path, section string, p Pattern) ([]Match, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		matches []Match
		found   bool
	)
	for _, s := range f.Sections {
		if section != "" && s.Name != section {
			continue
		}
		found = true
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("reading section %q: %w", s.Name, err)
		}
		if uint32(len(data)) > s.VirtualSize && s.VirtualSize != 0 {
			data = data[:s.VirtualSize]
		}
		for _, off := range p.All(data) {
			matches = append(matches, Match{Section: s.Name, RVA: uint64(s.VirtualAddress) + uint64(off)})
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrSectionNotFound, section)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %v in %s", ErrPatternNotFound, p, path)
	}
	return matches, nil
}
