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

// Package kimage locates code in kernel images: byte patterns with
// wildcards, PE section headers, and rel32 call targets.
package kimage

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrPatternNotFound is returned when a pattern does not occur in
	// the searched region.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrBadPattern is returned for malformed pattern strings.
	ErrBadPattern = errors.New("malformed pattern")
)

// Pattern is a byte sequence in which some positions match any byte.
type Pattern struct {
	bytes []byte
	any   []bool
}

// ParsePattern parses a pattern such as "48 8B ?? 24". Each token is a pair
// of hex digits, or "?" / "??" for a wildcard.
func ParsePattern(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrBadPattern)
	}
	p := Pattern{
		bytes: make([]byte, len(fields)),
		any:   make([]bool, len(fields)),
	}
	for i, f := range fields {
		if f == "?" || f == "??" {
			p.any[i] = true
			continue
		}
		if len(f) != 2 {
			return Pattern{}, fmt.Errorf("%w: token %q", ErrBadPattern, f)
		}
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return Pattern{}, fmt.Errorf("%w: token %q", ErrBadPattern, f)
		}
		p.bytes[i] = byte(b)
	}
	if p.any[0] {
		return Pattern{}, fmt.Errorf("%w: leading wildcard", ErrBadPattern)
	}
	return p, nil
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the pattern length in bytes.
func (p Pattern) Len() int {
	return len(p.bytes)
}

// String implements fmt.Stringer.String.
func (p Pattern) String() string {
	var sb strings.Builder
	for i, b := range p.bytes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if p.any[i] {
			sb.WriteString("??")
		} else {
			fmt.Fprintf(&sb, "%02X", b)
		}
	}
	return sb.String()
}

// Match returns true iff b starts with the pattern.
func (p Pattern) Match(b []byte) bool {
	if len(b) < len(p.bytes) {
		return false
	}
	for i, want := range p.bytes {
		if !p.any[i] && b[i] != want {
			return false
		}
	}
	return true
}

// Index returns the offset of the first match in data, or -1.
func (p Pattern) Index(data []byte) int {
	if len(p.bytes) == 0 {
		return -1
	}
	first := p.bytes[0]
	for off := 0; off+len(p.bytes) <= len(data); {
		i := bytes.IndexByte(data[off:len(data)-len(p.bytes)+1], first)
		if i < 0 {
			return -1
		}
		off += i
		if p.Match(data[off:]) {
			return off
		}
		off++
	}
	return -1
}

// All returns the offsets of every match in data, including overlapping
// ones.
func (p Pattern) All(data []byte) []int {
	var offs []int
	for base := 0; ; {
		i := p.Index(data[base:])
		if i < 0 {
			return offs
		}
		offs = append(offs, base+i)
		base += i + 1
	}
}
