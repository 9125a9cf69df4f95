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
	"fmt"

	"github.com/Binject/debug/pe"
	"gvisor.dev/nptsandbox/pkg/hostarch"
)

// SectionSpec describes a section for Build.
type SectionSpec struct {
	Name string
	Data []byte

	// Characteristics are IMAGE_SCN_* flags.
	Characteristics uint32
}

// IMAGE_SCN_* and IMAGE_FILE_* values used by Build.
const (
	scnCode    = 0x00000020
	scnExecute = 0x20000000
	scnRead    = 0x40000000

	fileExecutable   = 0x0002
	fileLargeAddress = 0x0020

	subsystemNative = 1
)

// Code is the characteristics value for executable code sections.
const Code = scnCode | scnExecute | scnRead

const (
	dosHeaderSize = 0x40
	headersSize   = hostarch.PageSize
	optionalSize  = 0xf0
)

// Build returns a minimal PE32+ image holding the given sections.
//
// File and section alignment are both one page, so the returned bytes are
// also the image's in-memory layout: each section's file offset equals its
// relative virtual address.
func Build(imageBase uint64, sections ...SectionSpec) ([]byte, error) {
	if len(sections) == 0 {
		return nil, fmt.Errorf("image has no sections")
	}
	if (headersSize-dosHeaderSize-4-20-optionalSize)/40 < len(sections) {
		return nil, fmt.Errorf("too many sections: %d", len(sections))
	}

	headers := make([]pe.SectionHeader32, len(sections))
	rva := uint32(headersSize)
	for i, s := range sections {
		if len(s.Name) == 0 || len(s.Name) > 8 {
			return nil, fmt.Errorf("bad section name %q", s.Name)
		}
		if len(s.Data) == 0 {
			return nil, fmt.Errorf("section %q is empty", s.Name)
		}
		size := uint32(hostarch.PagesIn(uint64(len(s.Data))) * hostarch.PageSize)
		h := &headers[i]
		copy(h.Name[:], s.Name)
		h.VirtualSize = uint32(len(s.Data))
		h.VirtualAddress = rva
		h.SizeOfRawData = size
		h.PointerToRawData = rva
		h.Characteristics = s.Characteristics
		rva += size
	}

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: optionalSize,
		Characteristics:      fileExecutable | fileLargeAddress,
	}
	oh := pe.OptionalHeader64{
		Magic:                       0x20b,
		AddressOfEntryPoint:         headers[0].VirtualAddress,
		BaseOfCode:                  headers[0].VirtualAddress,
		ImageBase:                   imageBase,
		SectionAlignment:            hostarch.PageSize,
		FileAlignment:               hostarch.PageSize,
		MajorOperatingSystemVersion: 10,
		MajorSubsystemVersion:       10,
		SizeOfImage:                 rva,
		SizeOfHeaders:               headersSize,
		Subsystem:                   subsystemNative,
		NumberOfRvaAndSizes:         16,
	}

	var buf bytes.Buffer
	var dos [dosHeaderSize]byte
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], dosHeaderSize)
	buf.Write(dos[:])
	buf.WriteString("PE\x00\x00")
	for _, v := range []any{&fh, &oh, headers} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}

	image := make([]byte, rva)
	copy(image, buf.Bytes())
	for i, s := range sections {
		copy(image[headers[i].PointerToRawData:], s.Data)
	}

	// The image must read back with the same section table.
	f, err := pe.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("built image does not parse: %w", err)
	}
	defer f.Close()
	if len(f.Sections) != len(sections) {
		return nil, fmt.Errorf("built image has %d sections, want %d", len(f.Sections), len(sections))
	}
	return image, nil
}
