// Copyright (c) 2026 The gochm Project.
// SPDX-License-Identifier: GPL-3.0-or-later

// Package chmcore parses the Compiled HTML Help container family — classic
// CHM (ITSF v3) and Help 2 (ITOL/ITLS + CAOL) — into a validated in-memory
// directory. It does not decompress content streams; callers pair the
// returned Database with their own LZX decompressor to extract bytes.
package chmcore

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Well-known GUIDs identifying the two compression-method families this
// core recognizes by name, and the encryption marker it only records the
// presence of.
var (
	LZXGUIDCHM   = uuid.MustParse("7FC28940-9D31-11D0-9B27-00A0C91E9C7C")
	LZXGUIDHelp2 = uuid.MustParse("0A9007C6-4076-11D3-8789-0000F8105754")
	DESGUID      = uuid.MustParse("67F6E4A2-60BF-11D3-8540-00C04F58C3CF")
)

// Item is one directory entry.
type Item struct {
	Name    string
	Section uint64
	Offset  uint64
	Size    uint64
}

// IsDir reports whether the item's name ends in "/", following the
// original's directory convention for items stored inside a CHM/Help2
// container.
func (it Item) IsDir() bool {
	return strings.HasSuffix(it.Name, "/")
}

// IsUserItem reports whether this item is meant for an end user rather
// than internal container metadata (names beginning with "::" are
// internal).
func (it Item) IsUserItem() bool {
	return !strings.HasPrefix(it.Name, "::")
}

// ResetTable is an LZX method's block-offset index: for every ResetInterval
// blocks of uncompressed output, the compressed-stream offset a decoder can
// seek to and resume from.
type ResetTable struct {
	UncompressedSize uint64
	CompressedSize   uint64
	BlockSize        uint64
	ResetOffsets     []uint64
}

// LZXInfo carries the LZX codec parameters recorded in a section's
// ControlData, plus its ResetTable.
type LZXInfo struct {
	Version       uint32
	ResetInterval uint32
	WindowSize    uint32
	CacheSize     uint32
	ResetTable    ResetTable
}

// NumDictBits returns the LZX dictionary size in bits implied by
// WindowSize, ported from the original's CLzxInfo::GetNumDictBits.
func (li LZXInfo) NumDictBits() int {
	bits := 15
	for w := li.WindowSize; w > 1; w >>= 1 {
		bits++
	}
	return bits
}

// MethodInfo is one compression method attached to a Section.
type MethodInfo struct {
	GUID        uuid.UUID
	ControlData []byte // opaque for non-LZX methods
	LZX         *LZXInfo
}

// IsLZX reports whether this method is one of the two well-known LZX GUIDs.
func (m MethodInfo) IsLZX() bool {
	return m.GUID == LZXGUIDCHM || m.GUID == LZXGUIDHelp2
}

// IsDES reports whether this method is the DES encryption marker.
func (m MethodInfo) IsDES() bool {
	return m.GUID == DESGUID
}

// GuidString formats the method's GUID the way the original container
// format's diagnostic strings do: uppercase, braced, no Go-style dashes
// substitution. Used by Name for display.
func (m MethodInfo) GuidString() string {
	return "{" + strings.ToUpper(m.GUID.String()) + "}"
}

// Name renders a short human-readable label for the method: "LZX:<n>" for
// LZX (n = dictionary size in bits), "DES" for the encryption marker, or
// its GUID (plus a hex dump of any opaque control data) otherwise.
func (m MethodInfo) Name() string {
	if m.IsLZX() {
		return fmt.Sprintf("LZX:%d", m.LZX.NumDictBits())
	}
	if m.IsDES() {
		return "DES"
	}
	s := m.GuidString()
	if len(m.ControlData) > 0 {
		s += ":" + fmt.Sprintf("%X", m.ControlData)
	}
	return s
}

// Section describes one compressed or uncompressed content stream.
type Section struct {
	Name             string
	Offset           uint64
	CompressedSize   uint64
	UncompressedSize uint64
	Methods          []MethodInfo
}

// IsLZX reports whether this section has exactly one method and it is LZX —
// the only shape a downstream decompressor can actually extract.
func (s Section) IsLZX() bool {
	return len(s.Methods) == 1 && s.Methods[0].IsLZX()
}

// MethodName renders the section's method list for display, prefixed with
// the section name itself unless the section is the single-LZX-method
// common case.
func (s Section) MethodName() string {
	var b strings.Builder
	if !s.IsLZX() {
		b.WriteString(s.Name)
		b.WriteString(": ")
	}
	for i, m := range s.Methods {
		if i != 0 {
			b.WriteByte(' ')
		}
		b.WriteString(m.Name())
	}
	return b.String()
}

// Mode selects which container dialect Open attempts to parse.
type Mode int

// Recognized dialects.
const (
	ModeCHM Mode = iota
	ModeHelp2
)

// Database is the fully parsed, validated directory produced by Open. It is
// populated monotonically while Open runs and never mutated afterward.
type Database struct {
	StartPosition uint64
	ContentOffset uint64
	Items         []Item
	Sections      []Section
	Indices       []int
	PhysSize      uint64

	IsArc              bool
	Help2Format        bool
	NewFormat          bool
	LowLevel           bool
	UnsupportedFeature bool
	HeadersError       bool
	UnexpectedEnd      bool
	NewFormatString    string
}
