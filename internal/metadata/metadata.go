// Copyright (c) 2026 The gochm Project.
// SPDX-License-Identifier: GPL-3.0-or-later

// Package metadata implements the High-Level Metadata Parser: once a raw
// item table exists, it resolves the ::DataSpace/ namespace those items
// describe into per-section compression descriptors.
package metadata

import (
	"errors"
	"fmt"

	"github.com/gochm/chmcore/internal/header"
	"github.com/gochm/chmcore/internal/reader"
)

// ErrUnsupported means a validation check on the ::DataSpace/ contents
// failed in a way that is not a plain truncation or structural mismatch —
// a missing required item, a bad method count, an unexpected constant. The
// orchestrator maps this to Database.UnsupportedFeature and keeps the
// low-level item list.
var ErrUnsupported = errors.New("chmcore: unsupported high-level metadata")

const lzxSignature = 0x43585A4C

var (
	chmLZXGUID   = [16]byte{0x7F, 0xC2, 0x89, 0x40, 0x9D, 0x31, 0x11, 0xD0, 0x9B, 0x27, 0x00, 0xA0, 0xC9, 0x1E, 0x9C, 0x7C}
	help2LZXGUID = [16]byte{0x0A, 0x90, 0x07, 0xC6, 0x40, 0x76, 0x11, 0xD3, 0x87, 0x89, 0x00, 0x00, 0xF8, 0x10, 0x57, 0x54}
)

func isLZX(guid [16]byte) bool {
	return guid == chmLZXGUID || guid == help2LZXGUID
}

func guidString(g [16]byte) string {
	return fmt.Sprintf("{%02X%02X%02X%02X-%02X%02X-%02X%02X-%02X%02X-%02X%02X%02X%02X%02X%02X}",
		g[0], g[1], g[2], g[3], g[4], g[5], g[6], g[7], g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
}

// ResetTable is the per-method LZX reset table.
type ResetTable struct {
	UncompressedSize uint64
	CompressedSize   uint64
	BlockSize        uint64
	ResetOffsets     []uint64
}

// LZXInfo is the LZX-specific half of a Method, populated only when the
// method's GUID is one of the two well-known LZX GUIDs.
type LZXInfo struct {
	Version       uint32
	ResetInterval uint32
	WindowSize    uint32
	CacheSize     uint32
	ResetTable    ResetTable
}

// Method is one compression method attached to a Section.
type Method struct {
	GUID        [16]byte
	ControlData []byte // opaque control data for non-LZX methods
	LZX         *LZXInfo
}

// Section is one content section resolved from NameList plus its
// Content/ControlData/SpanInfo/Transform entries.
type Section struct {
	Name             string
	Offset           uint64
	CompressedSize   uint64
	UncompressedSize uint64
	Methods          []Method
}

// Result is the fully resolved set of content sections, in NameList order
// with a synthetic index-0 "Uncompressed" sentinel already present.
type Result struct {
	Sections []Section
}

// itemIndex is a name-to-RawItem lookup built once per Parse call, mirroring
// the original's repeated FindItem linear scans without paying their
// quadratic cost.
type itemIndex map[string]*header.RawItem

func buildItemIndex(items []header.RawItem) itemIndex {
	idx := make(itemIndex, len(items))
	for i := range items {
		idx[items[i].Name] = &items[i]
	}
	return idx
}

// openItem opens a window over the content bytes backing an internal item:
// content_offset + item.offset, for item.size bytes. For every item this
// package ever looks up, that content is already uncompressed (it lives in
// the directory/section-0 area by construction).
func openItem(src reader.Source, contentOffset uint64, idx itemIndex, name string) (*reader.Reader, error) {
	item, ok := idx[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing required item %q", ErrUnsupported, name)
	}
	return reader.OpenWindow(src, int64(contentOffset+item.Offset), int64(item.Size))
}

// Parse resolves ::DataSpace/NameList and, per section, Content,
// Transform/List (Help2 only), ControlData, SpanInfo, and per-LZX-method
// ResetTable.
func Parse(src reader.Source, items []header.RawItem, contentOffset uint64, help2Format bool) (*Result, error) {
	idx := buildItemIndex(items)

	res := &Result{Sections: []Section{{Name: "Uncompressed"}}}

	nl, err := openItem(src, contentOffset, idx, "::DataSpace/NameList")
	if err != nil {
		return nil, err
	}
	if err := nl.Skip(2); err != nil { // length, ignored
		return nil, err
	}
	numSections, err := nl.ReadUint16()
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < numSections; i++ {
		nameLen, err := nl.ReadUint16()
		if err != nil {
			return nil, err
		}
		name, err := nl.ReadUString(int(nameLen))
		if err != nil {
			return nil, err
		}
		sentinel, err := nl.ReadUint16()
		if err != nil {
			return nil, err
		}
		if sentinel != 0 {
			return nil, fmt.Errorf("%w: NameList entry missing NUL sentinel", ErrUnsupported)
		}
		res.Sections = append(res.Sections, Section{Name: name})
	}

	for i := 1; i < len(res.Sections); i++ {
		section := &res.Sections[i]
		prefix := "::DataSpace/Storage/" + section.Name + "/"

		contentItem, ok := idx[prefix+"Content"]
		if !ok {
			return nil, fmt.Errorf("%w: missing %sContent", ErrUnsupported, prefix)
		}
		section.Offset = contentItem.Offset
		section.CompressedSize = contentItem.Size

		transformPrefix := prefix + "Transform/"
		if help2Format {
			tl, err := openItem(src, contentOffset, idx, transformPrefix+"List")
			if err != nil {
				return nil, err
			}
			chunkSize := tl.Size()
			if chunkSize&0xF != 0 || chunkSize < 0x10 {
				return nil, fmt.Errorf("%w: Transform/List size %d not a multiple of 16", ErrUnsupported, chunkSize)
			}
			numGUIDs := chunkSize / 0x10
			for g := int64(0); g < numGUIDs; g++ {
				guid, err := tl.ReadGUID()
				if err != nil {
					return nil, err
				}
				section.Methods = append(section.Methods, Method{GUID: guid})
			}
		} else {
			section.Methods = append(section.Methods, Method{GUID: chmLZXGUID})
		}

		cd, err := openItem(src, contentOffset, idx, prefix+"ControlData")
		if err != nil {
			return nil, err
		}
		for mi := range section.Methods {
			method := &section.Methods[mi]
			numDWords, err := cd.ReadUint32()
			if err != nil {
				return nil, err
			}
			if isLZX(method.GUID) {
				if numDWords < 5 {
					return nil, fmt.Errorf("%w: LZX ControlData has %d dwords, want >= 5", ErrUnsupported, numDWords)
				}
				magic, err := cd.ReadUint32()
				if err != nil {
					return nil, err
				}
				if magic != lzxSignature {
					return nil, fmt.Errorf("%w: LZX ControlData magic 0x%X", ErrUnsupported, magic)
				}
				li := &LZXInfo{}
				if li.Version, err = cd.ReadUint32(); err != nil {
					return nil, err
				}
				if li.Version != 2 && li.Version != 3 {
					return nil, fmt.Errorf("%w: LZX version %d", ErrUnsupported, li.Version)
				}
				if li.ResetInterval, err = cd.ReadUint32(); err != nil {
					return nil, err
				}
				if li.WindowSize, err = cd.ReadUint32(); err != nil {
					return nil, err
				}
				if li.CacheSize, err = cd.ReadUint32(); err != nil {
					return nil, err
				}
				if !isPowerOfTwoUpTo64(li.ResetInterval) {
					return nil, fmt.Errorf("%w: LZX reset interval %d", ErrUnsupported, li.ResetInterval)
				}
				if !isPowerOfTwoUpTo64(li.WindowSize) {
					return nil, fmt.Errorf("%w: LZX window size %d", ErrUnsupported, li.WindowSize)
				}
				if !isPowerOfTwoUpTo64(li.CacheSize) {
					return nil, fmt.Errorf("%w: LZX cache size %d", ErrUnsupported, li.CacheSize)
				}
				if err := cd.Skip(4 * int(numDWords-5)); err != nil {
					return nil, err
				}
				method.LZX = li
			} else {
				raw, err := cd.ReadBytes(4 * int(numDWords))
				if err != nil {
					return nil, err
				}
				method.ControlData = raw
			}
		}

		si, err := openItem(src, contentOffset, idx, prefix+"SpanInfo")
		if err != nil {
			return nil, err
		}
		if section.UncompressedSize, err = si.ReadUint64(); err != nil {
			return nil, err
		}

		for mi := range section.Methods {
			method := &section.Methods[mi]
			if method.LZX == nil {
				continue
			}
			rt, err := openItem(src, contentOffset, idx, transformPrefix+guidString(method.GUID)+"/InstanceData/ResetTable")
			if err != nil {
				return nil, err
			}
			if rt.Size() < 4 {
				if rt.Size() != 0 {
					return nil, fmt.Errorf("%w: ResetTable chunk size %d < 4 but nonzero", ErrUnsupported, rt.Size())
				}
				if section.UncompressedSize != 0 {
					return nil, fmt.Errorf("%w: empty ResetTable but section uncompressed size %d != 0", ErrUnsupported, section.UncompressedSize)
				}
				continue
			}
			ver, err := rt.ReadUint32()
			if err != nil {
				return nil, err
			}
			if ver != 2 && ver != 3 {
				return nil, fmt.Errorf("%w: ResetTable version %d", ErrUnsupported, ver)
			}
			numEntries, err := rt.ReadUint32()
			if err != nil {
				return nil, err
			}
			entrySize, err := rt.ReadUint32()
			if err != nil {
				return nil, err
			}
			if entrySize != 8 {
				return nil, fmt.Errorf("%w: ResetTable entry size %d, want 8", ErrUnsupported, entrySize)
			}
			tableHeaderLen, err := rt.ReadUint32()
			if err != nil {
				return nil, err
			}
			if tableHeaderLen != 0x28 {
				return nil, fmt.Errorf("%w: ResetTable header length 0x%X, want 0x28", ErrUnsupported, tableHeaderLen)
			}
			if method.LZX.ResetTable.UncompressedSize, err = rt.ReadUint64(); err != nil {
				return nil, err
			}
			if method.LZX.ResetTable.CompressedSize, err = rt.ReadUint64(); err != nil {
				return nil, err
			}
			if method.LZX.ResetTable.BlockSize, err = rt.ReadUint64(); err != nil {
				return nil, err
			}
			if method.LZX.ResetTable.BlockSize != 0x8000 {
				return nil, fmt.Errorf("%w: ResetTable block size 0x%X, want 0x8000", ErrUnsupported, method.LZX.ResetTable.BlockSize)
			}
			offsets := make([]uint64, numEntries)
			for e := range offsets {
				if offsets[e], err = rt.ReadUint64(); err != nil {
					return nil, err
				}
			}
			method.LZX.ResetTable.ResetOffsets = offsets
		}
	}

	return res, nil
}

func isPowerOfTwoUpTo64(v uint32) bool {
	switch v {
	case 1, 2, 4, 8, 16, 32, 64:
		return true
	default:
		return false
	}
}
