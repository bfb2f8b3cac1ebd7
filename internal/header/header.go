// Copyright (c) 2026 The gochm Project.
// SPDX-License-Identifier: GPL-3.0-or-later

// Package header implements the Low-Level Header Parser: recognizing and
// walking the CHM (ITSF v3) and Help2 (ITOL/ITLS + CAOL) container dialects
// down to a raw item table, without interpreting the ::DataSpace/ metadata
// those items may point to.
package header

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gochm/chmcore/internal/reader"
)

// ErrStructureMismatch means a field failed a hard structural check (a bad
// magic, an out-of-range constant, a declared length that cannot be
// satisfied). The orchestrator maps this to Database.HeadersError, the same
// as reader.ErrHeaderError.
var ErrStructureMismatch = errors.New("chmcore: header structure mismatch")

const (
	sigITSF = 0x46535449
	sigITSP = 0x50535449
	sigPMGL = 0x4C474D50
	sigIFCM = 0x4D434649
	sigAOLL = 0x4C4C4F41
	sigCAOL = 0x4C4F4143
	sigITOL = 0x4C4F5449
	sigITLS = 0x534C5449
)

// RawItem is one directory entry as read off the wire, before the finalizer
// or the high-level parser have looked at it.
type RawItem struct {
	Name    string
	Section uint64
	Offset  uint64
	Size    uint64
}

// Result is everything the low-level parser learns about the container
// before ::DataSpace/ is interpreted.
type Result struct {
	Items           []RawItem
	ContentOffset   uint64
	PhysSize        uint64
	NewFormat       bool
	NewFormatString string

	// Recognized reports whether the dialect-identifying structural gate
	// (CHM: header size and unknown1; Help2: version, header table
	// location, and header section count) passed. It is set before any
	// error that can occur afterward, so the orchestrator can still tell
	// a real container with a later-corrupted directory apart from input
	// that never was one, matching the original's IsArc-after-gate point.
	Recognized bool
}

func (res *Result) updatePhysSize(end uint64) {
	if end > res.PhysSize {
		res.PhysSize = end
	}
}

// readDirEntry reads one CHM/Help2 directory entry: a length-prefixed name
// followed by three ENC_INTs, and appends it to res.Items.
func readDirEntry(r *reader.Reader, res *Result) error {
	nameLen, err := r.ReadEncInt()
	if err != nil {
		return err
	}
	if nameLen == 0 || nameLen > 1<<13 {
		return fmt.Errorf("%w: directory entry name length %d out of range", ErrStructureMismatch, nameLen)
	}
	name, err := r.ReadString(int(nameLen))
	if err != nil {
		return err
	}
	section, err := r.ReadEncInt()
	if err != nil {
		return err
	}
	offset, err := r.ReadEncInt()
	if err != nil {
		return err
	}
	size, err := r.ReadEncInt()
	if err != nil {
		return err
	}
	res.Items = append(res.Items, RawItem{Name: string(name), Section: section, Offset: offset, Size: size})
	return nil
}

// ParseCHM parses the classic ITSF v3 dialect. It assumes the ITSF
// signature and version have already been consumed from src by the caller
// (the orchestrator, which needs them to pick the dialect in the first
// place); src continues immediately after them.
func ParseCHM(src reader.Source, startPosition int64) (*Result, error) {
	res := &Result{}

	// The rest of the fixed 0x60-byte ITSF header (everything after the
	// signature and version) is read through a window bounded to exactly
	// those 0x58 bytes; its own headerSize field is then checked against
	// 0x60.
	r, err := reader.OpenWindow(src, startPosition+8, 0x60-8)
	if err != nil {
		return nil, err
	}

	headerSize, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if headerSize != 0x60 {
		return nil, fmt.Errorf("%w: CHM header size 0x%X, want 0x60", ErrStructureMismatch, headerSize)
	}
	res.PhysSize = uint64(headerSize)

	unknown1, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if unknown1 != 0 && unknown1 != 1 {
		return nil, fmt.Errorf("%w: CHM unknown1 = %d", ErrStructureMismatch, unknown1)
	}
	res.Recognized = true

	if err := r.Skip(4); err != nil { // timestamp
		return res, err
	}
	if err := r.Skip(4); err != nil { // lang id
		return res, err
	}
	if _, err := r.ReadGUID(); err != nil {
		return res, err
	}
	if _, err := r.ReadGUID(); err != nil {
		return res, err
	}

	var sectionOffsets, sectionSizes [2]uint64
	for i := 0; i < 2; i++ {
		off, err := r.ReadUint64()
		if err != nil {
			return res, err
		}
		size, err := r.ReadUint64()
		if err != nil {
			return res, err
		}
		sectionOffsets[i] = off
		sectionSizes[i] = size
		res.updatePhysSize(off + size)
	}

	contentOffset, err := r.ReadUint64()
	if err != nil {
		return res, err
	}
	res.ContentOffset = contentOffset

	if err := parseSection0(src, startPosition+int64(sectionOffsets[0]), int64(sectionSizes[0]), res); err != nil {
		return res, err
	}
	if err := parseDirectory(src, startPosition+int64(sectionOffsets[1]), int64(sectionSizes[1]), res, sigPMGL, 32, readDirEntry); err != nil {
		return res, err
	}
	return res, nil
}

// parseSection0 reads the small file-size/constant block every dialect
// stores as its header section 0, shared by CHM and Help2.
func parseSection0(src reader.Source, pos, size int64, res *Result) error {
	if size < 0x18 {
		return fmt.Errorf("%w: header section 0 size %d < 0x18", ErrStructureMismatch, size)
	}
	r, err := reader.OpenWindow(src, pos, size)
	if err != nil {
		return err
	}
	magic, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if magic != 0x01FE {
		return fmt.Errorf("%w: header section 0 magic 0x%X, want 0x01FE", ErrStructureMismatch, magic)
	}
	if err := r.Skip(4); err != nil {
		return err
	}
	fileSize, err := r.ReadUint64()
	if err != nil {
		return err
	}
	res.updatePhysSize(fileSize)
	return r.Skip(8)
}

// dirEntryReader reads one item entry in whatever shape the current dialect
// uses (a plain RawItem, or a new-format diagnostic record appended to
// res.NewFormatString instead).
type dirEntryReader func(r *reader.Reader, res *Result) error

// parseDirectory walks a sequence of equal-size directory chunks, each
// either a listing chunk (identified by listingSig) or an index chunk to be
// skipped whole. Every listing chunk's body is read until the logical
// offset into the chunk reaches dirChunkSize-quickrefLength exactly.
func parseDirectory(src reader.Source, pos, size int64, res *Result, listingSig uint32, minChunkSize uint32, readEntry dirEntryReader) error {
	r, err := reader.OpenWindow(src, pos, size)
	if err != nil {
		return err
	}

	itspMagic, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if itspMagic != sigITSP {
		return fmt.Errorf("%w: directory section magic 0x%X, want ITSP", ErrStructureMismatch, itspMagic)
	}
	version, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if version != 1 {
		return fmt.Errorf("%w: directory section version %d, want 1", ErrStructureMismatch, version)
	}
	if err := r.Skip(4); err != nil { // dirHeaderSize, ignored
		return err
	}
	if err := r.Skip(4); err != nil { // 0x0A unknown
		return err
	}
	dirChunkSize, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if dirChunkSize < minChunkSize {
		return fmt.Errorf("%w: directory chunk size %d < %d", ErrStructureMismatch, dirChunkSize, minChunkSize)
	}
	if err := r.Skip(4); err != nil { // density
		return err
	}
	if err := r.Skip(4); err != nil { // depth
		return err
	}
	if err := r.Skip(4); err != nil { // root index chunk number
		return err
	}
	if err := r.Skip(4); err != nil { // first listing chunk number
		return err
	}
	if err := r.Skip(4); err != nil { // last listing chunk number
		return err
	}
	if err := r.Skip(4); err != nil { // -1 unknown
		return err
	}
	numDirChunks, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if err := r.Skip(4); err != nil { // windows lang id
		return err
	}
	if _, err := r.ReadGUID(); err != nil {
		return err
	}
	if err := r.Skip(4); err != nil { // length, again
		return err
	}
	if err := r.Skip(12); err != nil { // three -1 sentinels
		return err
	}

	for ci := uint32(0); ci < numDirChunks; ci++ {
		chunkPos := r.Pos()
		magic, err := r.ReadUint32()
		if err != nil {
			return err
		}
		if magic != listingSig {
			if err := r.Skip(int(dirChunkSize) - 4); err != nil {
				return err
			}
			continue
		}

		quickrefLength, err := r.ReadUint32()
		if err != nil {
			return err
		}
		if quickrefLength > dirChunkSize || quickrefLength < 2 {
			return fmt.Errorf("%w: quickref length %d out of range", ErrStructureMismatch, quickrefLength)
		}
		if err := r.Skip(4); err != nil { // always 0
			return err
		}
		if err := r.Skip(4); err != nil { // previous chunk number
			return err
		}
		if err := r.Skip(4); err != nil { // next chunk number
			return err
		}

		var numItems uint32
		for {
			offset := uint32(r.Pos() - chunkPos)
			offsetLimit := dirChunkSize - quickrefLength
			if offset > offsetLimit {
				return fmt.Errorf("%w: directory entry overran chunk boundary", ErrStructureMismatch)
			}
			if offset == offsetLimit {
				break
			}
			if err := readEntry(r, res); err != nil {
				return err
			}
			numItems++
		}
		if err := r.Skip(int(quickrefLength) - 2); err != nil {
			return err
		}
		trailingCount, err := r.ReadUint16()
		if err != nil {
			return err
		}
		if uint32(trailingCount) != numItems {
			return fmt.Errorf("%w: quickref item count %d != decoded %d", ErrStructureMismatch, trailingCount, numItems)
		}
	}
	return nil
}

// Help2SignatureSize is the width of the ITLS/ITOL signature pair the
// orchestrator slides an 8-byte window over to locate a Help2 container
// that may be embedded at an unknown offset inside a larger file.
const Help2SignatureSize = 8

// Help2Signature is the 8-byte value ((ITLS<<32)|ITOL) that marks the start
// of a Help2 header once found.
const Help2Signature uint64 = (uint64(sigITLS) << 32) | uint64(sigITOL)

// ParseHelp2 parses the ITOL/ITLS + CAOL dialect. startPosition is the
// absolute offset of the located ITLS/ITOL signature pair (every offset in
// the Help2 header is relative to it, unlike CHM's header-relative-to-zero
// scheme).
func ParseHelp2(src reader.Source, startPosition int64) (*Result, error) {
	res := &Result{}

	r, err := reader.OpenWindow(src, startPosition+Help2SignatureSize, 1<<20)
	if err != nil {
		return nil, err
	}

	version, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, fmt.Errorf("%w: Help2 version %d, want 1", ErrStructureMismatch, version)
	}
	tableLoc, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if tableLoc != 0x28 {
		return nil, fmt.Errorf("%w: Help2 header table location 0x%X, want 0x28", ErrStructureMismatch, tableLoc)
	}
	const numHeaderSections = 5
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n != numHeaderSections {
		return nil, fmt.Errorf("%w: Help2 header section count %d, want %d", ErrStructureMismatch, n, numHeaderSections)
	}
	res.Recognized = true

	if err := r.Skip(4); err != nil { // post-header table length
		return res, err
	}
	if _, err := r.ReadGUID(); err != nil {
		return res, err
	}

	var sectionOffsets, sectionSizes [numHeaderSections]uint64
	for i := 0; i < numHeaderSections; i++ {
		off, err := r.ReadUint64()
		if err != nil {
			return res, err
		}
		size, err := r.ReadUint64()
		if err != nil {
			return res, err
		}
		sectionOffsets[i] = off
		sectionSizes[i] = size
		res.updatePhysSize(off + size)
	}

	if err := r.Skip(4); err != nil { // 2
		return res, err
	}
	if err := r.Skip(4); err != nil { // offset to CAOL from post-header
		return res, err
	}
	if err := r.Skip(8); err != nil { // top-level AOLI chunk number, or -1
		return res, err
	}
	if err := r.Skip(8); err != nil { // first AOLL chunk number
		return res, err
	}
	if err := r.Skip(8); err != nil { // last AOLL chunk number
		return res, err
	}
	if err := r.Skip(8); err != nil { // unknown
		return res, err
	}
	if err := r.Skip(4); err != nil { // directory chunk size
		return res, err
	}
	if err := r.Skip(4); err != nil { // quickref density
		return res, err
	}
	if err := r.Skip(4); err != nil { // unknown
		return res, err
	}
	if err := r.Skip(4); err != nil { // depth of main directory index tree
		return res, err
	}
	if err := r.Skip(8); err != nil { // unknown
		return res, err
	}
	numDirEntries, err := r.ReadUint64()
	if err != nil {
		return res, err
	}
	if err := r.Skip(8); err != nil { // unknown, directory index
		return res, err
	}
	if err := r.Skip(8); err != nil { // first AOLL chunk number, directory index
		return res, err
	}
	if err := r.Skip(8); err != nil { // last AOLL chunk number, directory index
		return res, err
	}
	if err := r.Skip(8); err != nil { // unknown
		return res, err
	}
	if err := r.Skip(4); err != nil { // directory index chunk size
		return res, err
	}
	if err := r.Skip(4); err != nil { // quickref density, directory index
		return res, err
	}
	if err := r.Skip(4); err != nil { // unknown
		return res, err
	}
	if err := r.Skip(4); err != nil { // depth of directory index index tree
		return res, err
	}
	if err := r.Skip(8); err != nil { // flags
		return res, err
	}
	if err := r.Skip(8); err != nil { // number of directory index entries
		return res, err
	}
	if err := r.Skip(4); err != nil { // max directory size
		return res, err
	}
	if err := r.Skip(4); err != nil { // max directory index size
		return res, err
	}
	if err := r.Skip(8); err != nil { // unknown
		return res, err
	}

	caolMagic, err := r.ReadUint32()
	if err != nil {
		return res, err
	}
	if caolMagic != sigCAOL {
		return res, fmt.Errorf("%w: CAOL magic 0x%X", ErrStructureMismatch, caolMagic)
	}
	caolVersion, err := r.ReadUint32()
	if err != nil {
		return res, err
	}
	if caolVersion != 2 {
		return res, fmt.Errorf("%w: CAOL version %d, want 2", ErrStructureMismatch, caolVersion)
	}
	caolLength, err := r.ReadUint32()
	if err != nil {
		return res, err
	}
	if caolLength >= 0x2C {
		if err := r.Skip(2 + 2 + 4 + 4 + 4 + 4 + 4 + 4 + 4); err != nil {
			return res, err
		}
		switch caolLength {
		case 0x2C:
			res.NewFormat = true
			res.ContentOffset = 0
		case 0x50:
			if err := r.Skip(4); err != nil {
				return res, err
			}
			itsfMagic, err := r.ReadUint32()
			if err != nil {
				return res, err
			}
			if itsfMagic != sigITSF {
				return res, fmt.Errorf("%w: embedded ITSF magic 0x%X", ErrStructureMismatch, itsfMagic)
			}
			itsfVersion, err := r.ReadUint32()
			if err != nil {
				return res, err
			}
			if itsfVersion != 4 {
				return res, fmt.Errorf("%w: embedded ITSF version %d, want 4", ErrStructureMismatch, itsfVersion)
			}
			itsfLen, err := r.ReadUint32()
			if err != nil {
				return res, err
			}
			if itsfLen != 0x20 {
				return res, fmt.Errorf("%w: embedded ITSF length 0x%X, want 0x20", ErrStructureMismatch, itsfLen)
			}
			unknown, err := r.ReadUint32()
			if err != nil {
				return res, err
			}
			if unknown != 0 && unknown != 1 {
				return res, fmt.Errorf("%w: embedded ITSF unknown = %d", ErrStructureMismatch, unknown)
			}
			contentOffset, err := r.ReadUint64()
			if err != nil {
				return res, err
			}
			res.ContentOffset = uint64(startPosition) + contentOffset
			if err := r.Skip(4); err != nil { // timestamp
				return res, err
			}
			if err := r.Skip(4); err != nil { // lang
				return res, err
			}
		default:
			return res, fmt.Errorf("%w: CAOL length 0x%X not in {0x2C, 0x50}", ErrStructureMismatch, caolLength)
		}
	} else {
		return res, fmt.Errorf("%w: CAOL length 0x%X not in {0x2C, 0x50}", ErrStructureMismatch, caolLength)
	}

	if err := parseSection0(src, startPosition+int64(sectionOffsets[0]), int64(sectionSizes[0]), res); err != nil {
		return res, err
	}

	if err := parseHelp2Directory(src, startPosition+int64(sectionOffsets[1]), int64(sectionSizes[1]), res, numDirEntries); err != nil {
		return res, err
	}
	return res, nil
}

// parseHelp2Directory walks the IFCM-headed, AOLL-chunked Help2 directory
// section. It differs enough from CHM's PMGL walk (extra per-chunk fields,
// a running numDirEntries budget, and an alternate new-format entry shape)
// that sharing parseDirectory would cost more in conditionals than it saves.
func parseHelp2Directory(src reader.Source, pos, size int64, res *Result, numDirEntries uint64) error {
	r, err := reader.OpenWindow(src, pos, size)
	if err != nil {
		return err
	}

	ifcmMagic, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if ifcmMagic != sigIFCM {
		return fmt.Errorf("%w: directory section magic 0x%X, want IFCM", ErrStructureMismatch, ifcmMagic)
	}
	version, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if version != 1 {
		return fmt.Errorf("%w: directory section version %d, want 1", ErrStructureMismatch, version)
	}
	dirChunkSize, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if dirChunkSize < 64 {
		return fmt.Errorf("%w: directory chunk size %d < 64", ErrStructureMismatch, dirChunkSize)
	}
	if err := r.Skip(4); err != nil { // 0x100000 unknown
		return err
	}
	if err := r.Skip(4); err != nil { // -1 unknown
		return err
	}
	if err := r.Skip(4); err != nil { // -1 unknown
		return err
	}
	numDirChunks, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if err := r.Skip(4); err != nil { // high word, unknown
		return err
	}

	for ci := uint32(0); ci < numDirChunks; ci++ {
		chunkPos := r.Pos()
		magic, err := r.ReadUint32()
		if err != nil {
			return err
		}
		if magic != sigAOLL {
			if err := r.Skip(int(dirChunkSize) - 4); err != nil {
				return err
			}
			continue
		}

		quickrefLength, err := r.ReadUint32()
		if err != nil {
			return err
		}
		if quickrefLength > dirChunkSize || quickrefLength < 2 {
			return fmt.Errorf("%w: quickref length %d out of range", ErrStructureMismatch, quickrefLength)
		}
		if err := r.Skip(8); err != nil { // this chunk's number
			return err
		}
		if err := r.Skip(8); err != nil { // previous chunk number
			return err
		}
		if err := r.Skip(8); err != nil { // next chunk number
			return err
		}
		if err := r.Skip(8); err != nil { // first listing entry number
			return err
		}
		if err := r.Skip(4); err != nil { // unknown
			return err
		}
		if err := r.Skip(4); err != nil { // unknown
			return err
		}

		var numItems uint32
		for {
			offset := uint32(r.Pos() - chunkPos)
			offsetLimit := dirChunkSize - quickrefLength
			if offset > offsetLimit {
				return fmt.Errorf("%w: directory entry overran chunk boundary", ErrStructureMismatch)
			}
			if offset == offsetLimit {
				break
			}
			if res.NewFormat {
				if err := readNewFormatEntry(r, res); err != nil {
					return err
				}
			} else if err := readDirEntry(r, res); err != nil {
				return err
			}
			numItems++
		}
		if err := r.Skip(int(quickrefLength) - 2); err != nil {
			return err
		}
		trailingCount, err := r.ReadUint16()
		if err != nil {
			return err
		}
		if uint32(trailingCount) != numItems {
			return fmt.Errorf("%w: quickref item count %d != decoded %d", ErrStructureMismatch, trailingCount, numItems)
		}
		if uint64(numItems) > numDirEntries {
			return fmt.Errorf("%w: chunk claims more items than remain in directory", ErrStructureMismatch)
		}
		numDirEntries -= uint64(numItems)
	}
	if numDirEntries != 0 {
		return fmt.Errorf("%w: directory entry count mismatch, %d unaccounted for", ErrStructureMismatch, numDirEntries)
	}
	return nil
}

// readNewFormatEntry reads one opaque new-format diagnostic record and
// appends a hex-dumped summary to res.NewFormatString. It is never turned
// into an Item.
func readNewFormatEntry(r *reader.Reader, res *Result) error {
	nameLen, err := r.ReadUint16()
	if err != nil {
		return err
	}
	if nameLen == 0 {
		return fmt.Errorf("%w: new-format entry has zero name length", ErrStructureMismatch)
	}
	name, err := r.ReadUString(int(nameLen))
	if err != nil {
		return err
	}
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %02X ", name, tag)
	length, err := r.ReadEncInt()
	if err != nil {
		return err
	}
	for i := uint64(0); i < length; i++ {
		byteVal, err := r.ReadByte()
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "%02X", byteVal)
	}
	res.NewFormatString += b.String() + "\r\n"
	return nil
}
