// Copyright (c) 2026 The gochm Project.
// SPDX-License-Identifier: GPL-3.0-or-later

package chmcore

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/gochm/chmcore/internal/header"
	"github.com/gochm/chmcore/internal/metadata"
	"github.com/gochm/chmcore/internal/reader"
)

// Source is the byte source contract consumed by Open: random-access reads
// plus an absolute seek, matching what a Reader window is built from.
type Source = reader.Source

const (
	signatureITSF = 0x46535449
	chmVersion    = 3
)

// Open recognizes and parses a CHM or Help2 container from source and
// returns a fully populated Database. Open itself only returns an error for
// a genuine I/O failure on source or an unrecognized mode; every other
// parse problem (truncation,
// header corruption, unsupported high-level metadata) is absorbed into a
// flag on the returned Database, which is otherwise populated with
// whatever was successfully parsed before the problem was hit.
//
// For ModeHelp2, searchHeaderSizeLimit bounds how far Open will scan for the
// ITLS/ITOL signature pair before giving up (nil means a default of 1<<18
// bytes, matching the original).
func Open(source Source, mode Mode, searchHeaderSizeLimit *uint64) (*Database, error) {
	db := &Database{Help2Format: mode == ModeHelp2}

	startPosition, err := source.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("chmcore: determine start position: %w", err)
	}

	var res *header.Result
	switch mode {
	case ModeHelp2:
		sigPos, err := scanHelp2Signature(source, startPosition, searchHeaderSizeLimit)
		if err != nil {
			if errors.Is(err, errSignatureNotFound) {
				return db, nil
			}
			return nil, err
		}
		db.StartPosition = uint64(sigPos)
		res, err = header.ParseHelp2(source, sigPos)
		if res != nil {
			db.IsArc = res.Recognized
		}
		if setFlagsFromErr(db, err) {
			return db, nil
		}
		if err != nil {
			return nil, err
		}
	case ModeCHM:
		probe, err := reader.OpenWindow(source, startPosition, 8)
		if err != nil {
			return nil, err
		}
		sig, err := probe.ReadUint32()
		if err != nil {
			if setFlagsFromErr(db, err) {
				return db, nil
			}
			return nil, err
		}
		if sig != signatureITSF {
			return db, nil
		}
		version, err := probe.ReadUint32()
		if err != nil {
			if setFlagsFromErr(db, err) {
				return db, nil
			}
			return nil, err
		}
		if version != chmVersion {
			return db, nil
		}
		db.StartPosition = uint64(startPosition)
		res, err = header.ParseCHM(source, startPosition)
		if res != nil {
			db.IsArc = res.Recognized
		}
		if setFlagsFromErr(db, err) {
			return db, nil
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("chmcore: unrecognized mode %d", mode)
	}

	applyLowLevelResult(db, res)

	if db.NewFormat {
		db.LowLevel = true
		return db, nil
	}

	hi, err := metadata.Parse(source, itemsToRaw(db.Items), db.ContentOffset, db.Help2Format)
	if err != nil {
		if errors.Is(err, metadata.ErrUnsupported) {
			db.UnsupportedFeature = true
			db.LowLevel = true
			return db, nil
		}
		if setFlagsFromErr(db, err) {
			db.LowLevel = true
			return db, nil
		}
		return nil, err
	}
	db.LowLevel = false
	applyHighLevelResult(db, hi)

	if !finalize(db) {
		db.UnsupportedFeature = true
	}
	return db, nil
}

var errSignatureNotFound = errors.New("chmcore: help2 signature not found within search limit")

// scanHelp2Signature slides an 8-byte window byte by byte looking for the
// ITLS/ITOL signature pair, bounded by limit (default 1<<18 bytes),
// mirroring the original's byte-at-a-time scan in Open2.
func scanHelp2Signature(source Source, startPosition int64, searchHeaderSizeLimit *uint64) (int64, error) {
	limit := uint64(1 << 18)
	if searchHeaderSizeLimit != nil && *searchHeaderSizeLimit < limit {
		limit = *searchHeaderSizeLimit
	}

	r, err := reader.OpenWindow(source, startPosition, 1<<62)
	if err != nil {
		return 0, err
	}

	var val uint64
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, reader.ErrUnexpectedEnd) {
				return 0, errSignatureNotFound
			}
			return 0, err
		}
		val >>= 8
		val |= uint64(b) << ((header.Help2SignatureSize - 1) * 8)
		if r.Pos() >= header.Help2SignatureSize {
			if val == header.Help2Signature {
				return startPosition + r.Pos() - header.Help2SignatureSize, nil
			}
			if uint64(r.Pos()) > limit {
				return 0, errSignatureNotFound
			}
		}
	}
}

// setFlagsFromErr inspects err for the two sentinel parse errors and sets
// the matching Database flag, returning true if it recognized (and thus
// absorbed) the error. A false return means err is a genuine propagating
// error the caller must still return.
func setFlagsFromErr(db *Database, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, reader.ErrUnexpectedEnd):
		db.UnexpectedEnd = true
		return true
	case errors.Is(err, reader.ErrHeaderError), errors.Is(err, header.ErrStructureMismatch):
		db.HeadersError = true
		return true
	default:
		return false
	}
}

func itemsToRaw(items []Item) []header.RawItem {
	raw := make([]header.RawItem, len(items))
	for i, it := range items {
		raw[i] = header.RawItem{Name: it.Name, Section: it.Section, Offset: it.Offset, Size: it.Size}
	}
	return raw
}

func applyLowLevelResult(db *Database, res *header.Result) {
	db.ContentOffset = res.ContentOffset
	db.NewFormat = res.NewFormat
	db.NewFormatString = res.NewFormatString
	if res.PhysSize > db.PhysSize {
		db.PhysSize = res.PhysSize
	}
	db.Items = make([]Item, len(res.Items))
	for i, it := range res.Items {
		db.Items[i] = Item{Name: it.Name, Section: it.Section, Offset: it.Offset, Size: it.Size}
	}
}

func applyHighLevelResult(db *Database, hi *metadata.Result) {
	db.Sections = make([]Section, len(hi.Sections))
	for i, s := range hi.Sections {
		db.Sections[i] = Section{
			Name:             s.Name,
			Offset:           s.Offset,
			CompressedSize:   s.CompressedSize,
			UncompressedSize: s.UncompressedSize,
			Methods:          make([]MethodInfo, len(s.Methods)),
		}
		for mi, m := range s.Methods {
			method := MethodInfo{GUID: uuid.UUID(m.GUID), ControlData: m.ControlData}
			if m.LZX != nil {
				method.LZX = &LZXInfo{
					Version:       m.LZX.Version,
					ResetInterval: m.LZX.ResetInterval,
					WindowSize:    m.LZX.WindowSize,
					CacheSize:     m.LZX.CacheSize,
					ResetTable: ResetTable{
						UncompressedSize: m.LZX.ResetTable.UncompressedSize,
						CompressedSize:   m.LZX.ResetTable.CompressedSize,
						BlockSize:        m.LZX.ResetTable.BlockSize,
						ResetOffsets:     m.LZX.ResetTable.ResetOffsets,
					},
				}
			}
			db.Sections[i].Methods[mi] = method
		}
	}
}
