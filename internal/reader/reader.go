// Copyright (c) 2026 The gochm Project.
// SPDX-License-Identifier: GPL-3.0-or-later

// Package reader implements the primitive, sequential byte reads that every
// dialect parser in chmcore is built from, plus the windowing helper that
// binds those reads to a bounded region of a random-access byte source.
package reader

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrUnexpectedEnd means the current window ran out of bytes before a
// required field could be read.
var ErrUnexpectedEnd = errors.New("chmcore: unexpected end of data")

// ErrHeaderError means a self-describing field violated an invariant of the
// encoding (an ENC_INT exceeded its 9-byte budget, for example).
var ErrHeaderError = errors.New("chmcore: header error")

// Source is the byte source contract consumed by Open: random-access reads
// with absolute seek, plus whatever the sequential Read needs to report a
// short count at end-of-data.
type Source interface {
	io.ReaderAt
	io.ReadSeeker
}

// Reader is the Primitive Reader: little-endian fixed-width reads, the
// self-delimiting ENC_INT encoding, GUID assembly, and length-bounded
// NUL-terminated strings, all read sequentially from an underlying
// bufio.Reader. The zero value is not usable; construct one with OpenWindow.
type Reader struct {
	br   *bufio.Reader
	pos  int64
	size int64 // window size; -1 when unbounded (NewBuffered)
}

// OpenWindow seeks source to pos and returns a Reader limited to exactly
// size bytes from that point. A new window keeps nothing from any window
// opened before it — there is nothing to "forget to re-init". Windows read
// through source's own seek position, so an earlier window over the same
// source no longer reads its own region once a new one is opened.
func OpenWindow(source Source, pos, size int64) (*Reader, error) {
	if _, err := source.Seek(pos, io.SeekStart); err != nil {
		return nil, fmt.Errorf("chmcore: seek to window at %d: %w", pos, err)
	}
	limited := io.LimitReader(source, size)
	return &Reader{br: bufio.NewReaderSize(limited, 1<<14), size: size}, nil
}

// NewBuffered wraps source itself (unbounded) in a 16 KiB buffered Reader
// with no window bound and no seek.
func NewBuffered(source io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(source, 1<<14), size: -1}
}

// Size reports the total size of the window this Reader was opened over,
// mirroring the original's per-chunk _chunkSize — used by callers that need
// to validate a whole resolved item's length (Transform/List's GUID count,
// a ResetTable's "is it the empty/absent form" check) rather than read a
// declared field.
func (r *Reader) Size() int64 {
	return r.size
}

// asUnexpectedEnd maps the stdlib's end-of-data sentinels to
// ErrUnexpectedEnd and passes every other error through verbatim, wrapped
// for context. A real I/O error from the underlying Source (disk error,
// broken pipe) is not a parse-level "ran out of data" condition and must
// not be swallowed into a Database flag.
func asUnexpectedEnd(err error, op string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEnd
	}
	return fmt.Errorf("chmcore: %s: %w", op, err)
}

// ReadByte reads a single byte, failing with ErrUnexpectedEnd at the window
// boundary.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		return 0, asUnexpectedEnd(err, "read byte")
	}
	r.pos++
	return b, nil
}

// ReadBytes reads exactly n raw bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, asUnexpectedEnd(err, "read bytes")
	}
	r.pos += int64(n)
	return buf, nil
}

// Skip reads and discards n bytes.
func (r *Reader) Skip(n int) error {
	if n <= 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, r.br, int64(n))
	r.pos += copied
	if err != nil {
		return asUnexpectedEnd(err, "skip")
	}
	return nil
}

// Pos reports the number of bytes successfully consumed so far, mirroring
// the original's _inBuffer.GetProcessedSize(). Used by the Help2 signature
// scan and by each chunk loop to compute the offset into the current chunk.
func (r *Reader) Pos() int64 {
	return r.pos
}

// ReadUint16 reads a little-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// ReadUint32 reads a little-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// ReadUint64 reads a little-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// ReadEncInt reads the self-delimiting 7-bit-per-byte integer: each byte
// contributes its low 7 bits, high bit set means "more bytes follow", and
// the accumulator is shifted left 7 bits *after* each contribution except
// the terminating byte. A 9th byte still carrying the continuation bit is
// a HeaderError, matching the original encoder/decoder's fixed budget.
func (r *Reader) ReadEncInt() (uint64, error) {
	var val uint64
	for i := 0; i < 9; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		val |= uint64(b & 0x7F)
		if b < 0x80 {
			return val, nil
		}
		val <<= 7
	}
	return 0, ErrHeaderError
}

// ReadGUID reads a 16-byte Microsoft GUID: Data1 (u32 LE), Data2 (u16 LE),
// Data3 (u16 LE), Data4 (8 raw bytes, not endian-converted). The result is
// the 16-byte big-endian RFC 4122 encoding expected by uuid.FromBytes: the
// three leading fields are re-serialized big-endian so that the resulting
// UUID's canonical string form matches the GUID's usual text representation.
func (r *Reader) ReadGUID() ([16]byte, error) {
	var out [16]byte
	data1, err := r.ReadUint32()
	if err != nil {
		return out, err
	}
	data2, err := r.ReadUint16()
	if err != nil {
		return out, err
	}
	data3, err := r.ReadUint16()
	if err != nil {
		return out, err
	}
	data4, err := r.ReadBytes(8)
	if err != nil {
		return out, err
	}
	out[0] = byte(data1 >> 24)
	out[1] = byte(data1 >> 16)
	out[2] = byte(data1 >> 8)
	out[3] = byte(data1)
	out[4] = byte(data2 >> 8)
	out[5] = byte(data2)
	out[6] = byte(data3 >> 8)
	out[7] = byte(data3)
	copy(out[8:], data4)
	return out, nil
}

// ReadString reads exactly n bytes and truncates at the first NUL, skipping
// the remainder. The returned bytes are not otherwise validated as UTF-8;
// callers that need text decode it themselves.
func (r *Reader) ReadString(n int) ([]byte, error) {
	buf, err := r.ReadBytes(n)
	if err != nil {
		return nil, err
	}
	for i, c := range buf {
		if c == 0 {
			return buf[:i], nil
		}
	}
	return buf, nil
}

var utf16leDecoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// ReadUString reads exactly n UTF-16LE code units and truncates at the
// first zero code unit, skipping the remaining pairs. The surviving code
// units are converted to UTF-8.
func (r *Reader) ReadUString(n int) (string, error) {
	raw := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		lo, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		hi, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if lo == 0 && hi == 0 {
			if err := r.Skip(2 * (n - i - 1)); err != nil {
				return "", err
			}
			break
		}
		raw = append(raw, lo, hi)
	}
	out, _, err := transform.Bytes(utf16leDecoder, raw)
	if err != nil {
		return "", fmt.Errorf("chmcore: decode utf-16le string: %w", err)
	}
	return string(out), nil
}
