// Copyright (c) 2026 The gochm Project.
// SPDX-License-Identifier: GPL-3.0-or-later

package header

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gochm/chmcore/internal/reader"
)

// fixtureBuilder assembles a byte buffer field by field, mirroring the
// write side of the grammar this package's readers walk. It exists only in
// tests: there is no encoder in the shipped package.
type fixtureBuilder struct {
	buf bytes.Buffer
}

func (b *fixtureBuilder) u16(v uint16) *fixtureBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

func (b *fixtureBuilder) u32(v uint32) *fixtureBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

func (b *fixtureBuilder) u64(v uint64) *fixtureBuilder {
	binary.Write(&b.buf, binary.LittleEndian, v)
	return b
}

func (b *fixtureBuilder) raw(p []byte) *fixtureBuilder {
	b.buf.Write(p)
	return b
}

func (b *fixtureBuilder) zeros(n int) *fixtureBuilder {
	b.buf.Write(make([]byte, n))
	return b
}

func (b *fixtureBuilder) encInt(v uint64) *fixtureBuilder {
	var groups []byte
	if v == 0 {
		groups = []byte{0}
	} else {
		for v > 0 {
			groups = append(groups, byte(v&0x7F))
			v >>= 7
		}
	}
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		if i != 0 {
			g |= 0x80
		}
		b.buf.WriteByte(g)
	}
	return b
}

func (b *fixtureBuilder) bytes() []byte {
	return b.buf.Bytes()
}

// newSource adapts a byte slice to reader.Source; *bytes.Reader already
// implements io.ReaderAt and io.ReadSeeker.
func newSource(p []byte) *bytes.Reader {
	return bytes.NewReader(p)
}

// buildCHMDirChunk builds one minimal PMGL listing chunk containing
// exactly the given entries, sized to the smallest legal dirChunkSize for
// that exact entry payload (quickrefLength fixed at the 2-byte minimum).
func buildCHMDirChunk(entries func(*fixtureBuilder)) ([]byte, uint32) {
	var body fixtureBuilder
	entries(&body)
	entryBytes := body.bytes()

	const preamble = 4 + 4 + 4 + 4 + 4 // magic + quickrefLen + zero + prev + next
	const quickrefLength = 2
	dirChunkSize := uint32(preamble + len(entryBytes) + quickrefLength)

	var chunk fixtureBuilder
	chunk.u32(sigPMGL)
	chunk.u32(quickrefLength)
	chunk.u32(0)  // always 0
	chunk.u32(^uint32(0)) // previous chunk, -1
	chunk.u32(^uint32(0)) // next chunk, -1
	chunk.raw(entryBytes)
	// quickrefLength-2 == 0, nothing to skip
	chunk.u16(1) // numItems; every caller here adds exactly one entry
	return chunk.bytes(), dirChunkSize
}

func buildCHMFixture(t *testing.T, name string, section, offset, size uint64) []byte {
	t.Helper()

	dirChunk, dirChunkSize := buildCHMDirChunk(func(b *fixtureBuilder) {
		b.encInt(uint64(len(name)))
		b.raw([]byte(name))
		b.encInt(section)
		b.encInt(offset)
		b.encInt(size)
	})

	var dirSection fixtureBuilder
	dirSection.u32(sigITSP)
	dirSection.u32(1)           // version
	dirSection.u32(0x54)        // dirHeaderSize, ignored
	dirSection.u32(0x0A)        // unknown
	dirSection.u32(dirChunkSize)
	dirSection.u32(2)           // density
	dirSection.u32(1)           // depth
	dirSection.u32(^uint32(0))  // root index chunk, -1
	dirSection.u32(0)           // first PMGL chunk
	dirSection.u32(0)           // last PMGL chunk
	dirSection.u32(^uint32(0))  // unknown, -1
	dirSection.u32(1)           // numDirChunks
	dirSection.u32(0)           // windows lang id
	dirSection.zeros(16)        // GUID
	dirSection.u32(0x54)        // length, again
	dirSection.zeros(12)        // three -1 sentinels (content unvalidated)
	dirSection.raw(dirChunk)

	var section0 fixtureBuilder
	section0.u32(0x01FE)
	section0.u32(0) // unknown
	section0.u64(0) // file size
	section0.zeros(8)

	var f fixtureBuilder
	f.raw([]byte("ITSF"))
	f.u32(3) // version

	const headerSize = 0x60
	section0Off := uint64(headerSize)
	section0Size := uint64(len(section0.bytes()))
	section1Off := section0Off + section0Size
	section1Size := uint64(len(dirSection.bytes()))
	contentOffset := section1Off + section1Size

	f.u32(headerSize)
	f.u32(0) // unknown1
	f.zeros(4)
	f.zeros(4)
	f.zeros(16) // guid1
	f.zeros(16) // guid2
	f.u64(section0Off)
	f.u64(section0Size)
	f.u64(section1Off)
	f.u64(section1Size)
	f.u64(contentOffset)

	f.raw(section0.bytes())
	f.raw(dirSection.bytes())
	return f.bytes()
}

func TestParseCHM(t *testing.T) {
	t.Parallel()

	data := buildCHMFixture(t, "/x.htm", 1, 0, 5)
	src := newSource(data)

	res, err := ParseCHM(src, 0)
	if err != nil {
		t.Fatalf("ParseCHM() error = %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("len(Items) = %d, want 1", len(res.Items))
	}
	got := res.Items[0]
	if got.Name != "/x.htm" || got.Section != 1 || got.Offset != 0 || got.Size != 5 {
		t.Errorf("Items[0] = %+v, want {/x.htm 1 0 5}", got)
	}
}

func TestParseCHMTruncated(t *testing.T) {
	t.Parallel()

	data := buildCHMFixture(t, "/x.htm", 1, 0, 5)
	// Truncate partway into the directory section.
	truncated := data[:len(data)-10]
	src := newSource(truncated)

	_, err := ParseCHM(src, 0)
	if !errors.Is(err, reader.ErrUnexpectedEnd) {
		t.Errorf("ParseCHM() on truncated input error = %v, want ErrUnexpectedEnd", err)
	}
}

func TestParseCHMBadHeaderSize(t *testing.T) {
	t.Parallel()

	data := buildCHMFixture(t, "/x.htm", 1, 0, 5)
	// Corrupt the header size field (first field inside the ParseCHM window).
	data[8] = 0xFF
	src := newSource(data)

	_, err := ParseCHM(src, 0)
	if !errors.Is(err, ErrStructureMismatch) {
		t.Errorf("ParseCHM() error = %v, want ErrStructureMismatch", err)
	}
}
