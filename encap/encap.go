// Copyright 2025 The wsiconvert Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package encap assembles encoded tile frames into a DICOM encapsulated
// pixel-data stream as described in
// http://dicom.nema.org/medical/dicom/current/output/html/part05.html#sect_A.4:
// a sequence of even-length items delimited by item tags, preceded by a
// basic offset table item and terminated by a sequence delimitation item.
// The extended offset table variant (64-bit offsets plus lengths) is built
// alongside for streams whose offsets do not fit 32 bits.
package encap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Item framing tags, from DICOM PS3.5 table 7.5-3.
const (
	// ItemTag (FFFE,E000) opens each fragment item.
	ItemTag = uint32(0xFFFEE000)
	// SequenceDelimitationItemTag (FFFE,E0DD) terminates the fragment sequence.
	SequenceDelimitationItemTag = uint32(0xFFFEE0DD)

	// PixelDataTag (7FE0,0010) is the pixel data element's tag.
	PixelDataTag = uint32(0x7FE00010)

	// UndefinedLength marks an undefined-length value field, which for
	// pixel data is always the encapsulated format.
	UndefinedLength = uint32(0xFFFFFFFF)

	itemHeaderSize = 8 // 4 byte tag + 4 byte length
)

// Frame is one encoded tile in canonical frame order. Frames are created
// per worker job and consumed immediately by the assembler.
type Frame struct {
	// Index is the canonical DICOM frame index within the instance:
	// row-major tile order of the level.
	Index int

	Bytes []byte

	// Compressed is false only for frames carrying raw samples.
	Compressed bool

	// Lossy reports whether the frame's pixel path included any lossy step,
	// including resampling for synthesized levels.
	Lossy bool

	// Codec is the transfer syntax UID of the frame's encoding.
	Codec string

	// UncompressedSize is the pixel byte count of the tile before encoding,
	// used for the per-instance compression ratio.
	UncompressedSize int64
}

// Mode selects the offset table representation of a stream.
type Mode int

const (
	// ModeAuto attempts a basic table and falls back to extended on
	// projected 32-bit overflow. It never silently drops to ModeNone.
	ModeAuto Mode = iota
	// ModeNone emits frames with no table; readers linear-scan item tags.
	ModeNone
	// ModeBasic emits a 32-bit basic offset table.
	ModeBasic
	// ModeExtended emits a 64-bit extended offset table with lengths.
	ModeExtended
)

// ParseMode maps the configuration surface values onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "auto":
		return ModeAuto, nil
	case "none":
		return ModeNone, nil
	case "basic":
		return ModeBasic, nil
	case "extended":
		return ModeExtended, nil
	}
	return 0, fmt.Errorf("unknown offset table mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeNone:
		return "none"
	case ModeBasic:
		return "basic"
	case ModeExtended:
		return "extended"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// OffsetTableOverflowError reports that an explicitly requested basic table
// cannot represent the stream. Under ModeAuto the overflow is not an error;
// it triggers the extended fallback instead.
type OffsetTableOverflowError struct {
	FrameIndex int
	Offset     uint64
}

func (e *OffsetTableOverflowError) Error() string {
	return fmt.Sprintf("basic offset table overflow: frame %d at offset %d exceeds 32 bits", e.FrameIndex, e.Offset)
}

// OffsetTable is the ordered list of frame locations, aligned 1:1 with the
// frames of the stream. Offsets are byte distances from the first byte of
// the first frame's item tag. Lengths are the unpadded frame byte counts
// and are populated for the extended representation only.
type OffsetTable struct {
	Mode    Mode
	Offsets []uint64
	Lengths []uint64
}

// tableForLengths derives the offset table for frames of the given unpadded
// byte lengths. Split out from assembly so the 32-bit boundary behavior is
// testable without materializing multi-gigabyte streams.
func tableForLengths(mode Mode, lengths []int64) (OffsetTable, error) {
	offsets := make([]uint64, len(lengths))
	lens := make([]uint64, len(lengths))
	next := uint64(0)
	for i, length := range lengths {
		offsets[i] = next
		lens[i] = uint64(length)
		next += itemHeaderSize + uint64(evenLength(length))
	}

	switch mode {
	case ModeNone:
		return OffsetTable{Mode: ModeNone}, nil
	case ModeExtended:
		return OffsetTable{Mode: ModeExtended, Offsets: offsets, Lengths: lens}, nil
	}

	// Basic and auto both project a 32-bit table first.
	for i, offset := range offsets {
		if offset > math.MaxUint32 {
			if mode == ModeAuto {
				return OffsetTable{Mode: ModeExtended, Offsets: offsets, Lengths: lens}, nil
			}
			return OffsetTable{}, &OffsetTableOverflowError{FrameIndex: i, Offset: offset}
		}
	}
	return OffsetTable{Mode: ModeBasic, Offsets: offsets}, nil
}

func evenLength(n int64) int64 {
	if n%2 != 0 {
		return n + 1
	}
	return n
}

// Stream is a fully assembled encapsulated pixel-data stream in canonical
// frame order.
type Stream struct {
	frames [][]byte // unpadded frame bytes
	table  OffsetTable

	lossy            bool
	codec            string
	uncompressedSize int64
}

// FrameCount returns the number of encapsulated frames.
func (s *Stream) FrameCount() int { return len(s.frames) }

// Table returns the chosen offset table. For ModeExtended the table is not
// written into the pixel-data element; the downstream dataset writer places
// it in the ExtendedOffsetTable attributes.
func (s *Stream) Table() OffsetTable { return s.table }

// Lossy reports whether any frame of the stream is lossy.
func (s *Stream) Lossy() bool { return s.lossy }

// Codec returns the transfer syntax UID shared by the stream's frames.
func (s *Stream) Codec() string { return s.codec }

// CompressionRatio returns the aggregate uncompressed-to-encapsulated size
// ratio of the stream, or 0 when unknown.
func (s *Stream) CompressionRatio() float64 {
	encoded := int64(0)
	for _, f := range s.frames {
		encoded += int64(len(f))
	}
	if encoded == 0 || s.uncompressedSize == 0 {
		return 0
	}
	return float64(s.uncompressedSize) / float64(encoded)
}

// EncapsulatedLength returns the byte length of the frame items including
// item headers and padding, excluding the offset table item and the
// sequence delimitation item.
func (s *Stream) EncapsulatedLength() int64 {
	n := int64(0)
	for _, f := range s.frames {
		n += itemHeaderSize + evenLength(int64(len(f)))
	}
	return n
}

// WriteTo writes the complete encapsulated value: the basic offset table
// item (empty unless the basic representation was chosen), one item per
// frame padded to even length, and the sequence delimitation item.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	dw := &dcmWriter{cw}

	boTable := []byte{}
	if s.table.Mode == ModeBasic {
		boTable = make([]byte, 4*len(s.table.Offsets))
		for i, offset := range s.table.Offsets {
			binary.LittleEndian.PutUint32(boTable[4*i:], uint32(offset))
		}
	}
	if err := dw.Item(boTable); err != nil {
		return cw.n, fmt.Errorf("writing basic offset table item: %v", err)
	}

	for i, frame := range s.frames {
		if err := dw.Item(frame); err != nil {
			return cw.n, fmt.Errorf("writing frame item %d: %v", i, err)
		}
	}

	if err := dw.Delimiter(SequenceDelimitationItemTag); err != nil {
		return cw.n, fmt.Errorf("writing sequence delimitation item: %v", err)
	}

	return cw.n, nil
}

// WriteElementTo writes the stream as a complete explicit VR little endian
// pixel data element: the (7FE0,0010) OB undefined-length header followed
// by the encapsulated value. This is the form a dataset writer appends
// after the instance's other attributes.
func (s *Stream) WriteElementTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	dw := &dcmWriter{cw}
	if err := dw.PixelDataElement(); err != nil {
		return cw.n, err
	}
	_, err := s.WriteTo(cw)
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Assembler builds Streams from ordered frame sequences.
type Assembler struct {
	mode Mode
}

// NewAssembler returns an assembler producing the given table variant.
func NewAssembler(mode Mode) *Assembler {
	return &Assembler{mode: mode}
}

// Assemble consumes frames in canonical order and builds the stream and its
// offset table. The assembler never reorders: a frame whose index is not
// exactly one past its predecessor's is a contract violation from the
// scheduler and fails the assembly.
func (a *Assembler) Assemble(frames <-chan Frame) (*Stream, error) {
	s := &Stream{}
	lengths := []int64{}
	next := 0
	for frame := range frames {
		if frame.Index != next {
			return nil, fmt.Errorf("frame index %d out of order, want %d", frame.Index, next)
		}
		next++

		s.frames = append(s.frames, frame.Bytes)
		lengths = append(lengths, int64(len(frame.Bytes)))
		s.lossy = s.lossy || frame.Lossy
		s.uncompressedSize += frame.UncompressedSize
		if s.codec == "" {
			s.codec = frame.Codec
		} else if frame.Codec != s.codec {
			return nil, fmt.Errorf("frame %d codec %q differs from stream codec %q", frame.Index, frame.Codec, s.codec)
		}
	}

	table, err := tableForLengths(a.mode, lengths)
	if err != nil {
		return nil, err
	}
	s.table = table

	return s, nil
}
