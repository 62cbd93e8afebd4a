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

package encap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// dcmWriter writes the little endian item framing of encapsulated pixel
// data. Encapsulated values are always little endian regardless of the
// dataset's transfer syntax.
type dcmWriter struct {
	io.Writer
}

func (dw *dcmWriter) Tag(tag uint32) error {
	if err := dw.UInt16(uint16(tag >> 16)); err != nil {
		return err
	}
	return dw.UInt16(uint16(tag))
}

func (dw *dcmWriter) UInt16(v uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return dw.Bytes(buf)
}

func (dw *dcmWriter) UInt32(v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return dw.Bytes(buf)
}

func (dw *dcmWriter) Bytes(b []byte) error {
	_, err := dw.Write(b)
	return err
}

// Item writes an item tag, the even-padded length, and the payload. Odd
// payloads are padded with a single null byte per PS3.5 section 7.5.
func (dw *dcmWriter) Item(payload []byte) error {
	if err := dw.Tag(ItemTag); err != nil {
		return fmt.Errorf("writing item tag: %v", err)
	}
	padded := len(payload)%2 != 0
	length := len(payload)
	if padded {
		length++
	}
	if err := dw.UInt32(uint32(length)); err != nil {
		return fmt.Errorf("writing item length: %v", err)
	}
	if err := dw.Bytes(payload); err != nil {
		return fmt.Errorf("writing item value: %v", err)
	}
	if padded {
		return dw.Bytes([]byte{0x00})
	}
	return nil
}

// Delimiter writes a delimitation item: the tag followed by a zero length.
func (dw *dcmWriter) Delimiter(tag uint32) error {
	if err := dw.Tag(tag); err != nil {
		return fmt.Errorf("writing delimiter tag: %v", err)
	}
	if err := dw.UInt32(0); err != nil {
		return fmt.Errorf("writing delimiter length: %v", err)
	}
	return nil
}

// PixelDataElement writes the explicit VR little endian data element
// framing around an encapsulated stream: the (7FE0,0010) tag, the OB VR
// with its reserved field, and the undefined length that marks the
// encapsulated format. The caller follows with the stream's items.
func (dw *dcmWriter) PixelDataElement() error {
	if err := dw.Tag(PixelDataTag); err != nil {
		return fmt.Errorf("writing pixel data tag: %v", err)
	}
	if err := dw.Bytes([]byte("OB")); err != nil {
		return fmt.Errorf("writing VR: %v", err)
	}
	// OB carries a reserved 16-bit field before its 32-bit length.
	if err := dw.UInt16(0); err != nil {
		return fmt.Errorf("writing reserved field: %v", err)
	}
	if err := dw.UInt32(UndefinedLength); err != nil {
		return fmt.Errorf("writing undefined length: %v", err)
	}
	return nil
}

// NewDeflatedWriter wraps w for producing output in the Deflated Explicit
// VR Little Endian transfer syntax: everything past the file meta group is
// raw deflate. The caller must Close the returned writer to flush the
// final deflate block.
func NewDeflatedWriter(w io.Writer) (io.WriteCloser, error) {
	fw, err := flate.NewWriter(w, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("creating deflate writer: %v", err)
	}
	return fw, nil
}
