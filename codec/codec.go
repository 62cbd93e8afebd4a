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

// Package codec selects and invokes the frame encoders of the pipeline.
// Codecs are external capabilities: JPEG comes from the standard library,
// JPEG 2000 from github.com/cocosip/go-dicom-codec. Nothing here decodes
// or re-implements proprietary source formats.
package codec

import (
	"fmt"
	"image"
)

// Transfer syntax UIDs of the supported target codecs, from
// http://dicom.nema.org/medical/dicom/current/output/html/part06.html#chapter_A.
const (
	// JPEGBaselineUID is the JPEG Baseline (Process 1) transfer syntax UID.
	JPEGBaselineUID = "1.2.840.10008.1.2.4.50"
	// JPEG2000LosslessUID is the JPEG 2000 Image Compression (Lossless Only) UID.
	JPEG2000LosslessUID = "1.2.840.10008.1.2.4.90"
	// JPEG2000UID is the JPEG 2000 Image Compression UID.
	JPEG2000UID = "1.2.840.10008.1.2.4.91"
)

// Format is the requested target format of a conversion.
type Format int

const (
	// Passthrough re-emits the source's compressed bytes without re-encode.
	Passthrough Format = iota
	// JPEG transcodes to JPEG baseline.
	JPEG
	// JPEG2000 transcodes to JPEG 2000.
	JPEG2000
)

// ParseFormat maps the configuration surface values onto a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "passthrough":
		return Passthrough, nil
	case "jpeg":
		return JPEG, nil
	case "jpeg2000":
		return JPEG2000, nil
	}
	return 0, fmt.Errorf("unknown target format %q", s)
}

func (f Format) String() string {
	switch f {
	case Passthrough:
		return "passthrough"
	case JPEG:
		return "jpeg"
	case JPEG2000:
		return "jpeg2000"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Encoder compresses tile samples into frames of one transfer syntax.
// Implementations must be safe for concurrent Encode calls.
type Encoder interface {
	// Encode compresses the image. The image bounds are the tile's true
	// cropped extent, not the nominal tile size.
	Encode(img *image.NRGBA) ([]byte, error)

	// TransferSyntaxUID identifies the produced encoding.
	TransferSyntaxUID() string

	// Lossless reports whether Encode preserves samples exactly.
	Lossless() bool

	// PhotometricInterpretation returns the DICOM photometric interpretation
	// of the produced frames for the given channel count, for the
	// downstream attribute builder.
	PhotometricInterpretation(channels int) (string, error)
}

// Settings carries the encoder configuration of the conversion surface.
type Settings struct {
	// Quality is codec specific: for JPEG an integer 0-100; for JPEG 2000 a
	// PSNR target where values below 1 or above 1000 request lossless. The
	// above-1000 threshold is a convention of this configuration surface
	// carried over for compatibility, not a property of the codec.
	Quality float64

	// Subsampling is the JPEG chroma subsampling: "444", "422" or "420".
	Subsampling string
}

// NewEncoder builds the encoder for a transcoding target format. There is
// no encoder for Passthrough; passthrough frames never touch a codec.
func NewEncoder(format Format, settings Settings) (Encoder, error) {
	switch format {
	case JPEG:
		return newJPEGEncoder(settings)
	case JPEG2000:
		return newJPEG2000Encoder(settings)
	case Passthrough:
		return nil, fmt.Errorf("passthrough has no encoder")
	}
	return nil, fmt.Errorf("unknown format %v", format)
}
