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

package codec

import (
	"fmt"
	"image"

	"github.com/cocosip/go-dicom-codec/jpeg2000"
)

const defaultJPEG2000Quality = 20

type jpeg2000Encoder struct {
	quality  float64
	lossless bool
}

// newJPEG2000Encoder builds a JPEG 2000 encoder. Quality below 1 or above
// 1000 requests lossless compression (5/3 reversible wavelet); anything in
// between is a lossy quality target.
func newJPEG2000Encoder(settings Settings) (Encoder, error) {
	quality := settings.Quality
	if quality == 0 {
		quality = defaultJPEG2000Quality
	}
	return &jpeg2000Encoder{
		quality:  quality,
		lossless: quality < 1 || quality > 1000,
	}, nil
}

func (e *jpeg2000Encoder) Encode(img *image.NRGBA) ([]byte, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	// The encoder takes interleaved samples without alpha.
	pixels := make([]byte, 0, width*height*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := img.Pix[(y-bounds.Min.Y)*img.Stride:]
		for x := 0; x < width; x++ {
			pixels = append(pixels, row[x*4], row[x*4+1], row[x*4+2])
		}
	}

	params := jpeg2000.DefaultEncodeParams(width, height, 3, 8, false)
	params.Lossless = e.lossless
	if !e.lossless {
		quality := int(e.quality)
		if quality > 100 {
			quality = 100
		}
		params.Quality = quality
	}

	encoded, err := jpeg2000.NewEncoder(params).Encode(pixels)
	if err != nil {
		return nil, fmt.Errorf("jpeg2000 encode: %v", err)
	}
	return encoded, nil
}

func (e *jpeg2000Encoder) TransferSyntaxUID() string {
	if e.lossless {
		return JPEG2000LosslessUID
	}
	return JPEG2000UID
}

func (e *jpeg2000Encoder) Lossless() bool { return e.lossless }

func (e *jpeg2000Encoder) PhotometricInterpretation(channels int) (string, error) {
	switch channels {
	case 1:
		return "MONOCHROME2", nil
	case 3:
		if e.lossless {
			return "YBR_RCT", nil
		}
		return "YBR_ICT", nil
	}
	return "", fmt.Errorf("jpeg2000 supports 1 or 3 channels, got %d", channels)
}
