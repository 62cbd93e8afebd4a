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
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

const defaultJPEGQuality = 90

type jpegEncoder struct {
	quality     int
	subsampling string
}

func newJPEGEncoder(settings Settings) (Encoder, error) {
	quality := int(settings.Quality)
	if quality == 0 {
		quality = defaultJPEGQuality
	}
	if quality < 0 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality %d out of range 0-100", quality)
	}

	subsampling := settings.Subsampling
	if subsampling == "" {
		subsampling = "420"
	}
	switch subsampling {
	case "420":
	case "444", "422":
		// The baseline encoder always writes 4:2:0. Accepting and then
		// ignoring the request would silently change the output quality.
		return nil, fmt.Errorf("jpeg subsampling %q not supported by this encoder, use 420", subsampling)
	default:
		return nil, fmt.Errorf("jpeg subsampling %q not recognized, want 444, 422 or 420", subsampling)
	}

	return &jpegEncoder{quality: quality, subsampling: subsampling}, nil
}

func (e *jpegEncoder) Encode(img *image.NRGBA) ([]byte, error) {
	buff := bytes.NewBuffer([]byte{})
	if err := jpeg.Encode(buff, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %v", err)
	}
	return buff.Bytes(), nil
}

func (e *jpegEncoder) TransferSyntaxUID() string { return JPEGBaselineUID }

func (e *jpegEncoder) Lossless() bool { return false }

func (e *jpegEncoder) PhotometricInterpretation(channels int) (string, error) {
	switch channels {
	case 1:
		return "MONOCHROME2", nil
	case 3:
		return "YBR_FULL_422", nil
	}
	return "", fmt.Errorf("jpeg supports 1 or 3 channels, got %d", channels)
}
