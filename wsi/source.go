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

// Package wsi defines the contract between the conversion pipeline and the
// whole-slide-image readers feeding it. Concrete readers (SVS, NDPI, CZI,
// anything hosted out of process) are wrapped to satisfy TileSource; the
// pipeline never sees a reader directly.
package wsi

import (
	"context"
	"image"
	"image/color"
)

// TileSource is the uniform contract every proprietary reader is wrapped to
// satisfy. A TileSource is owned by the pipeline for the duration of one
// conversion and is never mutated by it. Implementations must be safe for
// concurrent Fetch calls.
type TileSource interface {
	// Levels returns the pyramid levels ordered by strictly decreasing
	// resolution, index 0 being full resolution.
	Levels() []Level

	// NativeTileSize returns the source's nominal tile dimensions.
	NativeTileSize() (width, height int)

	// Compression returns the codec identifier of the source's native
	// compressed form (a transfer syntax UID for DICOM-compatible codecs),
	// or an empty string when the source only provides decoded samples.
	Compression() string

	// Lossy reports whether the source's native compression is lossy.
	Lossy() bool

	// BackgroundColor returns the declared slide background, if the source
	// knows one. Used for blank-tile classification.
	BackgroundColor() (color.NRGBA, bool)

	// Fetch returns the raw block backing the tile at (x, y) of the given
	// level. Fetch must not retain the returned block; the caller owns it.
	Fetch(ctx context.Context, level, x, y int) (*RawBlock, error)
}

// AssociatedImageSource is optionally implemented by sources that carry
// non-pyramid images. These become separate single-frame instances, never
// interleaved with pyramid frames.
type AssociatedImageSource interface {
	LabelImage(ctx context.Context) (*image.NRGBA, error)
	OverviewImage(ctx context.Context) (*image.NRGBA, error)
}

// PixelSpacingSource is optionally implemented by sources that know the
// physical sample spacing of the full-resolution level.
type PixelSpacingSource interface {
	// PixelSpacing returns the millimeters per pixel along x and y at
	// downsample 1.
	PixelSpacing() (x, y float64, ok bool)
}

// ICCProfileSource is optionally implemented by sources carrying an ICC
// color profile for their pixel data.
type ICCProfileSource interface {
	ICCProfile() []byte
}

// BlockKey identifies a decoded source block. One block may back several
// output tiles when the source's internal segmentation is unrelated to
// output tile boundaries.
type BlockKey struct {
	Level int
	X     int
	Y     int

	// Synthesized marks keys belonging to a derived pyramid level, keeping
	// them disjoint from native block keys of the same coordinates.
	Synthesized bool
}

// RawBlock is a decoded unit of source data. It is immutable once published
// to the block cache; workers hold only read access.
type RawBlock struct {
	Key BlockKey

	// Bytes holds the native compressed form of the block when the source
	// can provide one, enabling passthrough. Nil otherwise.
	Bytes []byte

	// Codec identifies the compression of Bytes. Empty when Bytes is nil.
	Codec string

	// Lossy reports whether Bytes passed through a lossy codec.
	Lossy bool

	// Pixels holds the decoded samples of the block when the source decodes,
	// or when a consumer needs to transcode. Nil for passthrough-only blocks.
	Pixels *image.NRGBA

	// Rect is the pixel region of the level this block covers.
	Rect image.Rectangle
}

// Size returns the memory footprint attributed to the block by the cache.
func (b *RawBlock) Size() int64 {
	n := int64(len(b.Bytes))
	if b.Pixels != nil {
		n += int64(len(b.Pixels.Pix))
	}
	return n
}
