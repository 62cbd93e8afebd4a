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

// Package tiler turns source tiles into encoded frames. Each tile runs the
// same short pipeline: fetch the backing block, classify it as passthrough
// or transcode, encode if needed, and emit a frame carrying its canonical
// index.
package tiler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"

	"wsiconvert/codec"
	"wsiconvert/encap"
	"wsiconvert/pyramid"
	"wsiconvert/wsi"
)

// defaultBlankTolerance bounds, in 8-bit sample units, both the deviation of
// a tile's per-channel mean from the declared background and the per-channel
// standard deviation for the tile to classify as blank.
const defaultBlankTolerance = 2.0

// Options configures a Tiler.
type Options struct {
	// Format is the conversion's target format.
	Format codec.Format

	// Settings carries codec quality and subsampling.
	Settings codec.Settings

	// SkipCorruptTiles substitutes a background-colored tile for blocks
	// that fail to decode, instead of aborting the conversion.
	SkipCorruptTiles bool

	// BlankTolerance overrides defaultBlankTolerance when positive.
	BlankTolerance float64

	// Logger receives skip warnings. Defaults to slog.Default.
	Logger *slog.Logger
}

type blankKey struct {
	width  int
	height int
	c      color.NRGBA
}

// Stats counts the classification outcomes of the tiles encoded since the
// last TakeStats call.
type Stats struct {
	// Passthrough frames reused the source's compressed bytes.
	Passthrough int64
	// Transcoded frames went through the codec.
	Transcoded int64
	// Blank frames were classified uniform background and synthesized.
	Blank int64
	// Substituted frames replaced unreadable blocks under the skip policy.
	Substituted int64
}

// Tiler encodes tiles of one conversion. Safe for concurrent EncodeTile
// calls; the blank-tile cache is the only shared mutable state.
type Tiler struct {
	view      *pyramid.View
	format    codec.Format
	enc       codec.Encoder
	skip      bool
	tolerance float64
	log       *slog.Logger

	background    color.NRGBA
	hasBackground bool

	blankMu sync.Mutex
	blank   map[blankKey][]byte

	passthrough atomic.Int64
	transcoded  atomic.Int64
	blanked     atomic.Int64
	substituted atomic.Int64
}

// New builds a Tiler over the given pyramid view. For transcoding targets
// the configured codec is built up front. A passthrough target still gets
// an encoder for the tiles that cannot reuse source bytes (synthesized
// levels, blank substitutes); it is picked to match the source's transfer
// syntax so one level never mixes encodings, falling back to JPEG for
// sources without a recognized compressed form.
func New(view *pyramid.View, opts Options) (*Tiler, error) {
	format := opts.Format
	encFormat := format
	settings := opts.Settings
	if encFormat == codec.Passthrough {
		switch view.Source().Compression() {
		case codec.JPEG2000LosslessUID:
			encFormat = codec.JPEG2000
			settings.Quality = 0 // below 1 requests lossless
		case codec.JPEG2000UID:
			encFormat = codec.JPEG2000
			if settings.Quality < 1 || settings.Quality > 1000 {
				settings.Quality = 20 // keep the lossy syntax of the source
			}
		default:
			encFormat = codec.JPEG
		}
	}
	enc, err := codec.NewEncoder(encFormat, settings)
	if err != nil {
		return nil, fmt.Errorf("building tile encoder: %v", err)
	}

	tolerance := opts.BlankTolerance
	if tolerance <= 0 {
		tolerance = defaultBlankTolerance
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	t := &Tiler{
		view:      view,
		format:    format,
		enc:       enc,
		skip:      opts.SkipCorruptTiles,
		tolerance: tolerance,
		log:       log,
		blank:     map[blankKey][]byte{},
	}
	t.background, t.hasBackground = view.Source().BackgroundColor()
	return t, nil
}

// EncodeTile produces the frame for tile (x, y) of the given level. The
// frame index is the level's row-major tile index; interleaving frames of
// several levels into one instance is the caller's concern.
func (t *Tiler) EncodeTile(ctx context.Context, level wsi.Level, x, y int) (encap.Frame, error) {
	handle, err := t.view.FetchTile(ctx, level, x, y)
	if err != nil {
		var decodeErr *wsi.DecodeError
		if t.skip && errors.As(err, &decodeErr) {
			t.log.Warn("substituting blank tile for unreadable block",
				"level", level.Index, "x", x, "y", y, "err", err)
			t.substituted.Add(1)
			return t.blankFrame(level, x, y)
		}
		return encap.Frame{}, err
	}
	defer handle.Release()
	block := handle.Block()

	if t.passthroughOK(level, block) {
		t.passthrough.Add(1)
		rect := level.TileRegion(x, y)
		return encap.Frame{
			Index:            level.FrameIndex(x, y),
			Bytes:            block.Bytes,
			Compressed:       true,
			Lossy:            block.Lossy,
			Codec:            block.Codec,
			UncompressedSize: int64(rect.Dx()) * int64(rect.Dy()) * 3,
		}, nil
	}

	if block.Pixels == nil {
		return encap.Frame{}, &wsi.EncodeError{
			Level: level.Index, X: x, Y: y,
			Err: fmt.Errorf("block %v carries no decoded samples to transcode", block.Key),
		}
	}

	if t.hasBackground && t.isBlank(block.Pixels) {
		t.blanked.Add(1)
		return t.blankFrame(level, x, y)
	}

	encoded, err := t.enc.Encode(block.Pixels)
	if err != nil {
		if t.skip {
			t.log.Warn("substituting blank tile after encode failure",
				"level", level.Index, "x", x, "y", y, "err", err)
			t.substituted.Add(1)
			return t.blankFrame(level, x, y)
		}
		return encap.Frame{}, &wsi.EncodeError{Level: level.Index, X: x, Y: y, Err: err}
	}

	t.transcoded.Add(1)
	bounds := block.Pixels.Bounds()
	return encap.Frame{
		Index:            level.FrameIndex(x, y),
		Bytes:            encoded,
		Compressed:       true,
		Lossy:            block.Lossy || !t.enc.Lossless(),
		Codec:            t.enc.TransferSyntaxUID(),
		UncompressedSize: int64(bounds.Dx()) * int64(bounds.Dy()) * 3,
	}, nil
}

// Encoder exposes the transcoding codec for instance attribute building.
func (t *Tiler) Encoder() codec.Encoder { return t.enc }

// TakeStats returns the classification counters accumulated since the last
// call and resets them. The pipeline calls it once per finished level.
func (t *Tiler) TakeStats() Stats {
	return Stats{
		Passthrough: t.passthrough.Swap(0),
		Transcoded:  t.transcoded.Swap(0),
		Blank:       t.blanked.Swap(0),
		Substituted: t.substituted.Swap(0),
	}
}

// passthroughOK reports whether the block's native compressed form can be
// emitted unchanged. A passthrough target reuses any compressed form the
// source offers. A transcoding target reuses source bytes only when they
// are lossless and already in the target's transfer syntax, since lossy
// parameters of the source cannot be checked against the requested ones.
func (t *Tiler) passthroughOK(level wsi.Level, block *wsi.RawBlock) bool {
	if level.Synthesized || block.Bytes == nil || block.Codec == "" {
		return false
	}
	if t.format == codec.Passthrough {
		return true
	}
	return !block.Lossy && t.enc.Lossless() && block.Codec == t.enc.TransferSyntaxUID()
}

// isBlank classifies a tile as uniform background. Per channel, the sample
// mean must sit within the tolerance of the background value and the
// standard deviation within the tolerance of zero.
func (t *Tiler) isBlank(img *image.NRGBA) bool {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()
	if n == 0 {
		return false
	}

	want := [3]float64{float64(t.background.R), float64(t.background.G), float64(t.background.B)}
	samples := make([]float64, n)
	for c := 0; c < 3; c++ {
		i := 0
		for y := 0; y < bounds.Dy(); y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+bounds.Dx()*4]
			for x := 0; x < bounds.Dx(); x++ {
				samples[i] = float64(row[x*4+c])
				i++
			}
		}
		mean, std := stat.MeanStdDev(samples, nil)
		if mean < want[c]-t.tolerance || mean > want[c]+t.tolerance || std > t.tolerance {
			return false
		}
	}
	return true
}

// blankFrame emits a uniformly background-colored tile at the cropped
// extent of (x, y). Encodes of a given size and color run once and are
// reused for every blank tile of that shape.
func (t *Tiler) blankFrame(level wsi.Level, x, y int) (encap.Frame, error) {
	rect := level.TileRegion(x, y)
	bg := t.background
	if !t.hasBackground {
		bg = color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	}

	encoded, err := t.encodeBlank(rect.Dx(), rect.Dy(), bg)
	if err != nil {
		return encap.Frame{}, &wsi.EncodeError{Level: level.Index, X: x, Y: y, Err: err}
	}
	return encap.Frame{
		Index:            level.FrameIndex(x, y),
		Bytes:            encoded,
		Compressed:       true,
		Lossy:            !t.enc.Lossless(),
		Codec:            t.enc.TransferSyntaxUID(),
		UncompressedSize: int64(rect.Dx()) * int64(rect.Dy()) * 3,
	}, nil
}

func (t *Tiler) encodeBlank(width, height int, bg color.NRGBA) ([]byte, error) {
	key := blankKey{width: width, height: height, c: bg}

	t.blankMu.Lock()
	cached, ok := t.blank[key]
	t.blankMu.Unlock()
	if ok {
		return cached, nil
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	encoded, err := t.enc.Encode(img)
	if err != nil {
		return nil, fmt.Errorf("encoding %dx%d blank tile: %v", width, height, err)
	}

	t.blankMu.Lock()
	t.blank[key] = encoded
	t.blankMu.Unlock()
	return encoded, nil
}
