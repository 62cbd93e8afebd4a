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

// Package convert runs whole conversions: it wires a tile source, the block
// cache, the pyramid view, the tile encoder and the frame assembler into
// one pipeline and produces one encapsulated pixel-data stream per pyramid
// level, plus streams for the label and overview images when the source
// carries them. Writing the surrounding DICOM datasets is the caller's
// concern; each produced instance carries the attributes the writer needs.
package convert

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"wsiconvert/blockcache"
	"wsiconvert/codec"
	"wsiconvert/encap"
	"wsiconvert/pyramid"
	"wsiconvert/schedule"
	"wsiconvert/tiler"
	"wsiconvert/wsi"
)

// Kind is the image flavor of a produced instance.
type Kind int

const (
	// Volume instances carry the tiled pyramid levels.
	Volume Kind = iota
	// Label instances carry the slide label photograph.
	Label
	// Overview instances carry the macro photograph of the whole slide.
	Overview
)

func (k Kind) String() string {
	switch k {
	case Volume:
		return "VOLUME"
	case Label:
		return "LABEL"
	case Overview:
		return "OVERVIEW"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Instance is one produced DICOM instance: its encapsulated frame stream
// plus the pixel-module facts an external dataset writer needs.
type Instance struct {
	SOPInstanceUID string
	Kind           Kind

	// Level is the pyramid level backing a Volume instance; zero otherwise.
	Level wsi.Level

	TransferSyntaxUID         string
	PhotometricInterpretation string

	// Rows and Columns are the frame (tile) dimensions.
	Rows    int
	Columns int

	// TotalPixelMatrixRows and TotalPixelMatrixColumns are the full image
	// dimensions of the instance.
	TotalPixelMatrixRows    int
	TotalPixelMatrixColumns int

	FrameCount int

	// PixelSpacing is the millimeters per pixel along x and y at this
	// instance's resolution, zero when the source does not declare one.
	PixelSpacing [2]float64

	// ICCProfilePresent reports whether the source carries an ICC color
	// profile applying to this instance's pixel data.
	ICCProfilePresent bool

	// FrameStats counts the per-tile classification outcomes.
	FrameStats tiler.Stats

	// Lossy reports whether any frame's pixel path included a lossy step.
	Lossy bool

	// CompressionRatio is the aggregate uncompressed/encoded byte ratio,
	// zero when unknown.
	CompressionRatio float64

	Stream *encap.Stream
}

// MetadataPostProcessor lets callers adjust a produced instance before it
// is appended to the result, e.g. to override generated UIDs.
type MetadataPostProcessor func(*Instance) error

// Options is the conversion configuration surface.
type Options struct {
	// TargetFormat is "passthrough", "jpeg" or "jpeg2000".
	TargetFormat string

	// Quality is codec specific; see codec.Settings.
	Quality float64

	// ChromaSubsampling applies to JPEG targets: "444", "422" or "420".
	ChromaSubsampling string

	// OffsetTable is "none", "basic", "extended" or "auto".
	OffsetTable string

	// ChunkSize is the tile count per worker unit.
	ChunkSize int

	// WorkerCount bounds concurrent tile encodes.
	WorkerCount int

	// AddMissingLevels synthesizes intermediate pyramid levels wherever the
	// source skips a power-of-two downsample step.
	AddMissingLevels bool

	// SkipCorruptTiles substitutes blank tiles for unreadable blocks
	// instead of aborting.
	SkipCorruptTiles bool

	// OmitAssociatedImages suppresses the label and overview instances a
	// source may carry.
	OmitAssociatedImages bool

	// MaxCacheBlocks and MaxCacheBytes bound the block cache; zero means
	// unbounded.
	MaxCacheBlocks int
	MaxCacheBytes  int64

	// CacheWaitBound bounds the wait on another worker's in-flight decode;
	// zero waits indefinitely.
	CacheWaitBound time.Duration

	// BlankTolerance overrides the blank-tile classification tolerance.
	BlankTolerance float64

	// PostProcess runs on every produced instance before it is recorded.
	PostProcess MetadataPostProcessor

	// Logger receives progress and skip warnings. Defaults to slog.Default.
	Logger *slog.Logger
}

// Result is a finished conversion: pyramid instances ordered from full
// resolution downward, then label and overview instances if present.
type Result struct {
	Instances []*Instance
	Elapsed   time.Duration
}

// Convert runs the full pipeline over one tile source.
func Convert(ctx context.Context, src wsi.TileSource, opts Options) (*Result, error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	format, err := codec.ParseFormat(opts.TargetFormat)
	if err != nil {
		return nil, err
	}
	mode, err := encap.ParseMode(opts.OffsetTable)
	if err != nil {
		return nil, err
	}

	cache := blockcache.New(blockcache.Options{
		MaxBlocks: opts.MaxCacheBlocks,
		MaxBytes:  opts.MaxCacheBytes,
		WaitBound: opts.CacheWaitBound,
	})
	view := pyramid.NewView(src, cache)
	if opts.AddMissingLevels {
		if err := view.FillGaps(); err != nil {
			return nil, err
		}
	}

	tl, err := tiler.New(view, tiler.Options{
		Format:           format,
		Settings:         codec.Settings{Quality: opts.Quality, Subsampling: opts.ChromaSubsampling},
		SkipCorruptTiles: opts.SkipCorruptTiles,
		BlankTolerance:   opts.BlankTolerance,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}

	var spacingX, spacingY float64
	if ps, ok := src.(wsi.PixelSpacingSource); ok {
		if x, y, known := ps.PixelSpacing(); known {
			spacingX, spacingY = x, y
		}
	}
	var iccPresent bool
	if icc, ok := src.(wsi.ICCProfileSource); ok {
		iccPresent = len(icc.ICCProfile()) > 0
	}

	pool := schedule.Options{Workers: opts.WorkerCount, ChunkSize: opts.ChunkSize, Logger: log}
	result := &Result{}
	for _, level := range view.Levels() {
		stream, err := assembleLevel(ctx, level, mode, pool, tl)
		if err != nil {
			return nil, fmt.Errorf("converting level %d: %w", level.Index, err)
		}

		inst := &Instance{
			SOPInstanceUID:          newSOPInstanceUID(),
			Kind:                    Volume,
			Level:                   level,
			TransferSyntaxUID:       stream.Codec(),
			Rows:                    level.TileHeight,
			Columns:                 level.TileWidth,
			TotalPixelMatrixRows:    level.Height,
			TotalPixelMatrixColumns: level.Width,
			FrameCount:              stream.FrameCount(),
			PixelSpacing:            [2]float64{spacingX * level.Downsample, spacingY * level.Downsample},
			ICCProfilePresent:       iccPresent,
			FrameStats:              tl.TakeStats(),
			Lossy:                   stream.Lossy(),
			CompressionRatio:        stream.CompressionRatio(),
			Stream:                  stream,
		}
		inst.PhotometricInterpretation, err = photometricFor(stream.Codec(), tl)
		if err != nil {
			return nil, fmt.Errorf("converting level %d: %v", level.Index, err)
		}
		if err := record(result, inst, opts.PostProcess); err != nil {
			return nil, err
		}
		log.Info("level converted",
			"level", level.Index,
			"downsample", level.Downsample,
			"synthesized", level.Synthesized,
			"frames", inst.FrameCount,
			"passthrough", inst.FrameStats.Passthrough,
			"transcoded", inst.FrameStats.Transcoded,
			"blank", inst.FrameStats.Blank,
			"substituted", inst.FrameStats.Substituted,
			"lossy", inst.Lossy,
			"ratio", inst.CompressionRatio)
	}

	if assoc, ok := src.(wsi.AssociatedImageSource); !opts.OmitAssociatedImages && ok {
		if err := convertAssociated(ctx, assoc, tl, mode, result, opts.PostProcess, log); err != nil {
			return nil, err
		}
	}

	result.Elapsed = time.Since(start)
	log.Info("conversion finished", "instances", len(result.Instances), "elapsed", result.Elapsed)
	return result, nil
}

// assembleLevel streams the level's tiles through the worker pool into an
// assembler. The assembler runs beside the pool; on an assembly error it
// keeps draining so the scheduler is never blocked mid-cancellation.
func assembleLevel(ctx context.Context, level wsi.Level, mode encap.Mode, pool schedule.Options, tl *tiler.Tiler) (*encap.Stream, error) {
	frames := make(chan encap.Frame)
	type assembled struct {
		stream *encap.Stream
		err    error
	}
	done := make(chan assembled, 1)
	go func() {
		stream, err := encap.NewAssembler(mode).Assemble(frames)
		if err != nil {
			for range frames {
			}
		}
		done <- assembled{stream: stream, err: err}
	}()

	runErr := schedule.Run(ctx, level, pool, tl.EncodeTile, func(f encap.Frame) error {
		frames <- f
		return nil
	})
	close(frames)
	res := <-done
	if runErr != nil {
		return nil, runErr
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.stream, nil
}

func convertAssociated(ctx context.Context, assoc wsi.AssociatedImageSource, tl *tiler.Tiler, mode encap.Mode, result *Result, post MetadataPostProcessor, log *slog.Logger) error {
	for _, img := range []struct {
		kind  Kind
		fetch func(context.Context) (*image.NRGBA, error)
	}{
		{kind: Label, fetch: assoc.LabelImage},
		{kind: Overview, fetch: assoc.OverviewImage},
	} {
		pixels, err := img.fetch(ctx)
		if err != nil {
			return fmt.Errorf("reading %s image: %v", img.kind, err)
		}
		if pixels == nil {
			continue
		}
		inst, err := singleFrameInstance(img.kind, pixels, tl, mode)
		if err != nil {
			return fmt.Errorf("converting %s image: %v", img.kind, err)
		}
		if err := record(result, inst, post); err != nil {
			return err
		}
		log.Info("associated image converted", "kind", img.kind,
			"rows", inst.Rows, "columns", inst.Columns)
	}
	return nil
}

// singleFrameInstance encodes a non-pyramid image as its own one-frame
// stream. Associated images are never interleaved with pyramid frames.
func singleFrameInstance(kind Kind, pixels *image.NRGBA, tl *tiler.Tiler, mode encap.Mode) (*Instance, error) {
	enc := tl.Encoder()
	encoded, err := enc.Encode(pixels)
	if err != nil {
		return nil, err
	}

	bounds := pixels.Bounds()
	frames := make(chan encap.Frame, 1)
	frames <- encap.Frame{
		Index:            0,
		Bytes:            encoded,
		Compressed:       true,
		Lossy:            !enc.Lossless(),
		Codec:            enc.TransferSyntaxUID(),
		UncompressedSize: int64(bounds.Dx()) * int64(bounds.Dy()) * 3,
	}
	close(frames)
	stream, err := encap.NewAssembler(mode).Assemble(frames)
	if err != nil {
		return nil, err
	}

	photometric, err := enc.PhotometricInterpretation(3)
	if err != nil {
		return nil, err
	}
	return &Instance{
		SOPInstanceUID:            newSOPInstanceUID(),
		Kind:                      kind,
		TransferSyntaxUID:         stream.Codec(),
		PhotometricInterpretation: photometric,
		Rows:                      bounds.Dy(),
		Columns:                   bounds.Dx(),
		TotalPixelMatrixRows:      bounds.Dy(),
		TotalPixelMatrixColumns:   bounds.Dx(),
		FrameCount:                1,
		Lossy:                     stream.Lossy(),
		CompressionRatio:          stream.CompressionRatio(),
		Stream:                    stream,
	}, nil
}

func record(result *Result, inst *Instance, post MetadataPostProcessor) error {
	if post != nil {
		if err := post(inst); err != nil {
			return fmt.Errorf("post-processing instance %s: %v", inst.SOPInstanceUID, err)
		}
	}
	result.Instances = append(result.Instances, inst)
	return nil
}

// photometricFor maps the stream's transfer syntax onto a photometric
// interpretation. The tiler's encoder answers for frames it produced;
// passthrough streams in a syntax the encoder does not cover get the
// conventional interpretation of that syntax.
func photometricFor(uid string, tl *tiler.Tiler) (string, error) {
	enc := tl.Encoder()
	if uid == "" || uid == enc.TransferSyntaxUID() {
		return enc.PhotometricInterpretation(3)
	}
	switch uid {
	case codec.JPEGBaselineUID:
		return "YBR_FULL_422", nil
	case codec.JPEG2000LosslessUID:
		return "YBR_RCT", nil
	case codec.JPEG2000UID:
		return "YBR_ICT", nil
	}
	return "", fmt.Errorf("no photometric interpretation for transfer syntax %q", uid)
}

// newSOPInstanceUID derives a DICOM UID from a random UUID under the
// "2.25" UUID root.
func newSOPInstanceUID() string {
	u := uuid.New()
	var n big.Int
	n.SetBytes(u[:])
	return "2.25." + n.String()
}
