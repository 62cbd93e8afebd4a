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

package convert

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"strings"
	"testing"

	"wsiconvert/codec"
	"wsiconvert/wsi"
)

// fakeSlide is a two-level pyramid with a label and an overview image.
type fakeSlide struct {
	levels     []wsi.Level
	compressed map[wsi.BlockKey][]byte
}

func newFakeSlide() *fakeSlide {
	return &fakeSlide{
		levels: []wsi.Level{
			{Index: 0, Width: 512, Height: 512, TileWidth: 256, TileHeight: 256, Downsample: 1},
			{Index: 1, Width: 256, Height: 256, TileWidth: 256, TileHeight: 256, Downsample: 2},
		},
		compressed: map[wsi.BlockKey][]byte{},
	}
}

func (s *fakeSlide) Levels() []wsi.Level                  { return s.levels }
func (s *fakeSlide) NativeTileSize() (int, int)           { return 256, 256 }
func (s *fakeSlide) Compression() string                  { return "" }
func (s *fakeSlide) Lossy() bool                          { return false }
func (s *fakeSlide) BackgroundColor() (color.NRGBA, bool) { return color.NRGBA{}, false }

func (s *fakeSlide) Fetch(ctx context.Context, level, x, y int) (*wsi.RawBlock, error) {
	rect := s.levels[level].TileRegion(x, y)
	img := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = byte(level*50 + x*10 + y)
		img.Pix[i+1] = 0x80
		img.Pix[i+2] = 0x40
		img.Pix[i+3] = 0xFF
	}
	return &wsi.RawBlock{
		Key:    wsi.BlockKey{Level: level, X: x, Y: y},
		Pixels: img,
		Rect:   rect,
	}, nil
}

func (s *fakeSlide) PixelSpacing() (float64, float64, bool) { return 0.0005, 0.0005, true }

func (s *fakeSlide) ICCProfile() []byte { return []byte{0x00, 0x01, 0x02} }

func (s *fakeSlide) LabelImage(ctx context.Context) (*image.NRGBA, error) {
	return image.NewNRGBA(image.Rect(0, 0, 100, 60)), nil
}

func (s *fakeSlide) OverviewImage(ctx context.Context) (*image.NRGBA, error) {
	return image.NewNRGBA(image.Rect(0, 0, 200, 80)), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConvert_pyramidAndAssociatedInstances(t *testing.T) {
	result, err := Convert(context.Background(), newFakeSlide(), Options{
		TargetFormat: "jpeg",
		Quality:      80,
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	if len(result.Instances) != 4 {
		t.Fatalf("instances = %d, want 2 levels + label + overview", len(result.Instances))
	}
	kinds := []Kind{Volume, Volume, Label, Overview}
	for i, inst := range result.Instances {
		if inst.Kind != kinds[i] {
			t.Fatalf("instance %d kind = %v, want %v", i, inst.Kind, kinds[i])
		}
	}

	full := result.Instances[0]
	if full.Level.Downsample != 1 {
		t.Fatal("pyramid instances must start at full resolution")
	}
	if full.FrameCount != 4 {
		t.Fatalf("full resolution frame count = %d, want 4", full.FrameCount)
	}
	if full.TransferSyntaxUID != codec.JPEGBaselineUID {
		t.Fatalf("transfer syntax = %q, want JPEG baseline", full.TransferSyntaxUID)
	}
	if full.PhotometricInterpretation != "YBR_FULL_422" {
		t.Fatalf("photometric = %q, want YBR_FULL_422", full.PhotometricInterpretation)
	}
	if !full.Lossy {
		t.Fatal("JPEG transcode must flag the instance lossy")
	}
	if full.CompressionRatio <= 1 {
		t.Fatalf("compression ratio = %g, want > 1", full.CompressionRatio)
	}
	if full.TotalPixelMatrixColumns != 512 || full.TotalPixelMatrixRows != 512 {
		t.Fatalf("matrix = %dx%d, want 512x512",
			full.TotalPixelMatrixColumns, full.TotalPixelMatrixRows)
	}

	label := result.Instances[2]
	if label.FrameCount != 1 || label.Columns != 100 || label.Rows != 60 {
		t.Fatalf("label instance = %d frames %dx%d, want 1 frame 100x60",
			label.FrameCount, label.Columns, label.Rows)
	}
}

func TestConvert_instanceFacts(t *testing.T) {
	result, err := Convert(context.Background(), newFakeSlide(), Options{
		TargetFormat: "jpeg",
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	full, half := result.Instances[0], result.Instances[1]
	if full.PixelSpacing != [2]float64{0.0005, 0.0005} {
		t.Fatalf("full resolution spacing = %v, want 0.0005 mm", full.PixelSpacing)
	}
	if half.PixelSpacing != [2]float64{0.001, 0.001} {
		t.Fatalf("downsampled spacing = %v, want scaled by the downsample", half.PixelSpacing)
	}
	if !full.ICCProfilePresent {
		t.Fatal("source carries an ICC profile; the instance must report it")
	}
	if full.FrameStats.Transcoded != int64(full.FrameCount) || full.FrameStats.Passthrough != 0 {
		t.Fatalf("frame stats = %+v, want all frames transcoded", full.FrameStats)
	}
	// Stats are per level, not cumulative.
	if half.FrameStats.Transcoded != int64(half.FrameCount) {
		t.Fatalf("second level stats = %+v, want %d transcoded", half.FrameStats, half.FrameCount)
	}
}

func TestConvert_omitAssociatedImages(t *testing.T) {
	result, err := Convert(context.Background(), newFakeSlide(), Options{
		TargetFormat:         "jpeg",
		OmitAssociatedImages: true,
		Logger:               quietLogger(),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	for _, inst := range result.Instances {
		if inst.Kind != Volume {
			t.Fatalf("instance kind %v present despite omit option", inst.Kind)
		}
	}
}

func TestConvert_sopInstanceUIDs(t *testing.T) {
	result, err := Convert(context.Background(), newFakeSlide(), Options{
		TargetFormat: "jpeg",
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	seen := map[string]bool{}
	for _, inst := range result.Instances {
		if !strings.HasPrefix(inst.SOPInstanceUID, "2.25.") {
			t.Fatalf("UID %q not under the UUID root", inst.SOPInstanceUID)
		}
		if len(inst.SOPInstanceUID) > 64 {
			t.Fatalf("UID %q exceeds 64 characters", inst.SOPInstanceUID)
		}
		if seen[inst.SOPInstanceUID] {
			t.Fatalf("UID %q generated twice", inst.SOPInstanceUID)
		}
		seen[inst.SOPInstanceUID] = true
	}
}

func TestConvert_addMissingLevels(t *testing.T) {
	src := newFakeSlide()
	src.levels[1].Downsample = 8
	src.levels[1].Width = 64
	src.levels[1].Height = 64

	result, err := Convert(context.Background(), src, Options{
		TargetFormat:     "jpeg",
		AddMissingLevels: true,
		Logger:           quietLogger(),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	var downsamples []float64
	var synthesized []bool
	for _, inst := range result.Instances {
		if inst.Kind != Volume {
			continue
		}
		downsamples = append(downsamples, inst.Level.Downsample)
		synthesized = append(synthesized, inst.Level.Synthesized)
	}
	want := []float64{1, 2, 4, 8}
	if len(downsamples) != len(want) {
		t.Fatalf("volume downsamples = %v, want %v", downsamples, want)
	}
	for i := range want {
		if downsamples[i] != want[i] {
			t.Fatalf("volume downsamples = %v, want %v", downsamples, want)
		}
	}
	if !synthesized[1] || !synthesized[2] || synthesized[0] || synthesized[3] {
		t.Fatalf("synthesized flags = %v, want only the inserted levels", synthesized)
	}

	// Synthesized levels went through resampling.
	if !result.Instances[1].Lossy {
		t.Fatal("a synthesized level's instance must be lossy")
	}
}

func TestConvert_passthroughKeepsSourceBytes(t *testing.T) {
	tile := []byte{0xFF, 0xD8, 0xAA, 0xBB, 0xFF, 0xD9}
	src := &passthroughSlide{tile: tile}

	result, err := Convert(context.Background(), src, Options{
		TargetFormat: "passthrough",
		Logger:       quietLogger(),
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	stream := result.Instances[0].Stream
	var buf bytes.Buffer
	if _, err := stream.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), tile) {
		t.Fatal("encapsulated stream must contain the source's compressed bytes unchanged")
	}
	if result.Instances[0].Lossy {
		t.Fatal("lossless passthrough must not flag the instance lossy")
	}
}

type passthroughSlide struct {
	tile []byte
}

func (s *passthroughSlide) Levels() []wsi.Level {
	return []wsi.Level{{Index: 0, Width: 256, Height: 256, TileWidth: 256, TileHeight: 256, Downsample: 1}}
}

func (s *passthroughSlide) NativeTileSize() (int, int)           { return 256, 256 }
func (s *passthroughSlide) Compression() string                  { return codec.JPEGBaselineUID }
func (s *passthroughSlide) Lossy() bool                          { return false }
func (s *passthroughSlide) BackgroundColor() (color.NRGBA, bool) { return color.NRGBA{}, false }

func (s *passthroughSlide) Fetch(ctx context.Context, level, x, y int) (*wsi.RawBlock, error) {
	return &wsi.RawBlock{
		Key:   wsi.BlockKey{Level: level, X: x, Y: y},
		Bytes: s.tile,
		Codec: codec.JPEGBaselineUID,
		Rect:  image.Rect(0, 0, 256, 256),
	}, nil
}

func TestConvert_postProcessorRuns(t *testing.T) {
	var count int
	result, err := Convert(context.Background(), newFakeSlide(), Options{
		TargetFormat: "jpeg",
		Logger:       quietLogger(),
		PostProcess: func(inst *Instance) error {
			count++
			inst.SOPInstanceUID = "1.2.3." + inst.Kind.String()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if count != len(result.Instances) {
		t.Fatalf("post-processor ran %d times for %d instances", count, len(result.Instances))
	}
	if result.Instances[2].SOPInstanceUID != "1.2.3.LABEL" {
		t.Fatalf("UID = %q, post-processor edits must stick", result.Instances[2].SOPInstanceUID)
	}
}

func TestConvert_rejectsUnknownOptions(t *testing.T) {
	if _, err := Convert(context.Background(), newFakeSlide(), Options{
		TargetFormat: "webp", Logger: quietLogger(),
	}); err == nil {
		t.Fatal("unknown target format must fail")
	}
	if _, err := Convert(context.Background(), newFakeSlide(), Options{
		TargetFormat: "jpeg", OffsetTable: "always", Logger: quietLogger(),
	}); err == nil {
		t.Fatal("unknown offset table mode must fail")
	}
}
