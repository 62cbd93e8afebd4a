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

// Package pyramid derives missing resolution levels of a tile source. A
// View wraps a TileSource and supplements its native levels with levels
// synthesized by area-average downsampling in 2x steps, without ever
// downgrading the source's reported geometry.
package pyramid

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"wsiconvert/blockcache"
	"wsiconvert/wsi"
)

// downsampleTolerance is the relative deviation under which a requested
// downsample matches an existing level.
const downsampleTolerance = 0.02

// LevelSynthesisError reports that no source level is fine enough to derive
// the requested level from.
type LevelSynthesisError struct {
	TargetDownsample float64
}

func (e *LevelSynthesisError) Error() string {
	return fmt.Sprintf("no source level fine enough to synthesize downsample %g", e.TargetDownsample)
}

// synthPlan records how a synthesized level is computed from a native one.
type synthPlan struct {
	baseIndex int // native source level index
	steps     int // number of 2x halvings
}

// View presents a source's native levels and any synthesized ones as a
// single pyramid. Tile fetches go through the shared block cache, so a
// synthesized tile region is computed once per conversion.
type View struct {
	src   wsi.TileSource
	cache *blockcache.Cache

	mu     sync.Mutex
	levels []wsi.Level
	plans  map[int]synthPlan // keyed by synthesized Level.Index
}

// NewView wraps src. All tile fetches, native and synthesized, are served
// through cache.
func NewView(src wsi.TileSource, cache *blockcache.Cache) *View {
	levels := append([]wsi.Level{}, src.Levels()...)
	return &View{
		src:    src,
		cache:  cache,
		levels: levels,
		plans:  map[int]synthPlan{},
	}
}

// Source returns the wrapped source.
func (v *View) Source() wsi.TileSource { return v.src }

// Levels returns all levels, native and synthesized, ordered by strictly
// increasing downsample (decreasing resolution).
func (v *View) Levels() []wsi.Level {
	v.mu.Lock()
	defer v.mu.Unlock()

	levels := append([]wsi.Level{}, v.levels...)
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Downsample < levels[j].Downsample
	})
	return levels
}

// EnsureLevel returns a level matching the target downsample within
// tolerance, synthesizing one when the source lacks it. Synthesis picks the
// nearest higher-resolution existing native level and halves it in 2x (or
// nearest achievable) steps. Repeated requests for the same downsample
// return the same level.
func (v *View) EnsureLevel(targetDownsample float64) (wsi.Level, error) {
	if targetDownsample <= 0 {
		return wsi.Level{}, fmt.Errorf("target downsample %g must be positive", targetDownsample)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, level := range v.levels {
		if relativeDeviation(level.Downsample, targetDownsample) <= downsampleTolerance {
			return level, nil
		}
	}

	// Nearest existing native level with higher resolution than the target.
	base := wsi.Level{}
	found := false
	for _, level := range v.levels {
		if level.Synthesized || level.Downsample >= targetDownsample {
			continue
		}
		if !found || level.Downsample > base.Downsample {
			base = level
			found = true
		}
	}
	if !found {
		return wsi.Level{}, &LevelSynthesisError{TargetDownsample: targetDownsample}
	}

	steps := int(math.Round(math.Log2(targetDownsample / base.Downsample)))
	if steps < 1 {
		steps = 1
	}

	width, height := base.Width, base.Height
	for i := 0; i < steps; i++ {
		width = (width + 1) / 2
		height = (height + 1) / 2
	}

	level := wsi.Level{
		Index:       v.nextIndexLocked(),
		Width:       width,
		Height:      height,
		TileWidth:   base.TileWidth,
		TileHeight:  base.TileHeight,
		Downsample:  base.Downsample * math.Pow(2, float64(steps)),
		Synthesized: true,
	}
	v.levels = append(v.levels, level)
	v.plans[level.Index] = synthPlan{baseIndex: base.Index, steps: steps}

	return level, nil
}

// FillGaps synthesizes intermediate levels wherever consecutive native
// levels skip a power-of-two step, so the pyramid's downsample chain is
// approximately 2x throughout.
func (v *View) FillGaps() error {
	native := []wsi.Level{}
	for _, level := range v.Levels() {
		if !level.Synthesized {
			native = append(native, level)
		}
	}

	for i := 0; i+1 < len(native); i++ {
		ratio := native[i+1].Downsample / native[i].Downsample
		for factor := 2.0; factor < ratio/1.5; factor *= 2 {
			if _, err := v.EnsureLevel(native[i].Downsample * factor); err != nil {
				return fmt.Errorf("filling gap after level %d: %v", native[i].Index, err)
			}
		}
	}
	return nil
}

func (v *View) nextIndexLocked() int {
	next := 0
	for _, level := range v.levels {
		if level.Index >= next {
			next = level.Index + 1
		}
	}
	return next
}

func relativeDeviation(a, b float64) float64 {
	return math.Abs(a-b) / b
}

// FetchTile returns a counted handle to the block backing tile (x, y) of
// the given level. For native levels the source is asked directly; for
// synthesized levels the required base tiles are gathered first and the
// downsampled tile is computed as a pure transform, cached like any other
// block.
func (v *View) FetchTile(ctx context.Context, level wsi.Level, x, y int) (*blockcache.Handle, error) {
	if !level.Synthesized {
		key := wsi.BlockKey{Level: level.Index, X: x, Y: y}
		return v.cache.GetOrDecode(ctx, key, func() (*wsi.RawBlock, error) {
			return v.src.Fetch(ctx, level.Index, x, y)
		})
	}

	v.mu.Lock()
	plan, ok := v.plans[level.Index]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no synthesis plan for level %d", level.Index)
	}

	base := wsi.Level{}
	for _, l := range v.Levels() {
		if l.Index == plan.baseIndex {
			base = l
		}
	}

	region, err := v.readBaseRegion(ctx, base, level.TileRegion(x, y), plan.steps)
	if err != nil {
		return nil, err
	}

	key := wsi.BlockKey{Level: level.Index, X: x, Y: y, Synthesized: true}
	return v.cache.GetOrDecode(ctx, key, func() (*wsi.RawBlock, error) {
		pixels := region
		for i := 0; i < plan.steps; i++ {
			pixels = halve(pixels)
		}
		return &wsi.RawBlock{
			Key:    key,
			Pixels: pixels,
			Lossy:  true, // resampled, regardless of the source codec
			Rect:   level.TileRegion(x, y),
		}, nil
	})
}

// readBaseRegion composes the base-level pixels covering the synthesized
// tile region scaled up by 2^steps. Base tiles are fetched through the
// cache before the synthesized block's own decode runs, keeping decode
// functions free of nested cache calls.
func (v *View) readBaseRegion(ctx context.Context, base wsi.Level, rect image.Rectangle, steps int) (*image.NRGBA, error) {
	factor := 1 << steps
	baseRect := image.Rect(
		rect.Min.X*factor,
		rect.Min.Y*factor,
		rect.Max.X*factor,
		rect.Max.Y*factor,
	).Intersect(image.Rect(0, 0, base.Width, base.Height))

	// Sized to the clipped base region: repeated ceil-halving of those
	// dimensions lands exactly on the synthesized tile's cropped extent.
	out := image.NewNRGBA(image.Rect(0, 0, baseRect.Dx(), baseRect.Dy()))

	x0 := baseRect.Min.X / base.TileWidth
	x1 := (baseRect.Max.X - 1) / base.TileWidth
	y0 := baseRect.Min.Y / base.TileHeight
	y1 := (baseRect.Max.Y - 1) / base.TileHeight

	for ty := y0; ty <= y1; ty++ {
		for tx := x0; tx <= x1; tx++ {
			handle, err := v.FetchTile(ctx, base, tx, ty)
			if err != nil {
				return nil, fmt.Errorf("fetching base tile (%d, %d): %v", tx, ty, err)
			}
			block := handle.Block()
			if block.Pixels == nil {
				handle.Release()
				return nil, fmt.Errorf("base tile (%d, %d) of level %d has no decoded samples", tx, ty, base.Index)
			}

			tileRect := base.TileRegion(tx, ty)
			overlap := tileRect.Intersect(baseRect)
			for py := overlap.Min.Y; py < overlap.Max.Y; py++ {
				srcOff := (py-tileRect.Min.Y)*block.Pixels.Stride + (overlap.Min.X-tileRect.Min.X)*4
				dstOff := (py-baseRect.Min.Y)*out.Stride + (overlap.Min.X-baseRect.Min.X)*4
				copy(out.Pix[dstOff:dstOff+overlap.Dx()*4], block.Pixels.Pix[srcOff:srcOff+overlap.Dx()*4])
			}
			handle.Release()
		}
	}

	return out, nil
}

// halve area-averages img down by 2x per axis. Odd trailing rows and
// columns average over the samples that exist, so edge tiles stay exact.
func halve(img *image.NRGBA) *image.NRGBA {
	bounds := img.Bounds()
	width := (bounds.Dx() + 1) / 2
	height := (bounds.Dy() + 1) / 2
	out := image.NewNRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for c := 0; c < 4; c++ {
				sum, n := 0, 0
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						sx, sy := 2*x+dx, 2*y+dy
						if sx >= bounds.Dx() || sy >= bounds.Dy() {
							continue
						}
						sum += int(img.Pix[sy*img.Stride+sx*4+c])
						n++
					}
				}
				out.Pix[y*out.Stride+x*4+c] = uint8((sum + n/2) / n)
			}
		}
	}
	return out
}
