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

// Package schedule fans tile encoding out over a bounded worker pool and
// folds the completions back into canonical frame order. Tiles are worked
// in chunks; a reordering window of at most Workers pending chunks keeps
// memory bounded without a global sort.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"wsiconvert/encap"
	"wsiconvert/wsi"
)

// DefaultChunkSize is the tile count per worker unit when none is
// configured.
const DefaultChunkSize = 16

// Options sizes the pool.
type Options struct {
	// Workers bounds concurrent chunk encodes. Defaults to GOMAXPROCS.
	Workers int

	// ChunkSize is the number of tiles one worker encodes per unit.
	// Defaults to DefaultChunkSize.
	ChunkSize int

	// Logger receives per-chunk debug progress. Defaults to slog.Default.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// EncodeFunc encodes one tile of the level into its frame.
type EncodeFunc func(ctx context.Context, level wsi.Level, x, y int) (encap.Frame, error)

// EmitFunc receives frames strictly in ascending index order, from the
// scheduling goroutine only.
type EmitFunc func(encap.Frame) error

type chunkResult struct {
	index  int
	frames []encap.Frame
}

// Run encodes every tile of level and emits the frames in canonical
// row-major order regardless of completion order. The first encode or emit
// error cancels outstanding work and is returned; an emit error wins over
// the cancellations it causes.
func Run(ctx context.Context, level wsi.Level, opts Options, encode EncodeFunc, emit EmitFunc) error {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := chunkCoords(level.TileCoords(), opts.ChunkSize)
	results := make(chan chunkResult)
	// One ticket per chunk in flight or awaiting emission. Capping at the
	// worker count bounds the reorder buffer to Workers*ChunkSize frames.
	tickets := make(chan struct{}, opts.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	done := make(chan error, 1)
	go func() {
		defer close(results)
		for i := range chunks {
			select {
			case tickets <- struct{}{}:
			case <-gctx.Done():
				done <- g.Wait()
				return
			}
			i := i
			g.Go(func() error {
				frames := make([]encap.Frame, 0, len(chunks[i]))
				for _, coord := range chunks[i] {
					if err := gctx.Err(); err != nil {
						return err
					}
					frame, err := encode(gctx, level, coord.X, coord.Y)
					if err != nil {
						return err
					}
					frames = append(frames, frame)
				}
				select {
				case results <- chunkResult{index: i, frames: frames}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		done <- g.Wait()
	}()

	next := 0
	emitted := 0
	pending := make(map[int][]encap.Frame, opts.Workers)
	var emitErr error
	for res := range results {
		if emitErr != nil {
			continue // draining after cancel
		}
		pending[res.index] = res.frames
		for emitErr == nil {
			frames, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			for _, frame := range frames {
				if frame.Index != emitted {
					emitErr = fmt.Errorf("frame %d emitted out of order, want %d", frame.Index, emitted)
					break
				}
				if err := emit(frame); err != nil {
					emitErr = err
					break
				}
				emitted++
			}
			if emitErr != nil {
				cancel()
				break
			}
			opts.Logger.Debug("chunk emitted",
				"level", level.Index, "chunk", next, "chunks", len(chunks), "frames", emitted)
			next++
			<-tickets
		}
	}

	err := <-done
	if emitErr != nil {
		return emitErr
	}
	return err
}

func chunkCoords(coords []wsi.TileCoord, size int) [][]wsi.TileCoord {
	var chunks [][]wsi.TileCoord
	for len(coords) > size {
		chunks = append(chunks, coords[:size])
		coords = coords[size:]
	}
	if len(coords) > 0 {
		chunks = append(chunks, coords)
	}
	return chunks
}
