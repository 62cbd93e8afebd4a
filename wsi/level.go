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

package wsi

import "image"

// Level is one resolution layer of a pyramid. Levels are created once per
// conversion and read-only thereafter.
type Level struct {
	Index      int
	Width      int
	Height     int
	TileWidth  int
	TileHeight int

	// Downsample is the factor relative to the full resolution level.
	// For a valid pyramid the factor of level i+1 is approximately twice
	// that of level i; synthesized levels are inserted to close gaps.
	Downsample float64

	// Synthesized marks levels derived by the pipeline rather than read
	// from the source.
	Synthesized bool
}

// TileCoord addresses one output tile within a level.
type TileCoord struct {
	X int
	Y int
}

// TilesAcross returns the number of tile columns, counting the partial
// column at the right edge.
func (l Level) TilesAcross() int {
	return (l.Width + l.TileWidth - 1) / l.TileWidth
}

// TilesDown returns the number of tile rows, counting the partial row at
// the bottom edge.
func (l Level) TilesDown() int {
	return (l.Height + l.TileHeight - 1) / l.TileHeight
}

// TileCount returns the total number of tiles in the level.
func (l Level) TileCount() int {
	return l.TilesAcross() * l.TilesDown()
}

// TileRegion returns the pixel region of tile (x, y) cropped to the level
// bounds. Tiles at the right and bottom edges have a smaller extent than
// the nominal tile size; consumers must never assume the nominal size.
func (l Level) TileRegion(x, y int) image.Rectangle {
	r := image.Rect(
		x*l.TileWidth,
		y*l.TileHeight,
		(x+1)*l.TileWidth,
		(y+1)*l.TileHeight,
	)
	return r.Intersect(image.Rect(0, 0, l.Width, l.Height))
}

// TileCoords returns all tile coordinates of the level in row-major order,
// the canonical frame order within a level.
func (l Level) TileCoords() []TileCoord {
	coords := make([]TileCoord, 0, l.TileCount())
	for y := 0; y < l.TilesDown(); y++ {
		for x := 0; x < l.TilesAcross(); x++ {
			coords = append(coords, TileCoord{X: x, Y: y})
		}
	}
	return coords
}

// FrameIndex returns the canonical zero-based frame index of tile (x, y)
// within the level.
func (l Level) FrameIndex(x, y int) int {
	return y*l.TilesAcross() + x
}
