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

// Package config loads conversion settings from YAML files and maps them
// onto convert.Options.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"wsiconvert/convert"
)

// Config is the YAML configuration surface of a conversion.
type Config struct {
	// Encoding selects the target codec and its parameters.
	Encoding struct {
		// TargetFormat is "passthrough", "jpeg" or "jpeg2000".
		TargetFormat string `yaml:"target_format"`

		// Quality is codec specific: 0-100 for JPEG, a PSNR target for
		// JPEG 2000 where values below 1 or above 1000 request lossless.
		Quality float64 `yaml:"quality"`

		// ChromaSubsampling is the JPEG subsampling: "444", "422" or "420".
		ChromaSubsampling string `yaml:"chroma_subsampling"`

		// OffsetTable is "none", "basic", "extended" or "auto".
		OffsetTable string `yaml:"offset_table"`
	} `yaml:"encoding"`

	// Pipeline sizes the worker pool and the block cache.
	Pipeline struct {
		// ChunkSize is the tile count one worker encodes per unit.
		ChunkSize int `yaml:"chunk_size"`

		// WorkerCount bounds concurrent tile encodes.
		WorkerCount int `yaml:"worker_count"`

		// MaxCacheBlocks caps resident decoded blocks; zero is unbounded.
		MaxCacheBlocks int `yaml:"max_cache_blocks"`

		// MaxCacheBytes caps resident decoded bytes; zero is unbounded.
		MaxCacheBytes int64 `yaml:"max_cache_bytes"`

		// CacheWaitSeconds bounds the wait on another worker's in-flight
		// decode; zero waits indefinitely.
		CacheWaitSeconds float64 `yaml:"cache_wait_seconds"`
	} `yaml:"pipeline"`

	// Pyramid controls level handling.
	Pyramid struct {
		// AddMissingLevels synthesizes levels wherever the source skips a
		// power-of-two downsample step.
		AddMissingLevels bool `yaml:"add_missing_levels"`

		// OmitAssociatedImages drops the label and overview instances a
		// source may carry.
		OmitAssociatedImages bool `yaml:"omit_associated_images"`
	} `yaml:"pyramid"`

	// Robustness controls per-tile failure handling.
	Robustness struct {
		// SkipCorruptTiles substitutes blank tiles for unreadable blocks
		// instead of aborting the conversion.
		SkipCorruptTiles bool `yaml:"skip_corrupt_tiles"`

		// BlankTolerance is the blank-tile classification tolerance in
		// 8-bit sample units; zero keeps the built-in default.
		BlankTolerance float64 `yaml:"blank_tolerance"`
	} `yaml:"robustness"`
}

// DefaultConfig returns the defaults of an unconfigured conversion.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Encoding.TargetFormat = "jpeg"
	cfg.Encoding.Quality = 90
	cfg.Encoding.ChromaSubsampling = "420"
	cfg.Encoding.OffsetTable = "auto"
	cfg.Pipeline.ChunkSize = 16
	cfg.Pipeline.WorkerCount = runtime.GOMAXPROCS(0)
	return cfg
}

// LoadConfig loads a YAML file over the defaults. A missing file returns
// the defaults unmodified.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values outside the recognized configuration surface, so
// a malformed file fails at load time rather than mid-conversion. Whether a
// recognized value is supported by the selected codec is checked when the
// pipeline is built.
func (c *Config) Validate() error {
	switch c.Encoding.TargetFormat {
	case "", "passthrough", "jpeg", "jpeg2000":
	default:
		return fmt.Errorf("unknown target_format %q", c.Encoding.TargetFormat)
	}
	switch c.Encoding.OffsetTable {
	case "", "none", "basic", "extended", "auto":
	default:
		return fmt.Errorf("unknown offset_table %q", c.Encoding.OffsetTable)
	}
	switch c.Encoding.ChromaSubsampling {
	case "", "444", "422", "420":
	default:
		return fmt.Errorf("unknown chroma_subsampling %q", c.Encoding.ChromaSubsampling)
	}
	if c.Pipeline.ChunkSize < 0 {
		return fmt.Errorf("chunk_size %d must not be negative", c.Pipeline.ChunkSize)
	}
	if c.Pipeline.WorkerCount < 0 {
		return fmt.Errorf("worker_count %d must not be negative", c.Pipeline.WorkerCount)
	}
	if c.Pipeline.MaxCacheBytes < 0 {
		return fmt.Errorf("max_cache_bytes %d must not be negative", c.Pipeline.MaxCacheBytes)
	}
	return nil
}

// Options maps the configuration onto the conversion surface.
func (c *Config) Options() convert.Options {
	return convert.Options{
		TargetFormat:         c.Encoding.TargetFormat,
		Quality:              c.Encoding.Quality,
		ChromaSubsampling:    c.Encoding.ChromaSubsampling,
		OffsetTable:          c.Encoding.OffsetTable,
		ChunkSize:            c.Pipeline.ChunkSize,
		WorkerCount:          c.Pipeline.WorkerCount,
		MaxCacheBlocks:       c.Pipeline.MaxCacheBlocks,
		MaxCacheBytes:        c.Pipeline.MaxCacheBytes,
		CacheWaitBound:       time.Duration(c.Pipeline.CacheWaitSeconds * float64(time.Second)),
		AddMissingLevels:     c.Pyramid.AddMissingLevels,
		OmitAssociatedImages: c.Pyramid.OmitAssociatedImages,
		SkipCorruptTiles:     c.Robustness.SkipCorruptTiles,
		BlankTolerance:       c.Robustness.BlankTolerance,
	}
}
