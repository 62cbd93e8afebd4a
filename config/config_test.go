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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_missingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Encoding.TargetFormat != "jpeg" || cfg.Encoding.Quality != 90 {
		t.Fatalf("defaults = %q q%g, want jpeg q90", cfg.Encoding.TargetFormat, cfg.Encoding.Quality)
	}
	if cfg.Pipeline.ChunkSize != 16 {
		t.Fatalf("default chunk_size = %d, want 16", cfg.Pipeline.ChunkSize)
	}
	if cfg.Pipeline.WorkerCount < 1 {
		t.Fatalf("default worker_count = %d, want >= 1", cfg.Pipeline.WorkerCount)
	}
}

func TestLoadConfig_overridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convert.yaml")
	doc := `
encoding:
  target_format: jpeg2000
  quality: 2000
  offset_table: extended
pipeline:
  chunk_size: 32
  worker_count: 2
  cache_wait_seconds: 1.5
pyramid:
  add_missing_levels: true
robustness:
  skip_corrupt_tiles: true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Encoding.TargetFormat != "jpeg2000" || cfg.Encoding.Quality != 2000 {
		t.Fatalf("encoding = %q q%g, want jpeg2000 q2000", cfg.Encoding.TargetFormat, cfg.Encoding.Quality)
	}
	// Untouched fields keep their defaults.
	if cfg.Encoding.ChromaSubsampling != "420" {
		t.Fatalf("chroma_subsampling = %q, want default 420", cfg.Encoding.ChromaSubsampling)
	}

	opts := cfg.Options()
	if opts.OffsetTable != "extended" || opts.ChunkSize != 32 || opts.WorkerCount != 2 {
		t.Fatalf("options = %+v, want the loaded values", opts)
	}
	if opts.CacheWaitBound.Seconds() != 1.5 {
		t.Fatalf("cache wait = %v, want 1.5s", opts.CacheWaitBound)
	}
	if !opts.AddMissingLevels || !opts.SkipCorruptTiles {
		t.Fatal("boolean options must carry through")
	}
}

func TestLoadConfig_rejectsBadValues(t *testing.T) {
	for _, doc := range []string{
		"encoding:\n  target_format: webp\n",
		"encoding:\n  offset_table: always\n",
		"encoding:\n  chroma_subsampling: \"411\"\n",
		"pipeline:\n  chunk_size: -1\n",
	} {
		path := filepath.Join(t.TempDir(), "convert.yaml")
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("config %q must fail validation", doc)
		}
	}
}
