// Copyright 2024 Google LLC
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

package blockimg

import "runtime"

const (
	// DefaultChunkSize is 512 MiB, the default target uncompressed
	// chunk size.
	DefaultChunkSize = 512 * 1024 * 1024

	// FallbackChunkSize is 64 MiB, a smaller alternative to
	// DefaultChunkSize. Nothing in this package selects it automatically;
	// memory pressure is not detected.
	FallbackChunkSize = 64 * 1024 * 1024

	// DefaultPipelineDepth is the default multiplier applied to worker
	// count to size the bounded queues between pipeline stages.
	DefaultPipelineDepth = 2

	// MinPipelineDepth and MaxPipelineDepth bound Config.PipelineDepth.
	MinPipelineDepth = 1
	MaxPipelineDepth = 8

	// DefaultCacheCapacity is the default number of decompressed chunks the
	// random-access reader keeps resident.
	DefaultCacheCapacity = 4

	// CompressionLevel is fixed at 3 for reproducibility.
	CompressionLevel = 3
)

// Config bundles the capture/read tuning knobs for capture and read.
type Config struct {
	// ChunkSize is the target uncompressed bytes per chunk. Must be a
	// multiple of the device's sector size.
	ChunkSize uint32

	// Parallelism is the number of compressor workers. At least 1.
	Parallelism int

	// PipelineDepth multiplies Parallelism to size the bounded queues
	// between pipeline stages. 1..8.
	PipelineDepth int

	// CacheCapacity is the number of decompressed chunks the reader's LRU
	// cache holds.
	CacheCapacity int
}

// DefaultConfig returns a Config with reasonable defaults: chunk size 512
// MiB, parallelism about half of runtime.NumCPU() (at least 1), pipeline
// depth 2, and cache capacity 4.
func DefaultConfig() Config {
	parallelism := runtime.NumCPU() / 2
	if parallelism < 1 {
		parallelism = 1
	}
	return Config{
		ChunkSize:     DefaultChunkSize,
		Parallelism:   parallelism,
		PipelineDepth: DefaultPipelineDepth,
		CacheCapacity: DefaultCacheCapacity,
	}
}

// normalize clamps fields to their valid ranges.
func (c Config) normalize() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.PipelineDepth < MinPipelineDepth {
		c.PipelineDepth = MinPipelineDepth
	}
	if c.PipelineDepth > MaxPipelineDepth {
		c.PipelineDepth = MaxPipelineDepth
	}
	if c.CacheCapacity < 1 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	return c
}

// queueCapacity computes max(2, workers*pipelineDepth).
func queueCapacity(workers, pipelineDepth int) int {
	n := workers * pipelineDepth
	if n < 2 {
		n = 2
	}
	return n
}
