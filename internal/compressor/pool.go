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

// Package compressor implements the dynamically-sized worker pool that
// hashes and compresses chunk data for the capture pipeline. Workers drain
// a bounded input queue and publish to a bounded output queue; shrinking
// the pool is cooperative via retire tokens, never preemptive.
package compressor

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// DigestSize is the length in bytes of a chunk digest (SHA-256).
const DigestSize = sha256.Size

// Level is the fixed zstd compression level used for reproducibility.
const Level = 3

// ReadItem is one uncompressed chunk awaiting hash+compress.
type ReadItem struct {
	ChunkIndex   uint32
	DeviceOffset uint64
	Data         []byte
}

// CompressedItem is the result of hashing and compressing a ReadItem. Err is
// set instead of the other fields when compression failed.
type CompressedItem struct {
	ChunkIndex         uint32
	DeviceOffset       uint64
	UncompressedLength uint32
	Digest             [DigestSize]byte
	Compressed         []byte
	Err                error
}

// Pool is a dynamically-sized set of workers computing SHA-256 digests and
// zstd-compressing chunk data, draining In and publishing to Out.
type Pool struct {
	In  chan ReadItem
	Out chan CompressedItem

	mu           sync.Mutex
	active       int
	retireTokens int64
	wg           sync.WaitGroup
}

// NewPool creates a Pool with queue capacity cap for both In and Out, and
// starts it at the given initial degree of parallelism (at least 1).
func NewPool(queueCapacity, initialDegree int) *Pool {
	if queueCapacity < 2 {
		queueCapacity = 2
	}
	if initialDegree < 1 {
		initialDegree = 1
	}
	p := &Pool{
		In:  make(chan ReadItem, queueCapacity),
		Out: make(chan CompressedItem, queueCapacity),
	}
	p.SetDegree(initialDegree)
	return p
}

// SetDegree adjusts the number of active workers toward d. Growing spawns
// workers immediately; shrinking arms retire tokens that existing workers
// consume cooperatively at their next drain-loop boundary, never
// mid-item.
func (p *Pool) SetDegree(d int) {
	if d < 1 {
		d = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if d > p.active {
		grow := d - p.active
		p.active = d
		p.wg.Add(grow)
		for i := 0; i < grow; i++ {
			go p.worker()
		}
	} else if d < p.active {
		shrink := p.active - d
		p.active = d
		atomic.AddInt64(&p.retireTokens, int64(shrink))
	}
}

// Close closes In, signaling workers to drain and exit once it is empty.
// Callers must call Wait after Close to know when all workers have retired.
func (p *Pool) Close() {
	close(p.In)
}

// Wait blocks until all workers have retired, then closes Out.
func (p *Pool) Wait() {
	p.wg.Wait()
	close(p.Out)
}

func (p *Pool) worker() {
	defer p.wg.Done()

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(Level)))
	if err != nil {
		// Construction failures are reported per-item as the worker would
		// otherwise have nothing to publish.
		for item := range p.In {
			if p.tryRetire() {
				// Drain this one item before exiting so In never blocks a
				// producer waiting on a retired worker, then stop.
				p.Out <- CompressedItem{ChunkIndex: item.ChunkIndex, Err: fmt.Errorf("compressor: %w", err)}
				return
			}
			p.Out <- CompressedItem{ChunkIndex: item.ChunkIndex, Err: fmt.Errorf("compressor: %w", err)}
		}
		return
	}
	defer enc.Close()

	for item := range p.In {
		out := p.process(enc, item)
		p.Out <- out
		if p.tryRetire() {
			return
		}
	}
}

// tryRetire consumes one retire token if available, reporting whether this
// worker should exit now.
func (p *Pool) tryRetire() bool {
	for {
		cur := atomic.LoadInt64(&p.retireTokens)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&p.retireTokens, cur, cur-1) {
			return true
		}
	}
}

func (p *Pool) process(enc *zstd.Encoder, item ReadItem) CompressedItem {
	digest := sha256.Sum256(item.Data)
	compressed := enc.EncodeAll(item.Data, nil)
	return CompressedItem{
		ChunkIndex:         item.ChunkIndex,
		DeviceOffset:       item.DeviceOffset,
		UncompressedLength: uint32(len(item.Data)),
		Digest:             digest,
		Compressed:         compressed,
	}
}
