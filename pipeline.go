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

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blockimg/blockimg/internal/compressor"
)

// chunkRange is one planned (deviceOffset, length) chunk, assigned a
// chunkIndex by the capture loop as it is emitted.
type chunkRange struct {
	deviceOffset uint64
	length       uint32
}

// plannerFunc enumerates the chunk ranges a capture should cover, in
// ascending deviceOffset order, calling emit once per chunk. It must respect
// ctx cancellation between emits.
type plannerFunc func(ctx context.Context, emit func(chunkRange) error) error

// fullRangePlanner tiles [start, end) into chunkSize-sized pieces, the last
// possibly shorter.
func fullRangePlanner(start, end uint64, chunkSize uint32) plannerFunc {
	return func(ctx context.Context, emit func(chunkRange) error) error {
		step := uint64(chunkSize)
		for off := start; off < end; off += step {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			length := step
			if off+length > end {
				length = end - off
			}
			if err := emit(chunkRange{deviceOffset: off, length: uint32(length)}); err != nil {
				return err
			}
		}
		return nil
	}
}

// allocatedOnlyPlanner enumerates the device's allocated ranges and splits
// each into chunkSize-sized pieces that never straddle a range boundary.
func allocatedOnlyPlanner(r BlockReader, chunkSize uint32) plannerFunc {
	return func(ctx context.Context, emit func(chunkRange) error) error {
		step := uint64(chunkSize)
		_, supported, err := r.TryEnumerateAllocatedRanges(func(offset, length uint64) error {
			cur := offset
			remaining := length
			for remaining > 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				n := step
				if n > remaining {
					n = remaining
				}
				if err := emit(chunkRange{deviceOffset: cur, length: uint32(n)}); err != nil {
					return err
				}
				cur += n
				remaining -= n
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !supported {
			return fmt.Errorf("%w: device does not support allocated-range enumeration", ErrIO)
		}
		return nil
	}
}

// captureResult is what the ordered writer stage accumulates.
type captureResult struct {
	chunksWritten    uint32
	lastDeviceOffset uint64
	bytesWritten     uint64
}

// capture runs the shared read -> hash+compress -> ordered-write machinery:
// one producer, a dynamically-sized compressor pool, one ordered writer,
// and an optional 1Hz control monitor adjusting
// pool degree. It returns once the plan is exhausted (or ctx is cancelled,
// or any stage errors), with the in-memory index already updated.
func (w *Writer) capture(ctx context.Context, r BlockReader, startChunkIndex uint32, plan plannerFunc, cfg Config, desiredParallel func() int, progress Progress) (captureResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var errOnce sync.Once
	var firstErr error
	setErr := func(err error) {
		if err == nil || err == context.Canceled {
			return
		}
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	qcap := queueCapacity(cfg.Parallelism, cfg.PipelineDepth)
	pool := compressor.NewPool(qcap, cfg.Parallelism)

	var producerWG sync.WaitGroup
	producerWG.Add(1)
	go func() {
		defer producerWG.Done()
		defer pool.Close()

		chunkIdx := startChunkIndex
		err := plan(ctx, func(cr chunkRange) error {
			buf := make([]byte, cr.length)
			var read int
			for read < len(buf) {
				n, rerr := r.Read(buf[read:], cr.deviceOffset+uint64(read))
				read += n
				if rerr != nil {
					if rerr == io.EOF {
						break
					}
					return fmt.Errorf("%w: %v", ErrIO, rerr)
				}
				if n == 0 {
					break
				}
			}
			buf = buf[:read]
			if len(buf) == 0 {
				return nil
			}

			item := compressor.ReadItem{
				ChunkIndex:   chunkIdx,
				DeviceOffset: cr.deviceOffset,
				Data:         buf,
			}
			select {
			case pool.In <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
			chunkIdx++
			return nil
		})
		if err != nil {
			setErr(err)
		}
	}()

	go pool.Wait()

	monitorDone := make(chan struct{})
	if desiredParallel != nil {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-monitorDone:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if d := desiredParallel(); d > 0 {
						pool.SetDegree(d)
					}
				}
			}
		}()
	}

	result := captureResult{}
	pending := make(map[uint32]compressor.CompressedItem)
	nextIdx := startChunkIndex
	var bytesCompressed uint64

	for item := range pool.Out {
		if item.Err != nil {
			setErr(item.Err)
			continue
		}
		pending[item.ChunkIndex] = item

		for {
			it, ok := pending[nextIdx]
			if !ok {
				break
			}
			delete(pending, nextIdx)

			payloadOffset, werr := writeFrame(w.out, w.nextFileOffset, it.ChunkIndex, it.DeviceOffset, it.UncompressedLength, it.Digest, it.Compressed)
			if werr != nil {
				setErr(werr)
				break
			}
			w.nextFileOffset = payloadOffset + int64(len(it.Compressed))
			w.entries = append(w.entries, IndexEntry{
				DeviceOffset:       it.DeviceOffset,
				FileOffset:         uint64(payloadOffset),
				UncompressedLength: it.UncompressedLength,
				CompressedLength:   uint32(len(it.Compressed)),
			})

			result.chunksWritten++
			result.lastDeviceOffset = it.DeviceOffset + uint64(it.UncompressedLength)
			result.bytesWritten += uint64(it.UncompressedLength)
			bytesCompressed += uint64(len(it.Compressed))
			nextIdx++

			if progress != nil {
				progress(ProgressUpdate{
					ChunksWritten:     result.chunksWritten,
					BytesRead:         result.bytesWritten,
					BytesCompressed:   bytesCompressed,
					UncompressedTotal: result.bytesWritten,
					LastDeviceOffset:  result.lastDeviceOffset,
				})
			}
		}
	}

	close(monitorDone)
	producerWG.Wait()

	if firstErr != nil {
		return result, firstErr
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return result, nil
}
