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
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// VerifyFull decompresses and checks every chunk in the container against
// its stored digest and length. It returns false on the first
// failure; use VerifyFullDetailed for the failing chunk's details.
func (r *Reader) VerifyFull(ctx context.Context, progress VerifyProgress, parallelism int) (bool, error) {
	ok, _, err := r.VerifyFullDetailed(ctx, progress, parallelism)
	return ok, err
}

// VerifyFullDetailed is VerifyFull but also reports which chunk failed and how.
func (r *Reader) VerifyFullDetailed(ctx context.Context, progress VerifyProgress, parallelism int) (bool, *VerifyFailure, error) {
	return r.verify(ctx, r.allIndices(), progress, parallelism)
}

// VerifyQuick samples a stride-based subset of chunks (always including the
// first and last) and verifies only those.
func (r *Reader) VerifyQuick(ctx context.Context, progress VerifyProgress, parallelism int) (bool, error) {
	ok, _, err := r.VerifyQuickDetailed(ctx, progress, parallelism)
	return ok, err
}

// VerifyQuickDetailed is VerifyQuick but also reports which chunk failed and how.
func (r *Reader) VerifyQuickDetailed(ctx context.Context, progress VerifyProgress, parallelism int) (bool, *VerifyFailure, error) {
	return r.verify(ctx, quickSampleIndices(len(r.entries)), progress, parallelism)
}

func (r *Reader) allIndices() []int {
	idxs := make([]int, len(r.entries))
	for i := range idxs {
		idxs[i] = i
	}
	return idxs
}

// quickSampleIndices implements the sample set: {0, N-1} ∪ {s, 2s,
// ...} ∩ [1, N-2], with stride 10 for N≤200, 25 for N≤1000, else 50.
func quickSampleIndices(n int) []int {
	if n == 0 {
		return nil
	}

	stride := 50
	switch {
	case n <= 200:
		stride = 10
	case n <= 1000:
		stride = 25
	}

	set := map[int]struct{}{0: {}, n - 1: {}}
	for s := stride; s <= n-2; s += stride {
		set[s] = struct{}{}
	}

	idxs := make([]int, 0, len(set))
	for i := range set {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	return idxs
}

type verifyItem struct {
	chunkIndex      uint32
	uncompressedLen uint32
	digest          [DigestSize]byte
	compressed      []byte
}

// verify drains a bounded queue of (chunkIndex, uncompressedLen, digest,
// compressed) items read from the given sample of entry positions, using a
// worker pool of the requested size, cancelling all workers on the first
// failure. Progress is reported as a fraction of the
// sample's total compressed bytes.
func (r *Reader) verify(ctx context.Context, indices []int, progress VerifyProgress, parallelism int) (bool, *VerifyFailure, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	if len(indices) == 0 {
		return true, nil, nil
	}

	var totalBytes uint64
	for _, i := range indices {
		totalBytes += uint64(r.entries[i].CompressedLength)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan verifyItem, parallelism*2)

	var (
		once        sync.Once
		failure     *VerifyFailure
		ioErr       error
		processed   uint64
		progressMu  sync.Mutex
		workerGroup sync.WaitGroup
	)

	reportFailure := func(vf *VerifyFailure) {
		once.Do(func() {
			failure = vf
			cancel()
		})
	}
	reportIOErr := func(err error) {
		once.Do(func() {
			ioErr = err
			cancel()
		})
	}

	for i := 0; i < parallelism; i++ {
		workerGroup.Add(1)
		go func() {
			defer workerGroup.Done()

			dec, err := zstd.NewReader(nil)
			if err != nil {
				reportIOErr(fmt.Errorf("%w: creating decompressor: %v", ErrIO, err))
				for range queue {
				}
				return
			}
			defer dec.Close()

			for it := range queue {
				decoded, derr := dec.DecodeAll(it.compressed, nil)
				var vf *VerifyFailure
				switch {
				case derr != nil:
					vf = &VerifyFailure{ChunkIndex: it.chunkIndex, Kind: VerifyDecodeError}
				case uint32(len(decoded)) != it.uncompressedLen:
					vf = &VerifyFailure{ChunkIndex: it.chunkIndex, Kind: VerifyLengthMismatch}
				case sha256.Sum256(decoded) != it.digest:
					vf = &VerifyFailure{ChunkIndex: it.chunkIndex, Kind: VerifyDigestMismatch}
				}
				if vf != nil {
					reportFailure(vf)
				}

				progressMu.Lock()
				processed += uint64(len(it.compressed))
				if progress != nil {
					progress(VerifyProgressUpdate{BytesProcessed: processed, BytesTotal: totalBytes})
				}
				progressMu.Unlock()
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, idx := range indices {
			if ctx.Err() != nil {
				return
			}

			e := r.entries[idx]
			frameStart := int64(e.FileOffset) - FrameHeaderSize
			hdrBuf := make([]byte, FrameHeaderSize)
			if _, err := r.f.ReadAt(hdrBuf, frameStart); err != nil {
				reportFailure(&VerifyFailure{ChunkIndex: uint32(idx), Kind: VerifyTruncatedFrame})
				return
			}

			compressed := make([]byte, e.CompressedLength)
			sr := io.NewSectionReader(r.f, int64(e.FileOffset), int64(e.CompressedLength))
			if _, err := io.ReadFull(sr, compressed); err != nil {
				reportFailure(&VerifyFailure{ChunkIndex: uint32(idx), Kind: VerifyTruncatedFrame})
				return
			}

			var digest [DigestSize]byte
			copy(digest[:], hdrBuf[20:20+DigestSize])

			select {
			case queue <- verifyItem{
				chunkIndex:      uint32(idx),
				uncompressedLen: e.UncompressedLength,
				digest:          digest,
				compressed:      compressed,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	workerGroup.Wait()

	if ioErr != nil {
		return false, nil, ioErr
	}
	if failure != nil {
		return false, failure, nil
	}
	if ctx.Err() != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return true, nil, nil
}
