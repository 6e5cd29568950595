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

import "context"

// AllocatedRangeFunc is invoked by BlockReader.TryEnumerateAllocatedRanges for
// each maximal run of allocated space, in ascending order, offset and length
// both in bytes.
type AllocatedRangeFunc func(offset, length uint64) error

// BlockReader is the sole upstream collaborator the capture pipeline consumes.
// It abstracts however the device bytes are actually obtained — a raw device
// node, a snapshot, a proxy — so the core never needs to know.
//
// Implementations must guarantee: Read and ReadAsync may return fewer bytes
// than requested only at end of device; count passed to either is always
// sector-aligned, is never negative, and never exceeds the caller's chunk
// size. TryEnumerateAllocatedRanges, if supported, must call its callback with
// non-overlapping, strictly ascending ranges.
type BlockReader interface {
	// TotalSize returns the device's total byte length.
	TotalSize() uint64

	// SectorSize returns the device's minimum addressable alignment unit.
	SectorSize() uint32

	// Read performs a positional, blocking read of up to len(buf) bytes
	// starting at offset, returning the number of bytes actually read.
	Read(buf []byte, offset uint64) (int, error)

	// ReadAsync performs the same read as Read but must not block the
	// calling goroutine past what ctx allows; cancellation of ctx must cause
	// it to return promptly with ctx.Err().
	ReadAsync(ctx context.Context, buf []byte, offset uint64) (int, error)

	// TryEnumerateAllocatedRanges invokes fn for each maximal allocated
	// range in ascending order. It returns the total number of bytes
	// reported and true if the underlying source supports allocation
	// enumeration, or (0, false) if it does not.
	TryEnumerateAllocatedRanges(fn AllocatedRangeFunc) (uint64, bool, error)
}
