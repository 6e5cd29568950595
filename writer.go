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
	"os"
)

// Writer streams a captured block device into a container file.
// Callers must call Close to flush the trailing index and tail; an
// unclosed Writer leaves a resumable-but-unfinished container on disk.
type Writer struct {
	out io.Writer

	cfg Config

	sectorSize   uint32
	chunkSize    uint32
	deviceLength uint64
	fsTag        string

	entries        []IndexEntry
	nextFileOffset int64
	nextChunkIndex uint32

	// resuming is set by OpenForResume; WriteAllocatedOnly falls back to
	// full-range capture from resumeDeviceOffset when true (allocated-only
	// mode resume falls back to full-range; see DESIGN.md).
	resuming           bool
	resumeDeviceOffset uint64

	closed bool
}

// NewWriter creates a Writer that will emit a version-3 header immediately
// to out, followed by chunk frames as WriteFrom/WriteAllocatedOnly are
// called. cfg is normalized to its defaults/bounds.
func NewWriter(out io.Writer, sectorSize, chunkSize uint32, deviceLength uint64, fsTag string, cfg Config) (*Writer, error) {
	cfg = cfg.normalize()
	if chunkSize == 0 {
		chunkSize = cfg.ChunkSize
	}

	if err := writeHeader(out, sectorSize, chunkSize, deviceLength, fsTag); err != nil {
		return nil, err
	}

	return &Writer{
		out:            out,
		cfg:            cfg,
		sectorSize:     sectorSize,
		chunkSize:      chunkSize,
		deviceLength:   deviceLength,
		fsTag:          fsTag,
		nextFileOffset: headerSize(CurrentVersion) + int64(len(fsTag)),
	}, nil
}

// OpenForResume reopens an existing, closed container for appending further
// frames: the existing index is parsed, the
// file truncated to drop the old index+tail, and frames resume from the
// next chunk index. The header is never rewritten. It returns the device
// offset and chunk index the caller should resume capture from.
func OpenForResume(path string, cfg Config) (w *Writer, nextDeviceOffset uint64, nextChunkIndex uint32, err error) {
	ro, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}

	header, err := readHeader(ro)
	if err != nil {
		ro.Close()
		return nil, 0, 0, err
	}
	locator, err := readLocator(ro)
	if err != nil {
		ro.Close()
		return nil, 0, 0, err
	}
	entries, err := readIndex(ro, locator, header.ChunkSize)
	if err != nil {
		ro.Close()
		return nil, 0, 0, err
	}
	ro.Close()

	if len(entries) > 0 {
		last := entries[len(entries)-1]
		nextDeviceOffset = last.DeviceOffset + uint64(last.UncompressedLength)
		nextChunkIndex = uint32(len(entries))
	}

	rw, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: reopening %s: %v", ErrIO, path, err)
	}
	if err := rw.Truncate(locator); err != nil {
		rw.Close()
		return nil, 0, 0, fmt.Errorf("%w: truncating %s: %v", ErrIO, path, err)
	}
	if _, err := rw.Seek(locator, io.SeekStart); err != nil {
		rw.Close()
		return nil, 0, 0, fmt.Errorf("%w: seeking %s: %v", ErrIO, path, err)
	}

	w = &Writer{
		out:                rw,
		cfg:                cfg.normalize(),
		sectorSize:         header.SectorSize,
		chunkSize:          header.ChunkSize,
		deviceLength:       header.DeviceLength,
		fsTag:              header.FSTag,
		entries:            entries,
		nextFileOffset:     locator,
		nextChunkIndex:     nextChunkIndex,
		resuming:           true,
		resumeDeviceOffset: nextDeviceOffset,
	}
	return w, nextDeviceOffset, nextChunkIndex, nil
}

// ComputeResumePoint parses an existing container's footer and index without
// reopening it for writing, returning the device offset and chunk index a
// capture would resume from. It fails with ErrMissingTail if the container
// was never closed successfully.
func ComputeResumePoint(path string) (nextDeviceOffset uint64, nextChunkIndex uint32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	defer f.Close()

	header, err := readHeader(f)
	if err != nil {
		return 0, 0, err
	}
	locator, err := readLocator(f)
	if err != nil {
		return 0, 0, err
	}
	entries, err := readIndex(f, locator, header.ChunkSize)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}
	last := entries[len(entries)-1]
	return last.DeviceOffset + uint64(last.UncompressedLength), uint32(len(entries)), nil
}

// WriteFrom captures [startOffset, min(deviceSize, startOffset+maxBytes)) in
// full-range mode. maxBytes of 0 means no cap. desiredParallel
// and progress may be nil.
func (w *Writer) WriteFrom(ctx context.Context, r BlockReader, startOffset, maxBytes uint64, progress Progress, desiredParallel func() int, pipelineDepth int) (chunksWritten uint32, lastDeviceOffset uint64, err error) {
	if w.closed {
		return 0, 0, fmt.Errorf("%w: writer already closed", ErrIO)
	}

	end := r.TotalSize()
	if maxBytes > 0 && startOffset+maxBytes < end {
		end = startOffset + maxBytes
	}
	if startOffset >= end {
		return 0, startOffset, nil
	}

	cfg := w.cfg
	if pipelineDepth > 0 {
		cfg.PipelineDepth = pipelineDepth
	}
	cfg = cfg.normalize()

	plan := fullRangePlanner(startOffset, end, w.chunkSize)
	result, err := w.capture(ctx, r, w.nextChunkIndex, plan, cfg, desiredParallel, progress)
	w.nextChunkIndex += result.chunksWritten
	if result.chunksWritten > 0 {
		lastDeviceOffset = result.lastDeviceOffset
	} else {
		lastDeviceOffset = startOffset
	}
	return result.chunksWritten, lastDeviceOffset, err
}

// WriteAllocatedOnly captures only the device's allocated ranges. If this
// Writer was produced by OpenForResume, it falls back to
// full-range capture from the resume point, since allocated-only mode
// cannot resume precisely (see DESIGN.md).
func (w *Writer) WriteAllocatedOnly(ctx context.Context, r BlockReader, progress Progress, desiredParallel func() int, pipelineDepth int) (chunksWritten uint32, bytesWritten uint64, err error) {
	if w.closed {
		return 0, 0, fmt.Errorf("%w: writer already closed", ErrIO)
	}

	cfg := w.cfg
	if pipelineDepth > 0 {
		cfg.PipelineDepth = pipelineDepth
	}
	cfg = cfg.normalize()

	var plan plannerFunc
	if w.resuming {
		plan = fullRangePlanner(w.resumeDeviceOffset, r.TotalSize(), w.chunkSize)
	} else {
		plan = allocatedOnlyPlanner(r, w.chunkSize)
	}

	result, err := w.capture(ctx, r, w.nextChunkIndex, plan, cfg, desiredParallel, progress)
	w.nextChunkIndex += result.chunksWritten
	return result.chunksWritten, result.bytesWritten, err
}

// Close writes the trailing Index and Tail and marks the Writer unusable for
// further frames. Calling Close more than once is
// a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := writeFooter(w.out, w.nextFileOffset, w.entries); err != nil {
		return err
	}
	if f, ok := w.out.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: syncing: %v", ErrIO, err)
		}
		return f.Close()
	}
	return nil
}

// Entries returns a snapshot of the in-memory index accumulated so far.
func (w *Writer) Entries() []IndexEntry {
	out := make([]IndexEntry, len(w.entries))
	copy(out, w.entries)
	return out
}
