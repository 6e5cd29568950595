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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriterFullRangeCapture(t *testing.T) {
	t.Parallel()

	const deviceSize = 10 * 1024 * 1024
	const chunkSize = 4 * 1024 * 1024
	dev := newMemDevice(deviceSize, 512, 1)

	var buf bytes.Buffer
	cfg := Config{Parallelism: 2, PipelineDepth: 2, CacheCapacity: 4}
	w, err := NewWriter(&buf, dev.SectorSize(), chunkSize, dev.TotalSize(), "ext4", cfg)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	chunksWritten, lastOffset, err := w.WriteFrom(context.Background(), dev, 0, 0, nil, nil, 0)
	if err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	if chunksWritten != 3 {
		t.Errorf("chunksWritten = %d, want 3", chunksWritten)
	}
	if lastOffset != deviceSize {
		t.Errorf("lastDeviceOffset = %d, want %d", lastOffset, deviceSize)
	}

	wantOffsets := []uint64{0, 4194304, 8388608}
	wantLengths := []uint32{4194304, 4194304, 2097152}
	var gotOffsets []uint64
	var gotLengths []uint32
	for _, e := range w.Entries() {
		gotOffsets = append(gotOffsets, e.DeviceOffset)
		gotLengths = append(gotLengths, e.UncompressedLength)
	}
	if diff := cmp.Diff(wantOffsets, gotOffsets); diff != "" {
		t.Errorf("device offsets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantLengths, gotLengths); diff != "" {
		t.Errorf("uncompressed lengths (-want +got):\n%s", diff)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenWithConfig(bufferPath(t, buf.Bytes()), DefaultConfig())
	if err != nil {
		t.Fatalf("OpenWithConfig: %v", err)
	}
	defer r.Close()

	got := make([]byte, deviceSize)
	n, err := r.ReadAt(0, got)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != deviceSize {
		t.Errorf("ReadAt n = %d, want %d", n, deviceSize)
	}
	if !bytes.Equal(got, dev.data) {
		t.Errorf("round-tripped device content mismatch")
	}
}

func TestWriterAllocatedOnlyCapture(t *testing.T) {
	t.Parallel()

	const deviceSize = 10 * 1024 * 1024
	const chunkSize = 1024 * 1024
	base := newMemDevice(deviceSize, 512, 2)
	dev := &allocatedMemDevice{
		memDevice: base,
		ranges: []chunkRange{
			{deviceOffset: 0, length: 1048576},
			{deviceOffset: 8388608, length: 2097152},
		},
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, dev.SectorSize(), chunkSize, dev.TotalSize(), "", DefaultConfig())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	chunksWritten, bytesWritten, err := w.WriteAllocatedOnly(context.Background(), dev, nil, nil, 0)
	if err != nil {
		t.Fatalf("WriteAllocatedOnly: %v", err)
	}
	if chunksWritten != 3 {
		t.Errorf("chunksWritten = %d, want 3", chunksWritten)
	}
	if bytesWritten != 1048576+2097152 {
		t.Errorf("bytesWritten = %d, want %d", bytesWritten, 1048576+2097152)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(bufferPath(t, buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	// The gap between the two allocated ranges must read back as zero.
	got := make([]byte, 1024)
	if _, err := r.ReadAt(4*1024*1024, got); err != nil {
		t.Fatalf("ReadAt gap: %v", err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("gap byte = %d, want 0", b)
			break
		}
	}
}

func TestWriterResume(t *testing.T) {
	t.Parallel()

	const deviceSize = 8 * 1024 * 1024
	const chunkSize = 2 * 1024 * 1024
	dev := newMemDevice(deviceSize, 512, 3)

	path := filepath.Join(t.TempDir(), "image.blockimg")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("os.Create: %v", err)
	}

	w, err := NewWriter(f, dev.SectorSize(), chunkSize, dev.TotalSize(), "", DefaultConfig())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// Write only the first two chunks, then close, simulating a capture
	// that checkpoints partway through rather than running to completion.
	if _, _, err := w.WriteFrom(context.Background(), dev, 0, 4*1024*1024, nil, nil, 0); err != nil {
		t.Fatalf("WriteFrom (first half): %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close (first half): %v", err)
	}

	nextOffsetBefore, nextChunkBefore, err := ComputeResumePoint(path)
	if err != nil {
		t.Fatalf("ComputeResumePoint (first half): %v", err)
	}
	if nextOffsetBefore != 4*1024*1024 || nextChunkBefore != 2 {
		t.Fatalf("ComputeResumePoint (first half) = (%d, %d), want (%d, 2)", nextOffsetBefore, nextChunkBefore, 4*1024*1024)
	}

	w2, resumeOffset, resumeChunk, err := OpenForResume(path, DefaultConfig())
	if err != nil {
		t.Fatalf("OpenForResume: %v", err)
	}
	if resumeOffset != 4*1024*1024 || resumeChunk != 2 {
		t.Fatalf("OpenForResume = (%d, %d), want (%d, 2)", resumeOffset, resumeChunk, 4*1024*1024)
	}

	chunksWritten, lastOffset, err := w2.WriteFrom(context.Background(), dev, resumeOffset, 0, nil, nil, 0)
	if err != nil {
		t.Fatalf("WriteFrom (resume): %v", err)
	}
	if chunksWritten != 2 {
		t.Errorf("chunksWritten = %d, want 2", chunksWritten)
	}
	if lastOffset != deviceSize {
		t.Errorf("lastDeviceOffset = %d, want %d", lastOffset, deviceSize)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	nextOffset, nextChunk, err := ComputeResumePoint(path)
	if err != nil {
		t.Fatalf("ComputeResumePoint: %v", err)
	}
	if nextOffset != deviceSize {
		t.Errorf("nextOffset = %d, want %d", nextOffset, deviceSize)
	}
	if nextChunk != 4 {
		t.Errorf("nextChunk = %d, want 4", nextChunk)
	}
}

// bufferPath writes data to a temp file and returns its path, for tests that
// need an *os.File-backed Reader.
func bufferPath(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.blockimg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	return path
}
