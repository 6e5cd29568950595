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
	"os"
	"testing"
)

func TestVerifyFullDetectsCorruption(t *testing.T) {
	t.Parallel()

	dev := newMemDevice(2*1024*1024, 512, 31)
	path := buildTestImage(t, dev, 512*1024, DefaultConfig())

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Flip a byte inside the first chunk's compressed payload on disk.
	entry := r.Entries()[0]
	r.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("os.OpenFile: %v", err)
	}
	var b [1]byte
	if _, err := f.ReadAt(b[:], int64(entry.FileOffset)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b[:], int64(entry.FileOffset)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("Open (corrupted): %v", err)
	}
	defer r2.Close()

	ok, failure, err := r2.VerifyFullDetailed(context.Background(), nil, 2)
	if ok {
		t.Fatalf("VerifyFullDetailed ok = true, want false")
	}
	if err != nil {
		// A flipped byte in the compressed stream either fails the zstd
		// decode outright or decodes to the wrong bytes; both surface as
		// a verification failure rather than an I/O error.
		t.Fatalf("VerifyFullDetailed unexpected error: %v", err)
	}
	if failure == nil {
		t.Fatalf("VerifyFullDetailed failure = nil, want non-nil")
	}
	if failure.ChunkIndex != 0 {
		t.Errorf("failure.ChunkIndex = %d, want 0", failure.ChunkIndex)
	}
	if failure.Kind != VerifyDigestMismatch && failure.Kind != VerifyDecodeError {
		t.Errorf("failure.Kind = %v, want DigestMismatch or DecodeError", failure.Kind)
	}

	// VerifyQuick always samples chunk 0, so it must also catch this.
	quickOK, quickFailure, err := r2.VerifyQuickDetailed(context.Background(), nil, 2)
	if err != nil {
		t.Fatalf("VerifyQuickDetailed: %v", err)
	}
	if quickOK {
		t.Fatalf("VerifyQuickDetailed ok = true, want false")
	}
	if quickFailure == nil || quickFailure.ChunkIndex != 0 {
		t.Errorf("VerifyQuickDetailed failure = %+v, want chunk 0", quickFailure)
	}
}

func TestVerifyFullCleanImage(t *testing.T) {
	t.Parallel()

	dev := newMemDevice(3*1024*1024, 512, 32)
	path := buildTestImage(t, dev, 512*1024, DefaultConfig())

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ok, err := r.VerifyFull(context.Background(), nil, 4)
	if err != nil {
		t.Fatalf("VerifyFull: %v", err)
	}
	if !ok {
		t.Errorf("VerifyFull ok = false, want true")
	}
}

func TestVerifyCancellation(t *testing.T) {
	t.Parallel()

	dev := newMemDevice(8*1024*1024, 512, 33)
	path := buildTestImage(t, dev, 256*1024, DefaultConfig())

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := r.VerifyFull(ctx, nil, 2)
	if ok {
		t.Errorf("VerifyFull ok = true, want false on cancelled context")
	}
	if err == nil {
		t.Errorf("VerifyFull err = nil, want non-nil on cancelled context")
	}
}

func TestQuickSampleIndices(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		n        int
		wantHead int
		wantTail int
	}{
		{n: 3, wantHead: 0, wantTail: 2},
		{n: 150, wantHead: 0, wantTail: 149},
		{n: 5000, wantHead: 0, wantTail: 4999},
	}

	for _, tc := range testCases {
		idxs := quickSampleIndices(tc.n)
		if len(idxs) == 0 {
			t.Fatalf("quickSampleIndices(%d) = empty", tc.n)
		}
		if idxs[0] != tc.wantHead {
			t.Errorf("quickSampleIndices(%d)[0] = %d, want %d", tc.n, idxs[0], tc.wantHead)
		}
		if idxs[len(idxs)-1] != tc.wantTail {
			t.Errorf("quickSampleIndices(%d) last = %d, want %d", tc.n, idxs[len(idxs)-1], tc.wantTail)
		}
		for _, i := range idxs {
			if i < 0 || i >= tc.n {
				t.Errorf("quickSampleIndices(%d) contains out-of-range index %d", tc.n, i)
			}
		}
	}
}
