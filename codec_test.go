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
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteReadHeaderV3RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := writeHeader(&buf, 512, 4*1024*1024, 10*1024*1024, "ext4"); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}

	h, err := readHeader(&buf)
	if err != nil {
		t.Fatalf("readHeader: %v", err)
	}

	want := Header{
		Version:      CurrentVersion,
		SectorSize:   512,
		ChunkSize:    4 * 1024 * 1024,
		DeviceLength: 10 * 1024 * 1024,
		FSTag:        "ext4",
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Errorf("readHeader (-want +got):\n%s", diff)
	}
}

func TestReadHeaderVersions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		buf  func() []byte
		want Header
	}{
		{
			name: "v1 no device length no fs tag",
			buf: func() []byte {
				b := make([]byte, 16)
				copy(b[0:4], MagicHeader)
				binary.LittleEndian.PutUint32(b[4:8], 1)
				binary.LittleEndian.PutUint32(b[8:12], 512)
				binary.LittleEndian.PutUint32(b[12:16], 1024)
				return b
			},
			want: Header{Version: 1, SectorSize: 512, ChunkSize: 1024},
		},
		{
			name: "v2 has device length, no fs tag",
			buf: func() []byte {
				b := make([]byte, 24)
				copy(b[0:4], MagicHeader)
				binary.LittleEndian.PutUint32(b[4:8], 2)
				binary.LittleEndian.PutUint32(b[8:12], 512)
				binary.LittleEndian.PutUint32(b[12:16], 1024)
				binary.LittleEndian.PutUint64(b[16:24], 2048)
				return b
			},
			want: Header{Version: 2, SectorSize: 512, ChunkSize: 1024, DeviceLength: 2048},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h, err := readHeader(bytes.NewReader(tc.buf()))
			if err != nil {
				t.Fatalf("readHeader: %v", err)
			}
			if diff := cmp.Diff(tc.want, h); diff != "" {
				t.Errorf("readHeader (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadHeaderBadMagic(t *testing.T) {
	t.Parallel()

	_, err := readHeader(bytes.NewReader([]byte("XXXX\x01\x00\x00\x00\x00\x02\x00\x00\x00\x04\x00\x00")))
	if !errors.Is(err, ErrBadMagic) {
		t.Errorf("readHeader error = %v, want ErrBadMagic", err)
	}
}

func TestReadHeaderUnsupportedVersion(t *testing.T) {
	t.Parallel()

	b := make([]byte, 16)
	copy(b[0:4], MagicHeader)
	binary.LittleEndian.PutUint32(b[4:8], 99)

	_, err := readHeader(bytes.NewReader(b))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("readHeader error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestWriteFrameReadFrameHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	digest := [DigestSize]byte{}
	copy(digest[:], bytes.Repeat([]byte{0xAB}, DigestSize))

	var buf bytes.Buffer
	payload := []byte("compressed-bytes")
	payloadOffset, err := writeFrame(&buf, 100, 3, 12288, 4096, digest, payload)
	if err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if payloadOffset != 100+FrameHeaderSize {
		t.Errorf("payloadOffset = %d, want %d", payloadOffset, 100+FrameHeaderSize)
	}

	fh, err := readFrameHeader(&buf)
	if err != nil {
		t.Fatalf("readFrameHeader: %v", err)
	}
	want := frameHeader{
		ChunkIndex:         3,
		DeviceOffset:       12288,
		UncompressedLength: 4096,
		CompressedLength:   uint32(len(payload)),
		Digest:             digest,
	}
	if diff := cmp.Diff(want, fh); diff != "" {
		t.Errorf("readFrameHeader (-want +got):\n%s", diff)
	}

	rest, err := io.ReadAll(&buf)
	if err != nil {
		t.Fatalf("io.ReadAll: %v", err)
	}
	if !bytes.Equal(rest, payload) {
		t.Errorf("payload = %q, want %q", rest, payload)
	}
}

func TestFooterLocatorIndexRoundTrip(t *testing.T) {
	t.Parallel()

	entries := []IndexEntry{
		{DeviceOffset: 0, FileOffset: 24, UncompressedLength: 4096, CompressedLength: 1000},
		{DeviceOffset: 4096, FileOffset: 1076, UncompressedLength: 4096, CompressedLength: 1100},
	}

	var buf bytes.Buffer
	indexStart := int64(2176)
	// Stand-in for the header and frames so the index really starts at indexStart.
	buf.Write(make([]byte, indexStart))
	if err := writeFooter(&buf, indexStart, entries); err != nil {
		t.Fatalf("writeFooter: %v", err)
	}

	rs := bytes.NewReader(buf.Bytes())
	locator, err := readLocator(rs)
	if err != nil {
		t.Fatalf("readLocator: %v", err)
	}
	if locator != indexStart {
		t.Errorf("locator = %d, want %d", locator, indexStart)
	}

	got, err := readIndex(rs, locator, 4096)
	if err != nil {
		t.Fatalf("readIndex: %v", err)
	}
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Errorf("readIndex (-want +got):\n%s", diff)
	}
}

func TestReadIndexRejectsOversizedEntry(t *testing.T) {
	t.Parallel()

	const chunkSize = 4096
	entries := []IndexEntry{
		{DeviceOffset: 0, FileOffset: 24, UncompressedLength: chunkSize, CompressedLength: 1000},
		// More than 2x chunkSize: must be rejected as corruption, not trusted.
		{DeviceOffset: chunkSize, FileOffset: 1076, UncompressedLength: chunkSize*2 + 1, CompressedLength: 1100},
	}

	var buf bytes.Buffer
	indexStart := int64(2176)
	// Stand-in for the header and frames so the index really starts at indexStart.
	buf.Write(make([]byte, indexStart))
	if err := writeFooter(&buf, indexStart, entries); err != nil {
		t.Fatalf("writeFooter: %v", err)
	}

	rs := bytes.NewReader(buf.Bytes())
	locator, err := readLocator(rs)
	if err != nil {
		t.Fatalf("readLocator: %v", err)
	}

	if _, err := readIndex(rs, locator, chunkSize); !errors.Is(err, ErrBadIndex) {
		t.Errorf("readIndex error = %v, want ErrBadIndex", err)
	}
}

func TestReadLocatorMissingTail(t *testing.T) {
	t.Parallel()

	rs := bytes.NewReader([]byte("too small"))
	_, err := readLocator(rs)
	if !errors.Is(err, ErrMissingTail) {
		t.Errorf("readLocator error = %v, want ErrMissingTail", err)
	}
}
