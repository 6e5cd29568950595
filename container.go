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

// On-disk layout constants for the container format.
const (
	// MagicHeader is the 4-byte ASCII magic that opens every container.
	MagicHeader = "IMG1"

	// MagicIndex is the 4-byte ASCII magic that opens the trailing index.
	MagicIndex = "IDX1"

	// MagicTail is the 4-byte ASCII magic of the final 12-byte locator.
	MagicTail = "TAIL"

	// CurrentVersion is the container version this package writes. Readers
	// understand versions 1 through CurrentVersion.
	CurrentVersion = 3

	// FrameHeaderSize is the fixed size, in bytes, of a ChunkFrame header:
	// 4(chunkIndex) + 8(deviceOffset) + 4(uncompressedLen) + 4(compressedLen) + 32(digest).
	FrameHeaderSize = 52

	// IndexEntrySize is the fixed size, in bytes, of one Index entry:
	// 8(deviceOffset) + 8(fileOffset) + 4(uncompressedLen) + 4(compressedLen).
	IndexEntrySize = 24

	// TailSize is the fixed size, in bytes, of the trailing locator:
	// 4(magic) + 8(index start offset).
	TailSize = 12

	// DigestSize is the length in bytes of a chunk digest (SHA-256).
	DigestSize = 32

	// maxFSTagLength bounds the filesystem-tag string accepted by a v3 header.
	maxFSTagLength = 65536
)

// IndexEntry describes one chunk's placement, as stored in the trailing Index
// and held in memory by the writer and reader.
type IndexEntry struct {
	// DeviceOffset is the byte offset into the source device this chunk covers.
	DeviceOffset uint64

	// FileOffset is the byte offset, within the container file, of the first
	// byte of this chunk's compressed payload (the byte after its frame header).
	FileOffset uint64

	// UncompressedLength is the number of decompressed bytes this chunk covers.
	UncompressedLength uint32

	// CompressedLength is the number of bytes of compressed payload on disk.
	CompressedLength uint32
}

// Header holds the fields of a parsed container header.
type Header struct {
	Version      uint32
	SectorSize   uint32
	ChunkSize    uint32
	DeviceLength uint64
	FSTag        string
}
