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
	"encoding/binary"
	"fmt"
	"io"
)

// writeHeader writes a version-3 header to stream: once per container, before
// any frames. fsTag may be empty.
func writeHeader(w io.Writer, sectorSize, chunkSize uint32, deviceLength uint64, fsTag string) error {
	if len(fsTag) > maxFSTagLength {
		return fmt.Errorf("%w: fsTag length %d exceeds %d", ErrBadHeader, len(fsTag), maxFSTagLength)
	}

	buf := make([]byte, 4+4+4+4+8)
	copy(buf[0:4], MagicHeader)
	binary.LittleEndian.PutUint32(buf[4:8], CurrentVersion)
	binary.LittleEndian.PutUint32(buf[8:12], sectorSize)
	binary.LittleEndian.PutUint32(buf[12:16], chunkSize)
	binary.LittleEndian.PutUint64(buf[16:24], deviceLength)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}

	tagBytes := []byte(fsTag)
	tagLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(tagLen, uint32(len(tagBytes)))
	if _, err := w.Write(tagLen); err != nil {
		return fmt.Errorf("%w: writing fsTag length: %v", ErrIO, err)
	}
	if len(tagBytes) > 0 {
		if _, err := w.Write(tagBytes); err != nil {
			return fmt.Errorf("%w: writing fsTag: %v", ErrIO, err)
		}
	}
	return nil
}

// readHeader parses a container header of any supported version (1, 2, or 3)
// from the start of stream.
func readHeader(r io.Reader) (Header, error) {
	var h Header

	fixed := make([]byte, 4+4+4+4)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return h, headerReadErr(err)
	}
	if string(fixed[0:4]) != MagicHeader {
		return h, fmt.Errorf("%w: got %q", ErrBadMagic, fixed[0:4])
	}
	h.Version = binary.LittleEndian.Uint32(fixed[4:8])
	h.SectorSize = binary.LittleEndian.Uint32(fixed[8:12])
	h.ChunkSize = binary.LittleEndian.Uint32(fixed[12:16])

	if h.Version < 1 || h.Version > CurrentVersion {
		return h, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, h.Version)
	}

	if h.Version >= 2 {
		lenBuf := make([]byte, 8)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return h, headerReadErr(err)
		}
		h.DeviceLength = binary.LittleEndian.Uint64(lenBuf)
	}

	if h.Version >= 3 {
		tagLenBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, tagLenBuf); err != nil {
			return h, headerReadErr(err)
		}
		tagLen := binary.LittleEndian.Uint32(tagLenBuf)
		if tagLen > maxFSTagLength {
			return h, fmt.Errorf("%w: fsTag length %d exceeds %d", ErrBadHeader, tagLen, maxFSTagLength)
		}
		if tagLen > 0 {
			tagBuf := make([]byte, tagLen)
			if _, err := io.ReadFull(r, tagBuf); err != nil {
				return h, headerReadErr(err)
			}
			h.FSTag = string(tagBuf)
		}
	}

	return h, nil
}

func headerReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

// headerSize returns the byte length of a header of the given version,
// excluding any variable-length fsTag bytes.
func headerSize(version uint32) int64 {
	n := int64(4 + 4 + 4 + 4) // magic, version, sectorSize, chunkSize
	if version >= 2 {
		n += 8 // deviceLength
	}
	if version >= 3 {
		n += 4 // fsTag length prefix
	}
	return n
}

// writeFrame writes one ChunkFrame (header + compressed payload) to w and
// returns the file offset of the first payload byte (the value an Index
// entry's FileOffset must record).
func writeFrame(w io.Writer, baseOffset int64, idx uint32, devOff uint64, uncompressedLen uint32, digest [DigestSize]byte, compressed []byte) (payloadOffset int64, err error) {
	hdr := make([]byte, FrameHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], idx)
	binary.LittleEndian.PutUint64(hdr[4:12], devOff)
	binary.LittleEndian.PutUint32(hdr[12:16], uncompressedLen)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(compressed)))
	copy(hdr[20:20+DigestSize], digest[:])

	if _, err := w.Write(hdr); err != nil {
		return 0, fmt.Errorf("%w: writing frame header: %v", ErrIO, err)
	}
	payloadOffset = baseOffset + FrameHeaderSize

	if _, err := w.Write(compressed); err != nil {
		return 0, fmt.Errorf("%w: writing frame payload: %v", ErrIO, err)
	}
	return payloadOffset, nil
}

// frameHeader is the parsed, fixed-size prefix of a ChunkFrame.
type frameHeader struct {
	ChunkIndex         uint32
	DeviceOffset       uint64
	UncompressedLength uint32
	CompressedLength   uint32
	Digest             [DigestSize]byte
}

// readFrameHeader reads and parses exactly FrameHeaderSize bytes from r.
func readFrameHeader(r io.Reader) (frameHeader, error) {
	var fh frameHeader
	buf := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fh, fmt.Errorf("%w: frame header: %v", ErrTruncatedFrame, err)
		}
		return fh, fmt.Errorf("%w: frame header: %v", ErrIO, err)
	}
	fh.ChunkIndex = binary.LittleEndian.Uint32(buf[0:4])
	fh.DeviceOffset = binary.LittleEndian.Uint64(buf[4:12])
	fh.UncompressedLength = binary.LittleEndian.Uint32(buf[12:16])
	fh.CompressedLength = binary.LittleEndian.Uint32(buf[16:20])
	copy(fh.Digest[:], buf[20:20+DigestSize])
	return fh, nil
}

// writeFooter writes the trailing Index followed by the Tail locator to w,
// which must be positioned at the byte immediately after the last frame.
// indexStart is the absolute file offset passed back for the Tail to point at.
func writeFooter(w io.Writer, indexStart int64, entries []IndexEntry) error {
	magic := make([]byte, 4)
	copy(magic, MagicIndex)
	if _, err := w.Write(magic); err != nil {
		return fmt.Errorf("%w: writing index magic: %v", ErrIO, err)
	}

	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(entries)))
	if _, err := w.Write(count); err != nil {
		return fmt.Errorf("%w: writing index count: %v", ErrIO, err)
	}

	entryBuf := make([]byte, IndexEntrySize)
	for _, e := range entries {
		binary.LittleEndian.PutUint64(entryBuf[0:8], e.DeviceOffset)
		binary.LittleEndian.PutUint64(entryBuf[8:16], e.FileOffset)
		binary.LittleEndian.PutUint32(entryBuf[16:20], e.UncompressedLength)
		binary.LittleEndian.PutUint32(entryBuf[20:24], e.CompressedLength)
		if _, err := w.Write(entryBuf); err != nil {
			return fmt.Errorf("%w: writing index entry: %v", ErrIO, err)
		}
	}

	tail := make([]byte, TailSize)
	copy(tail[0:4], MagicTail)
	binary.LittleEndian.PutUint64(tail[4:12], uint64(indexStart))
	if _, err := w.Write(tail); err != nil {
		return fmt.Errorf("%w: writing tail: %v", ErrIO, err)
	}
	return nil
}

// readLocator seeks to the last TailSize bytes of stream and returns the
// index start offset recorded there.
func readLocator(stream io.ReadSeeker) (int64, error) {
	end, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w: seeking to end: %v", ErrIO, err)
	}
	if end < TailSize {
		return 0, fmt.Errorf("%w: file too small for tail", ErrMissingTail)
	}
	if _, err := stream.Seek(end-TailSize, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: seeking to tail: %v", ErrIO, err)
	}

	buf := make([]byte, TailSize)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return 0, fmt.Errorf("%w: reading tail: %v", ErrMissingTail, err)
	}
	if string(buf[0:4]) != MagicTail {
		return 0, fmt.Errorf("%w: got %q", ErrMissingTail, buf[0:4])
	}
	return int64(binary.LittleEndian.Uint64(buf[4:12])), nil
}

// maxChunkLengthFactor bounds how far an index entry's compressed or
// uncompressed length may exceed the header's chunk size before it is
// treated as corruption rather than an oversized-but-legitimate chunk.
const maxChunkLengthFactor = 2

// readIndex parses the Index block starting at the given absolute file
// offset (the locator value returned by readLocator). chunkSize is the
// header's configured chunk size; entries whose compressed or uncompressed
// length exceeds chunkSize*maxChunkLengthFactor are rejected as corrupt.
func readIndex(stream io.ReadSeeker, locator int64, chunkSize uint32) ([]IndexEntry, error) {
	if _, err := stream.Seek(locator, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seeking to index: %v", ErrIO, err)
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(stream, magic); err != nil {
		return nil, fmt.Errorf("%w: reading index magic: %v", ErrBadIndex, err)
	}
	if string(magic) != MagicIndex {
		return nil, fmt.Errorf("%w: got %q", ErrBadIndex, magic)
	}

	countBuf := make([]byte, 4)
	if _, err := io.ReadFull(stream, countBuf); err != nil {
		return nil, fmt.Errorf("%w: reading index count: %v", ErrBadIndex, err)
	}
	count := binary.LittleEndian.Uint32(countBuf)

	var maxLen uint64
	if chunkSize > 0 {
		maxLen = uint64(chunkSize) * maxChunkLengthFactor
	}

	entries := make([]IndexEntry, count)
	entryBuf := make([]byte, IndexEntrySize)
	for i := range entries {
		if _, err := io.ReadFull(stream, entryBuf); err != nil {
			return nil, fmt.Errorf("%w: reading index entry %d: %v", ErrBadIndex, i, err)
		}
		e := IndexEntry{
			DeviceOffset:       binary.LittleEndian.Uint64(entryBuf[0:8]),
			FileOffset:         binary.LittleEndian.Uint64(entryBuf[8:16]),
			UncompressedLength: binary.LittleEndian.Uint32(entryBuf[16:20]),
			CompressedLength:   binary.LittleEndian.Uint32(entryBuf[20:24]),
		}
		if maxLen > 0 && (uint64(e.UncompressedLength) > maxLen || uint64(e.CompressedLength) > maxLen) {
			return nil, fmt.Errorf("%w: entry %d length exceeds %dx chunk size %d", ErrBadIndex, i, maxChunkLengthFactor, chunkSize)
		}
		entries[i] = e
	}

	return entries, nil
}
