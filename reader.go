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
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Reader opens a container read-only and serves random-access reads by
// binary-searching the trailing index and decompressing only the chunks a
// request touches.
type Reader struct {
	f       *os.File
	header  Header
	entries []IndexEntry

	deviceLength uint64

	cache   *chunkCache
	dec     *zstd.Decoder
	fetchMu sync.Mutex

	closed bool
}

// Open opens path with the default configuration (cache capacity 4).
func Open(path string) (*Reader, error) {
	return OpenWithConfig(path, DefaultConfig())
}

// OpenWithConfig opens path, parsing its header, locator, and index.
// The file is kept open for on-demand chunk loads.
func OpenWithConfig(path string, cfg Config) (*Reader, error) {
	cfg = cfg.normalize()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}

	header, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	locator, err := readLocator(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	entries, err := readIndex(f, locator, header.ChunkSize)
	if err != nil {
		f.Close()
		return nil, err
	}

	deviceLength := header.DeviceLength
	if deviceLength == 0 && len(entries) > 0 {
		last := entries[len(entries)-1]
		deviceLength = last.DeviceOffset + uint64(last.UncompressedLength)
	}

	cache, err := newChunkCache(cfg.CacheCapacity)
	if err != nil {
		f.Close()
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: creating decompressor: %v", ErrIO, err)
	}

	return &Reader{
		f:            f,
		header:       header,
		entries:      entries,
		deviceLength: deviceLength,
		cache:        cache,
		dec:          dec,
	}, nil
}

// Header returns the parsed container header.
func (r *Reader) Header() Header { return r.header }

// Entries returns the parsed index entries, sorted ascending by DeviceOffset.
func (r *Reader) Entries() []IndexEntry { return r.entries }

// DeviceLength returns the captured device's byte length, from the header
// when present (version ≥2) or derived from the last index entry.
func (r *Reader) DeviceLength() uint64 { return r.deviceLength }

// Close closes the underlying file and releases the decompressor.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.dec.Close()
	return r.f.Close()
}

// ReadAt implements the random-access read algorithm: the
// buffer is pre-zeroed, gaps and reads past the device's end are zero-fill,
// and live bytes are copied from (cached or freshly decompressed) chunks.
func (r *Reader) ReadAt(deviceOffset uint64, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = 0
	}

	if deviceOffset >= r.deviceLength {
		return 0, nil
	}

	remaining := uint64(len(buf))
	if avail := r.deviceLength - deviceOffset; remaining > avail {
		remaining = avail
	}

	var written uint64
	for remaining > 0 {
		if e, ok := r.findEntry(deviceOffset); ok {
			data, err := r.fetchChunk(e)
			if err != nil {
				return int(written), err
			}
			within := deviceOffset - e.DeviceOffset
			n := uint64(e.UncompressedLength) - within
			if n > remaining {
				n = remaining
			}
			copy(buf[written:written+n], data[within:within+n])

			written += n
			deviceOffset += n
			remaining -= n
			continue
		}

		// Gap: advance to the next entry's start, or to the end of the
		// bounded read if no further entries exist. The buffer slice for
		// this span is already zero.
		gapEnd := r.deviceLength
		if e, ok := r.nextEntryAfter(deviceOffset); ok {
			gapEnd = e.DeviceOffset
		}
		skip := gapEnd - deviceOffset
		if skip > remaining {
			skip = remaining
		}
		written += skip
		deviceOffset += skip
		remaining -= skip
	}

	return int(written), nil
}

// findEntry returns the index entry covering deviceOffset, if any.
func (r *Reader) findEntry(deviceOffset uint64) (*IndexEntry, bool) {
	entries := r.entries
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].DeviceOffset > deviceOffset
	})
	if i == 0 {
		return nil, false
	}
	e := &entries[i-1]
	if deviceOffset < e.DeviceOffset+uint64(e.UncompressedLength) {
		return e, true
	}
	return nil, false
}

// nextEntryAfter returns the first index entry starting strictly after
// deviceOffset, if any.
func (r *Reader) nextEntryAfter(deviceOffset uint64) (*IndexEntry, bool) {
	entries := r.entries
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].DeviceOffset > deviceOffset
	})
	if i >= len(entries) {
		return nil, false
	}
	return &entries[i], true
}

// fetchChunk returns e's decompressed bytes, from cache if resident.
// Fetch+insert is serialized under fetchMu: a simple
// lock-and-load policy in place of finer-grained concurrent decompression
// of disjoint misses.
func (r *Reader) fetchChunk(e *IndexEntry) ([]byte, error) {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()

	if data, ok := r.cache.get(e.FileOffset); ok {
		return data, nil
	}

	compressed := make([]byte, e.CompressedLength)
	var read int
	for read < len(compressed) {
		n, err := r.f.ReadAt(compressed[read:], int64(e.FileOffset)+int64(read))
		read += n
		if err != nil {
			if err == io.EOF && read == len(compressed) {
				break
			}
			return nil, fmt.Errorf("%w: reading chunk payload: %v", ErrTruncatedFrame, err)
		}
	}

	data, err := r.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeError, err)
	}
	if uint32(len(data)) != e.UncompressedLength {
		return nil, fmt.Errorf("%w: got %d want %d", ErrLengthMismatch, len(data), e.UncompressedLength)
	}

	r.cache.add(e.FileOffset, data)
	return data, nil
}
