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
	"io"
	"math/rand"
)

// memDevice is an in-memory BlockReader over a deterministically-generated
// byte slice, used by tests in place of a real block device.
type memDevice struct {
	data       []byte
	sectorSize uint32
}

var _ BlockReader = (*memDevice)(nil)

// newMemDevice generates size bytes of pseudo-random content from a seeded
// source (never the global math/rand state), so tests are reproducible.
func newMemDevice(size int, sectorSize uint32, seed int64) *memDevice {
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(seed))
	rng.Read(data)
	return &memDevice{data: data, sectorSize: sectorSize}
}

func (m *memDevice) TotalSize() uint64  { return uint64(len(m.data)) }
func (m *memDevice) SectorSize() uint32 { return m.sectorSize }

func (m *memDevice) Read(buf []byte, offset uint64) (int, error) {
	if offset >= uint64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(buf, m.data[offset:])
	if offset+uint64(n) >= uint64(len(m.data)) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memDevice) ReadAsync(ctx context.Context, buf []byte, offset uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.Read(buf, offset)
}

func (m *memDevice) TryEnumerateAllocatedRanges(fn AllocatedRangeFunc) (uint64, bool, error) {
	return 0, false, nil
}

// allocatedMemDevice wraps memDevice, reporting only an explicit set of
// allocated ranges via TryEnumerateAllocatedRanges.
type allocatedMemDevice struct {
	*memDevice
	ranges []chunkRange
}

func (a *allocatedMemDevice) TryEnumerateAllocatedRanges(fn AllocatedRangeFunc) (uint64, bool, error) {
	var total uint64
	for _, r := range a.ranges {
		if err := fn(r.deviceOffset, uint64(r.length)); err != nil {
			return total, true, err
		}
		total += uint64(r.length)
	}
	return total, true, nil
}
