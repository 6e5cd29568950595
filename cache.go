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

	lru "github.com/hashicorp/golang-lru"
)

// chunkCache holds decompressed chunk payloads keyed by a chunk's FileOffset
// (unique per frame). It wraps hashicorp/golang-lru, which is already
// goroutine-safe on its own internal mutex, so chunk cache access is already
// guarded without a hand-rolled linked list.
type chunkCache struct {
	cache *lru.Cache
}

func newChunkCache(capacity int) (*chunkCache, error) {
	if capacity < 1 {
		capacity = DefaultCacheCapacity
	}
	c, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: creating chunk cache: %v", ErrIO, err)
	}
	return &chunkCache{cache: c}, nil
}

func (c *chunkCache) get(fileOffset uint64) ([]byte, bool) {
	v, ok := c.cache.Get(fileOffset)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *chunkCache) add(fileOffset uint64, data []byte) {
	c.cache.Add(fileOffset, data)
}
