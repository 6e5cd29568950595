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

// Package blockimg implements a purpose-built container format for compressed,
// verifiable, resumable images of block devices, plus the capture pipeline and
// random-access reader that produce and consume it.
//
// An image is a single append-only file: a fixed header, a sequence of
// independently decompressable chunk frames, and a trailing index that maps
// device byte offsets to frame locations. Capture streams device bytes through
// a parallel hash+compress pipeline into the container; the reader serves
// random-access reads by binary-searching the index and decompressing only
// the chunks a request touches.
package blockimg
