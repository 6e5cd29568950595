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

// ProgressUpdate reports capture progress, invoked from the writer goroutine
// only — callers never need to synchronize around it.
type ProgressUpdate struct {
	ChunksWritten     uint32
	BytesRead         uint64
	BytesCompressed   uint64
	UncompressedTotal uint64
	LastDeviceOffset  uint64
}

// Progress is a caller-supplied progress callback. It may be nil.
type Progress func(ProgressUpdate)

// VerifyFailureKind classifies why a verified chunk failed.
type VerifyFailureKind int

const (
	// VerifyOK indicates no failure (used only as a zero value; verifiers
	// only construct VerifyFailure values for actual failures).
	VerifyOK VerifyFailureKind = iota
	VerifyLengthMismatch
	VerifyDigestMismatch
	VerifyDecodeError
	VerifyTruncatedFrame
)

func (k VerifyFailureKind) String() string {
	switch k {
	case VerifyLengthMismatch:
		return "LengthMismatch"
	case VerifyDigestMismatch:
		return "DigestMismatch"
	case VerifyDecodeError:
		return "DecodeError"
	case VerifyTruncatedFrame:
		return "TruncatedFrame"
	default:
		return "OK"
	}
}

// VerifyFailure describes the first chunk that failed verification.
type VerifyFailure struct {
	ChunkIndex uint32
	Kind       VerifyFailureKind
}

// VerifyProgressUpdate reports verification progress as a fraction of the
// sample set's total compressed bytes.
type VerifyProgressUpdate struct {
	BytesProcessed uint64
	BytesTotal     uint64
}

// VerifyProgress is a caller-supplied verification progress callback. It may
// be nil.
type VerifyProgress func(VerifyProgressUpdate)
