/*
 *
 * Copyright 2025 The rudaq Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package ring

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Frame header layout (32 bytes, little-endian):
//
//	u32 length    // total frame length including this header
//	u32 flags     // set to zero; future use
//	u64 seq       // record sequence number
//	i64 time      // wall-clock timestamp, nanoseconds since Unix epoch
//	u64 checksum  // xxhash64 of the payload
//
// The payload (an Arrow IPC stream, opaque to this package) follows
// immediately. Frames may straddle the wrap point of the data region.
const frameHeaderSize = 32

// frameHeader is the decoded fixed prefix of a frame.
type frameHeader struct {
	length   uint32
	flags    uint32
	seq      uint64
	time     int64
	checksum uint64
}

// payloadLen returns the payload size encoded in the header.
func (fh *frameHeader) payloadLen() int {
	return int(fh.length) - frameHeaderSize
}

// encodeFrameHeader writes the fixed prefix into dst (>= frameHeaderSize).
func encodeFrameHeader(dst []byte, fh *frameHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], fh.length)
	binary.LittleEndian.PutUint32(dst[4:8], fh.flags)
	binary.LittleEndian.PutUint64(dst[8:16], fh.seq)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(fh.time))
	binary.LittleEndian.PutUint64(dst[24:32], fh.checksum)
}

// decodeFrameHeader parses the fixed prefix from src (>= frameHeaderSize).
func decodeFrameHeader(src []byte) frameHeader {
	return frameHeader{
		length:   binary.LittleEndian.Uint32(src[0:4]),
		flags:    binary.LittleEndian.Uint32(src[4:8]),
		seq:      binary.LittleEndian.Uint64(src[8:16]),
		time:     int64(binary.LittleEndian.Uint64(src[16:24])),
		checksum: binary.LittleEndian.Uint64(src[24:32]),
	}
}

// validateFrameHeader rejects lengths that cannot describe a live frame in
// a buffer of the given capacity.
func validateFrameHeader(fh *frameHeader, capacity uint64) error {
	if fh.length < frameHeaderSize {
		return fmt.Errorf("%w: frame length %d below header size", ErrCorruptRecord, fh.length)
	}
	if uint64(fh.length) > capacity {
		return fmt.Errorf("%w: frame length %d exceeds capacity %d", ErrCorruptRecord, fh.length, capacity)
	}
	return nil
}

// checksumPayload returns the frame checksum for a payload.
func checksumPayload(p []byte) uint64 {
	return xxhash.Sum64(p)
}
