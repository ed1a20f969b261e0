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
	"sync/atomic"
	"unsafe"
)

// Memory layout constants.
const (
	// Magic identifies an initialized buffer file. The constant is shared
	// with the Python/C++ tooling that maps the same files.
	Magic = uint64(0xDADADADA00000001)

	// HeaderSize is the fixed header region, two cache lines.
	HeaderSize = 128

	// MinCapacity is the smallest allowed data region (4 KiB).
	MinCapacity = 4096

	// DefaultCapacity is the data region used when the configuration does
	// not say otherwise (64 MiB).
	DefaultCapacity = 64 * 1024 * 1024
)

// header is the shared buffer header. Layout is bit-exact, little-endian,
// for cross-process readers:
//
//	0x00: u64 magic
//	0x08: u64 capacity (data region bytes, power of two)
//	0x10: u64 write cursor (monotonic, producer-owned)
//	0x18: u64 read cursor (monotonic, consumer cursor, CAS-advanced)
//	0x20: u32 schema length (serialized Arrow schema, 0 = none)
//	0x24: u32 schema block capacity (aligned reservation after the header)
//	0x28: u64 overrun records (frames overwritten unconsumed)
//	0x30: u64 next sequence number (producer-owned)
//	0x38-0x7F: reserved, zero
type header struct {
	magic     uint64
	capacity  uint64
	widx      uint64
	ridx      uint64
	schemaLen uint32
	schemaCap uint32
	overruns  uint64
	nextSeq   uint64
	reserved  [72]byte
}

// Static layout assertions: header must be exactly HeaderSize bytes.
var (
	_ [HeaderSize - unsafe.Sizeof(header{})]byte
	_ [unsafe.Sizeof(header{}) - HeaderSize]byte
)

// Magic returns the magic constant.
func (h *header) Magic() uint64 {
	return atomic.LoadUint64(&h.magic)
}

// SetMagic sets the magic constant.
func (h *header) SetMagic(m uint64) {
	atomic.StoreUint64(&h.magic, m)
}

// Capacity returns the data region capacity in bytes.
func (h *header) Capacity() uint64 {
	return atomic.LoadUint64(&h.capacity)
}

// SetCapacity sets the data region capacity in bytes.
func (h *header) SetCapacity(c uint64) {
	atomic.StoreUint64(&h.capacity, c)
}

// WriteCursor returns the monotonic write cursor (acquire load).
func (h *header) WriteCursor() uint64 {
	return atomic.LoadUint64(&h.widx)
}

// SetWriteCursor publishes the write cursor (release store). All frame
// bytes below the new cursor must be written before this call.
func (h *header) SetWriteCursor(w uint64) {
	atomic.StoreUint64(&h.widx, w)
}

// ReadCursor returns the monotonic consumer cursor.
func (h *header) ReadCursor() uint64 {
	return atomic.LoadUint64(&h.ridx)
}

// SetReadCursor sets the consumer cursor. Used only during initialization;
// live advancement goes through CasReadCursor.
func (h *header) SetReadCursor(r uint64) {
	atomic.StoreUint64(&h.ridx, r)
}

// CasReadCursor advances the consumer cursor if it still equals old.
// Both the draining consumer and the overwriting producer race here; the
// winner owns the frame.
func (h *header) CasReadCursor(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&h.ridx, old, new)
}

// SchemaLen returns the serialized schema length.
func (h *header) SchemaLen() uint32 {
	return atomic.LoadUint32(&h.schemaLen)
}

// SetSchemaLen sets the serialized schema length.
func (h *header) SetSchemaLen(n uint32) {
	atomic.StoreUint32(&h.schemaLen, n)
}

// SchemaCap returns the reserved schema block size.
func (h *header) SchemaCap() uint32 {
	return atomic.LoadUint32(&h.schemaCap)
}

// SetSchemaCap sets the reserved schema block size.
func (h *header) SetSchemaCap(n uint32) {
	atomic.StoreUint32(&h.schemaCap, n)
}

// Overruns returns the count of records overwritten before consumption.
func (h *header) Overruns() uint64 {
	return atomic.LoadUint64(&h.overruns)
}

// AddOverruns adds n to the overrun record counter.
func (h *header) AddOverruns(n uint64) uint64 {
	return atomic.AddUint64(&h.overruns, n)
}

// NextSeq returns the next record sequence number.
func (h *header) NextSeq() uint64 {
	return atomic.LoadUint64(&h.nextSeq)
}

// IncNextSeq claims the next sequence number and returns it.
func (h *header) IncNextSeq() uint64 {
	return atomic.AddUint64(&h.nextSeq, 1) - 1
}

// Used returns the number of bytes currently in the data region.
func (h *header) Used() uint64 {
	w := atomic.LoadUint64(&h.widx)
	r := atomic.LoadUint64(&h.ridx)
	return w - r // uint64 arithmetic handles wrap-around
}

// Available returns the number of bytes free for writing.
func (h *header) Available() uint64 {
	return h.Capacity() - h.Used()
}

// isPowerOfTwo reports whether n is a power of two.
func isPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}

// nextPowerOfTwo returns the next power of two >= n.
func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if isPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

// alignTo64 aligns a size to a 64-byte boundary.
func alignTo64(n uint64) uint64 {
	return (n + 63) &^ 63
}
