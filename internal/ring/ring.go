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
	"context"
	"fmt"
	"time"
)

// Record is one length-prefixed frame as seen by callers: a sequence
// number, a wall-clock timestamp, and an opaque self-describing payload.
type Record struct {
	Seq     uint64
	Time    time.Time
	Payload []byte
}

// EvictFunc is offered each frame the writer wants to reclaim under
// PolicyOverwriteOldest, before its bytes are reused. Returning false
// refuses the eviction and aborts the append, so unconsumed data is never
// destroyed while a rescue path exists. The record's payload is a copy the
// callee may retain.
type EvictFunc func(rec Record) bool

// State is an atomic-ish snapshot of the shared header for diagnostics.
type State struct {
	Capacity  uint64
	WriteCur  uint64
	ReadCur   uint64
	Used      uint64
	Overruns  uint64
	NextSeq   uint64
	SchemaLen uint32
}

// State returns a snapshot of the shared cursors.
func (b *Buffer) State() State {
	w := b.hdr.WriteCursor()
	r := b.hdr.ReadCursor()
	return State{
		Capacity:  b.cap,
		WriteCur:  w,
		ReadCur:   r,
		Used:      w - r,
		Overruns:  b.hdr.Overruns(),
		NextSeq:   b.hdr.NextSeq(),
		SchemaLen: b.hdr.SchemaLen(),
	}
}

// NextSeq claims the next record sequence number. Writer-side only; the
// counter lives in the shared header so numbering survives restarts.
func (b *Buffer) NextSeq() (uint64, error) {
	if b.rdOnly {
		return 0, ErrReadOnly
	}
	return b.hdr.IncNextSeq(), nil
}

// Append writes one record frame. Single-writer operation: the payload is
// copied into free space first, then the write cursor is published with a
// release store, so concurrent acquire-side readers never observe a
// partial frame.
//
// When the region is full, PolicyBlock returns ErrWouldBlock immediately
// (pair with WaitSpace to block); PolicyOverwriteOldest reclaims whole
// frames from the read cursor, offering each to evict first. A nil evict
// under PolicyOverwriteOldest drops reclaimed frames and counts them in
// the shared overrun counter.
func (b *Buffer) Append(rec Record, evict EvictFunc) error {
	if b.rdOnly {
		return ErrReadOnly
	}
	need := uint64(frameHeaderSize + len(rec.Payload))
	if need > b.cap {
		return fmt.Errorf("%w: frame %d bytes, capacity %d", ErrRecordTooLarge, need, b.cap)
	}

	var w uint64
	for {
		w = b.hdr.WriteCursor()
		r := b.hdr.ReadCursor()
		free := b.cap - (w - r)
		if need <= free {
			break
		}
		if b.policy == PolicyBlock {
			return ErrWouldBlock
		}
		if err := b.evictOldest(evict); err != nil {
			return err
		}
	}

	var hdrBuf [frameHeaderSize]byte
	encodeFrameHeader(hdrBuf[:], &frameHeader{
		length:   uint32(need),
		seq:      rec.Seq,
		time:     rec.Time.UnixNano(),
		checksum: checksumPayload(rec.Payload),
	})
	b.copyIn(w, hdrBuf[:])
	b.copyIn(w+frameHeaderSize, rec.Payload)

	// Publish: release store makes the frame visible to acquire readers.
	b.hdr.SetWriteCursor(w + need)
	return nil
}

// evictOldest reclaims exactly one frame at the read cursor. The rescue
// copy is handed to evict before the cursor moves, so the durable path
// holds the record before its bytes can be reused. Losing the cursor race
// to the draining consumer is fine: the consumer took the frame, and any
// duplicate rescue copy is deduplicated downstream by sequence number.
func (b *Buffer) evictOldest(evict EvictFunc) error {
	r := b.hdr.ReadCursor()
	if r == b.hdr.WriteCursor() {
		return nil // raced with the consumer; buffer drained meanwhile
	}
	fh, err := b.frameAt(r)
	if err != nil {
		return err
	}
	next := r + uint64(fh.length)

	if evict != nil {
		rec := Record{
			Seq:     fh.seq,
			Time:    time.Unix(0, fh.time),
			Payload: b.copyOut(r+frameHeaderSize, fh.payloadLen()),
		}
		if !evict(rec) {
			return ErrWouldBlock
		}
		b.hdr.CasReadCursor(r, next)
		return nil
	}

	if b.hdr.CasReadCursor(r, next) {
		b.hdr.AddOverruns(1)
	}
	return nil
}

// ReadNext drains one record at the shared consumer cursor, advancing it
// with CAS. Returns ErrWouldBlock when the cursor has caught up with the
// write cursor. A lost CAS means the writer reclaimed the frame; the read
// retries at the new cursor.
func (b *Buffer) ReadNext() (Record, error) {
	for {
		r := b.hdr.ReadCursor()
		w := b.hdr.WriteCursor()
		if r == w {
			return Record{}, ErrWouldBlock
		}
		fh, err := b.frameAt(r)
		if err != nil {
			return Record{}, err
		}
		payload := b.copyOut(r+frameHeaderSize, fh.payloadLen())
		if !b.hdr.CasReadCursor(r, r+uint64(fh.length)) {
			continue
		}
		if checksumPayload(payload) != fh.checksum {
			// The CAS win means no writer may have touched these bytes;
			// a mismatch here is real damage, not a race.
			return Record{}, fmt.Errorf("%w: checksum mismatch at seq %d", ErrCorruptRecord, fh.seq)
		}
		b.notifySpace()
		return Record{Seq: fh.seq, Time: time.Unix(0, fh.time), Payload: payload}, nil
	}
}

// ReadAt reads the frame at a private cursor without touching the shared
// consumer cursor. Used by best-effort external observers.
//
// Returns ErrWouldBlock when cursor has caught up with the writer. When
// the region behind cursor has been reclaimed, ReadAt resynchronizes to
// the shared consumer cursor and returns the record found there together
// with ErrOverrun; callers compute the exact loss from the sequence gap.
func (b *Buffer) ReadAt(cursor uint64) (Record, uint64, error) {
	overrun := false
	for {
		w := b.hdr.WriteCursor()
		if cursor == w {
			return Record{}, cursor, ErrWouldBlock
		}
		shared := b.hdr.ReadCursor()
		if cursor < shared || w-cursor > b.cap {
			cursor = shared
			overrun = true
			continue
		}
		fh, err := b.frameAt(cursor)
		if err != nil {
			// Torn by a concurrent wrap; resync and report the overrun.
			cursor = b.hdr.ReadCursor()
			overrun = true
			continue
		}
		payload := b.copyOut(cursor+frameHeaderSize, fh.payloadLen())
		// Revalidate after the copy: if the writer lapped us mid-copy the
		// bytes are torn and the checksum exposes it.
		if b.hdr.ReadCursor() > cursor || checksumPayload(payload) != fh.checksum {
			cursor = b.hdr.ReadCursor()
			overrun = true
			continue
		}
		rec := Record{Seq: fh.seq, Time: time.Unix(0, fh.time), Payload: payload}
		next := cursor + uint64(fh.length)
		if overrun {
			return rec, next, ErrOverrun
		}
		return rec, next, nil
	}
}

// ReadCursor returns the shared consumer cursor, the resume point for a
// restarted archiver.
func (b *Buffer) ReadCursor() uint64 {
	return b.hdr.ReadCursor()
}

// WriteCursor returns the published write cursor.
func (b *Buffer) WriteCursor() uint64 {
	return b.hdr.WriteCursor()
}

// Overruns returns the shared count of records dropped unconsumed.
func (b *Buffer) Overruns() uint64 {
	return b.hdr.Overruns()
}

// WaitSpace blocks until the consumer frees space or ctx ends. In-process
// only: external readers never participate in writer flow control.
func (b *Buffer) WaitSpace(ctx context.Context) error {
	select {
	case <-b.spaceCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Buffer) notifySpace() {
	select {
	case b.spaceCh <- struct{}{}:
	default:
	}
}

// frameAt decodes and validates the frame header at a monotonic cursor.
func (b *Buffer) frameAt(cursor uint64) (frameHeader, error) {
	var hdrBuf [frameHeaderSize]byte
	b.copyOutInto(hdrBuf[:], cursor)
	fh := decodeFrameHeader(hdrBuf[:])
	if err := validateFrameHeader(&fh, b.cap); err != nil {
		return frameHeader{}, err
	}
	return fh, nil
}

// copyIn copies src into the data region at a monotonic cursor, splitting
// across the wrap point when needed.
func (b *Buffer) copyIn(cursor uint64, src []byte) {
	off := cursor & b.mask
	data := b.mem[b.dataOff : b.dataOff+b.cap]
	n := copy(data[off:], src)
	if n < len(src) {
		copy(data, src[n:])
	}
}

// copyOut returns a copy of n bytes of the data region at a monotonic
// cursor.
func (b *Buffer) copyOut(cursor uint64, n int) []byte {
	out := make([]byte, n)
	b.copyOutInto(out, cursor)
	return out
}

// copyOutInto fills dst from the data region at a monotonic cursor,
// splitting across the wrap point when needed.
func (b *Buffer) copyOutInto(dst []byte, cursor uint64) {
	off := cursor & b.mask
	data := b.mem[b.dataOff : b.dataOff+b.cap]
	n := copy(dst, data[off:])
	if n < len(dst) {
		copy(dst[n:], data)
	}
}
