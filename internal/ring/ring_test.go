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
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestBuffer(t *testing.T, capacity uint64, policy Policy) *Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ring")
	b, err := Create(path, Options{Capacity: capacity, Policy: policy})
	if err != nil {
		t.Fatalf("failed to create buffer: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func appendRecord(t *testing.T, b *Buffer, payload []byte) uint64 {
	t.Helper()
	seq, err := b.NextSeq()
	if err != nil {
		t.Fatalf("NextSeq failed: %v", err)
	}
	err = b.Append(Record{Seq: seq, Time: time.Now(), Payload: payload}, nil)
	if err != nil {
		t.Fatalf("Append seq %d failed: %v", seq, err)
	}
	return seq
}

func TestBufferWriteRead(t *testing.T) {
	b := newTestBuffer(t, 4096, PolicyBlock)

	payload := []byte("hello sensors")
	seq := appendRecord(t, b, payload)

	rec, err := b.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext failed: %v", err)
	}
	if rec.Seq != seq {
		t.Fatalf("expected seq %d, got %d", seq, rec.Seq)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Fatalf("payload mismatch: expected %q, got %q", payload, rec.Payload)
	}

	if _, err := b.ReadNext(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock on drained buffer, got: %v", err)
	}
}

func TestBufferFIFOOrder(t *testing.T) {
	b := newTestBuffer(t, 1<<16, PolicyBlock)

	const n = 100
	for i := 0; i < n; i++ {
		appendRecord(t, b, []byte(fmt.Sprintf("record-%03d", i)))
	}

	for i := 0; i < n; i++ {
		rec, err := b.ReadNext()
		if err != nil {
			t.Fatalf("ReadNext %d failed: %v", i, err)
		}
		if rec.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, rec.Seq)
		}
		want := fmt.Sprintf("record-%03d", i)
		if string(rec.Payload) != want {
			t.Fatalf("expected payload %q, got %q", want, rec.Payload)
		}
	}
}

func TestBufferWrapAround(t *testing.T) {
	b := newTestBuffer(t, 4096, PolicyBlock)

	// Frames are 32+200 bytes, so cursors wrap several times over 200
	// iterations while the buffer holds at most a handful of frames.
	payload := make([]byte, 200)
	for i := 0; i < 200; i++ {
		for j := range payload {
			payload[j] = byte(i)
		}
		appendRecord(t, b, payload)

		rec, err := b.ReadNext()
		if err != nil {
			t.Fatalf("ReadNext %d failed: %v", i, err)
		}
		if rec.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, rec.Seq)
		}
		if !bytes.Equal(rec.Payload, payload) {
			t.Fatalf("payload mismatch at seq %d", i)
		}
	}

	if b.WriteCursor() <= b.Capacity() {
		t.Fatalf("expected write cursor past capacity, got %d", b.WriteCursor())
	}
}

func TestBufferRecordTooLarge(t *testing.T) {
	b := newTestBuffer(t, 4096, PolicyBlock)

	payload := make([]byte, 4096)
	err := b.Append(Record{Seq: 0, Time: time.Now(), Payload: payload}, nil)
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Fatalf("expected ErrRecordTooLarge, got: %v", err)
	}
}

func TestBufferBlockPolicyFull(t *testing.T) {
	b := newTestBuffer(t, 4096, PolicyBlock)

	payload := make([]byte, 1000)
	written := 0
	for {
		seq, _ := b.NextSeq()
		err := b.Append(Record{Seq: seq, Time: time.Now(), Payload: payload}, nil)
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		written++
		if written > 10 {
			t.Fatal("buffer never filled")
		}
	}

	// No data may be lost under the block policy.
	if b.Overruns() != 0 {
		t.Fatalf("expected zero overruns, got %d", b.Overruns())
	}
	for i := 0; i < written; i++ {
		if _, err := b.ReadNext(); err != nil {
			t.Fatalf("ReadNext %d failed: %v", i, err)
		}
	}
}

func TestBufferWaitSpace(t *testing.T) {
	b := newTestBuffer(t, 4096, PolicyBlock)

	payload := make([]byte, 1000)
	for {
		seq, _ := b.NextSeq()
		if err := b.Append(Record{Seq: seq, Time: time.Now(), Payload: payload}, nil); err != nil {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.WaitSpace(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded with no consumer, got: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- b.WaitSpace(ctx)
	}()

	if _, err := b.ReadNext(); err != nil {
		t.Fatalf("ReadNext failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WaitSpace failed after consumer freed space: %v", err)
	}

	seq, _ := b.NextSeq()
	if err := b.Append(Record{Seq: seq, Time: time.Now(), Payload: payload}, nil); err != nil {
		t.Fatalf("Append after WaitSpace failed: %v", err)
	}
}

func TestBufferOverwriteOldestDrops(t *testing.T) {
	b := newTestBuffer(t, 4096, PolicyOverwriteOldest)

	// 1 KiB payloads in a 4 KiB region: roughly 3 frames fit, the rest
	// must evict the oldest. With a nil eviction callback drops are
	// counted in the shared overrun counter.
	payload := make([]byte, 1024)
	const n = 10
	for i := 0; i < n; i++ {
		appendRecord(t, b, payload)
	}

	var got []uint64
	for {
		rec, err := b.ReadNext()
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("ReadNext failed: %v", err)
		}
		got = append(got, rec.Seq)
	}

	if len(got) == 0 {
		t.Fatal("expected surviving records")
	}
	// Survivors are the newest records, contiguous, ending at n-1.
	if got[len(got)-1] != n-1 {
		t.Fatalf("expected newest record %d to survive, got %d", n-1, got[len(got)-1])
	}
	for i := 1; i < len(got); i++ {
		if got[i] != got[i-1]+1 {
			t.Fatalf("survivors not contiguous: %v", got)
		}
	}

	wantDropped := uint64(n - len(got))
	if b.Overruns() != wantDropped {
		t.Fatalf("expected %d overrun records, got %d", wantDropped, b.Overruns())
	}
}

func TestBufferEvictCallbackRescue(t *testing.T) {
	b := newTestBuffer(t, 4096, PolicyOverwriteOldest)

	var rescued []Record
	evict := func(rec Record) bool {
		rescued = append(rescued, rec)
		return true
	}

	payload := make([]byte, 1024)
	const n = 10
	for i := 0; i < n; i++ {
		seq, _ := b.NextSeq()
		for j := range payload {
			payload[j] = byte(seq)
		}
		err := b.Append(Record{Seq: seq, Time: time.Now(), Payload: payload}, evict)
		if err != nil {
			t.Fatalf("Append seq %d failed: %v", seq, err)
		}
	}

	var drained []Record
	for {
		rec, err := b.ReadNext()
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("ReadNext failed: %v", err)
		}
		drained = append(drained, rec)
	}

	// Rescued frames plus drained frames cover every sequence number
	// exactly once, and rescued payloads are intact copies.
	seen := make(map[uint64]bool)
	for _, rec := range rescued {
		if rec.Payload[0] != byte(rec.Seq) {
			t.Fatalf("rescued payload for seq %d corrupted", rec.Seq)
		}
		seen[rec.Seq] = true
	}
	for _, rec := range drained {
		if seen[rec.Seq] {
			t.Fatalf("seq %d both rescued and drained", rec.Seq)
		}
		seen[rec.Seq] = true
	}
	for i := uint64(0); i < n; i++ {
		if !seen[i] {
			t.Fatalf("seq %d lost: neither rescued nor drained", i)
		}
	}
	if b.Overruns() != 0 {
		t.Fatalf("rescued evictions must not count as overruns, got %d", b.Overruns())
	}
}

func TestBufferEvictCallbackRefusal(t *testing.T) {
	b := newTestBuffer(t, 4096, PolicyOverwriteOldest)

	refuse := func(Record) bool { return false }

	payload := make([]byte, 1024)
	written := 0
	for i := 0; i < 10; i++ {
		seq, _ := b.NextSeq()
		err := b.Append(Record{Seq: seq, Time: time.Now(), Payload: payload}, refuse)
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		written++
	}

	if written == 0 || written == 10 {
		t.Fatalf("expected refusal to stop appends partway, wrote %d", written)
	}
	// Refused evictions destroy nothing.
	for i := 0; i < written; i++ {
		rec, err := b.ReadNext()
		if err != nil {
			t.Fatalf("ReadNext %d failed: %v", i, err)
		}
		if rec.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, rec.Seq)
		}
	}
}

func TestReadAtObserver(t *testing.T) {
	b := newTestBuffer(t, 1<<16, PolicyBlock)

	const n = 20
	for i := 0; i < n; i++ {
		appendRecord(t, b, []byte(fmt.Sprintf("obs-%02d", i)))
	}

	// A private cursor walks the live region without moving the shared one.
	cursor := b.ReadCursor()
	for i := 0; i < n; i++ {
		rec, next, err := b.ReadAt(cursor)
		if err != nil {
			t.Fatalf("ReadAt %d failed: %v", i, err)
		}
		if rec.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, rec.Seq)
		}
		cursor = next
	}
	if _, _, err := b.ReadAt(cursor); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock at head, got: %v", err)
	}
	if b.ReadCursor() != 0 {
		t.Fatalf("observer must not move the shared cursor, got %d", b.ReadCursor())
	}
}

func TestReadAtOverrunResync(t *testing.T) {
	// Slow observer on a small overwrite-oldest buffer: after the writer
	// laps it, ReadAt reports ErrOverrun and resumes at the oldest
	// surviving record; the exact loss is the sequence gap.
	b := newTestBuffer(t, 4096, PolicyOverwriteOldest)

	payload := make([]byte, 512)
	appendRecord(t, b, payload)

	cursor := uint64(0)
	rec, next, err := b.ReadAt(cursor)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if rec.Seq != 0 {
		t.Fatalf("expected seq 0, got %d", rec.Seq)
	}
	cursor = next
	lastSeen := rec.Seq

	// Lap the observer.
	const n = 40
	for i := 0; i < n; i++ {
		appendRecord(t, b, payload)
	}

	rec, _, err = b.ReadAt(cursor)
	if !errors.Is(err, ErrOverrun) {
		t.Fatalf("expected ErrOverrun after writer lapped observer, got: %v", err)
	}
	if rec.Seq <= lastSeen+1 {
		t.Fatalf("expected a sequence gap, resumed at seq %d", rec.Seq)
	}
	lost := rec.Seq - lastSeen - 1
	if lost == 0 || lost > n {
		t.Fatalf("implausible loss count %d", lost)
	}
}

func TestBufferConcurrentWriterConsumer(t *testing.T) {
	b := newTestBuffer(t, 1<<16, PolicyOverwriteOldest)

	const n = 5000
	var mu sync.Mutex
	rescued := make(map[uint64]bool)
	evict := func(rec Record) bool {
		mu.Lock()
		rescued[rec.Seq] = true
		mu.Unlock()
		return true
	}

	var wg sync.WaitGroup
	drained := make(map[uint64]bool)
	wg.Add(1)
	go func() {
		defer wg.Done()
		got := 0
		for got < n {
			rec, err := b.ReadNext()
			if errors.Is(err, ErrWouldBlock) {
				mu.Lock()
				got = len(rescued) + len(drained)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				t.Errorf("ReadNext failed: %v", err)
				return
			}
			mu.Lock()
			drained[rec.Seq] = true
			got = len(rescued) + len(drained)
			mu.Unlock()
		}
	}()

	payload := make([]byte, 256)
	for i := 0; i < n; i++ {
		seq, _ := b.NextSeq()
		err := b.Append(Record{Seq: seq, Time: time.Now(), Payload: payload}, evict)
		if err != nil {
			t.Fatalf("Append seq %d failed: %v", seq, err)
		}
	}
	wg.Wait()

	// Drain anything the consumer left behind before accounting.
	for {
		rec, err := b.ReadNext()
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			t.Fatalf("final drain failed: %v", err)
		}
		mu.Lock()
		drained[rec.Seq] = true
		mu.Unlock()
	}

	// Every record arrives on at least one path. A duplicate (rescue copy
	// racing the consumer CAS) is tolerated; a loss is not.
	mu.Lock()
	defer mu.Unlock()
	for i := uint64(0); i < n; i++ {
		if !rescued[i] && !drained[i] {
			t.Fatalf("seq %d lost", i)
		}
	}
}

func TestBufferReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.ring")
	w, err := Create(path, Options{Capacity: 4096, Policy: PolicyBlock})
	if err != nil {
		t.Fatalf("failed to create buffer: %v", err)
	}
	defer w.Close()
	appendRecord(t, w, []byte("visible"))

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()

	if err := ro.Append(Record{}, nil); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got: %v", err)
	}
	if _, err := ro.NextSeq(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly from NextSeq, got: %v", err)
	}

	rec, _, err := ro.ReadAt(ro.ReadCursor())
	if err != nil {
		t.Fatalf("ReadAt on read-only mapping failed: %v", err)
	}
	if string(rec.Payload) != "visible" {
		t.Fatalf("expected payload written by owner, got %q", rec.Payload)
	}
}
