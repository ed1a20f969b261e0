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

package tee

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/easternanemone/rudaq-sub000/internal/record"
	"github.com/easternanemone/rudaq-sub000/internal/ring"
)

func newTestDistributor(t *testing.T, capacity uint64, policy ring.Policy, opts Options) (*Distributor, *ring.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tee.ring")
	buf, err := ring.Create(path, ring.Options{Capacity: capacity, Policy: policy})
	if err != nil {
		t.Fatalf("failed to create buffer: %v", err)
	}
	t.Cleanup(func() { buf.Close() })
	opts.Logger = zerolog.Nop()
	d := New(buf, opts)
	t.Cleanup(d.Close)
	return d, buf
}

func testBatch(channel string, n int) *record.Batch {
	b := &record.Batch{Channel: channel, Unit: "V"}
	base := time.Now().UnixNano()
	for i := 0; i < n; i++ {
		b.Times = append(b.Times, base+int64(i)*1000)
		b.Values = append(b.Values, float64(i))
	}
	return b
}

func TestPublishReachesRingAndSubscriber(t *testing.T) {
	d, buf := newTestDistributor(t, 1<<16, ring.PolicyBlock, Options{})

	sub, err := d.Subscribe(SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	seq, err := d.Publish(context.Background(), testBatch("daq.volts", 8))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Durable path: the frame sits in the ring.
	rec, err := buf.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext failed: %v", err)
	}
	if rec.Seq != seq {
		t.Fatalf("expected ring seq %d, got %d", seq, rec.Seq)
	}
	got, err := record.Decode(rec.Payload)
	if err != nil {
		t.Fatalf("ring payload not decodable: %v", err)
	}
	if got.Channel != "daq.volts" || got.Len() != 8 {
		t.Fatalf("unexpected batch: channel %q len %d", got.Channel, got.Len())
	}

	// Lossy path: the subscriber got the same batch.
	b, ok := sub.TryRecv()
	if !ok {
		t.Fatal("subscriber inbox empty")
	}
	if b.Seq != seq {
		t.Fatalf("expected subscriber seq %d, got %d", seq, b.Seq)
	}
}

func TestSubscriberExactDropCount(t *testing.T) {
	d, _ := newTestDistributor(t, 1<<20, ring.PolicyBlock, Options{})

	const depth = 4
	sub, err := d.Subscribe(SubscribeOptions{Depth: depth})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Nobody reads the inbox: after depth deliveries every further publish
	// sheds exactly one batch.
	const published = 20
	for i := 0; i < published; i++ {
		if _, err := d.Publish(context.Background(), testBatch("c", 1)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	if sub.Dropped() != published-depth {
		t.Fatalf("expected exactly %d drops, got %d", published-depth, sub.Dropped())
	}

	// The surviving batches are the newest ones.
	first, ok := sub.TryRecv()
	if !ok {
		t.Fatal("inbox unexpectedly empty")
	}
	if first.Seq != published-depth {
		t.Fatalf("expected oldest survivor seq %d, got %d", published-depth, first.Seq)
	}
}

func TestSubscriberSlowDoesNotBlockPublisher(t *testing.T) {
	d, _ := newTestDistributor(t, 1<<20, ring.PolicyBlock, Options{})

	if _, err := d.Subscribe(SubscribeOptions{Depth: 1}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := d.Publish(context.Background(), testBatch("c", 1)); err != nil {
				t.Errorf("Publish %d failed: %v", i, err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked by a never-reading subscriber")
	}
}

func TestEveryNthSampling(t *testing.T) {
	d, _ := newTestDistributor(t, 1<<20, ring.PolicyBlock, Options{})

	sub, err := d.Subscribe(SubscribeOptions{Every: 5, Depth: 64})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		if _, err := d.Publish(context.Background(), testBatch("c", 1)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	var got []uint64
	for {
		b, ok := sub.TryRecv()
		if !ok {
			break
		}
		got = append(got, b.Seq)
	}
	want := []uint64{0, 5, 10, 15}
	if len(got) != len(want) {
		t.Fatalf("expected %d sampled batches, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected seqs %v, got %v", want, got)
		}
	}
}

func TestChannelFilter(t *testing.T) {
	d, _ := newTestDistributor(t, 1<<20, ring.PolicyBlock, Options{})

	sub, err := d.Subscribe(SubscribeOptions{Channel: "daq.temp"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	d.Publish(context.Background(), testBatch("daq.temp", 1))
	d.Publish(context.Background(), testBatch("daq.pressure", 1))
	d.Publish(context.Background(), testBatch("daq.temp", 1))

	n := 0
	for {
		b, ok := sub.TryRecv()
		if !ok {
			break
		}
		if b.Channel != "daq.temp" {
			t.Fatalf("filter leaked channel %q", b.Channel)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 filtered batches, got %d", n)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	d, _ := newTestDistributor(t, 1<<20, ring.PolicyBlock, Options{})

	sub, err := d.Subscribe(SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	if _, err := d.Publish(context.Background(), testBatch("c", 1)); err != nil {
		t.Fatalf("Publish after unsubscribe failed: %v", err)
	}
	if _, ok := sub.TryRecv(); ok {
		t.Fatal("detached subscriber still receiving")
	}
	if st := d.Stats(); st.Subscribers != 0 {
		t.Fatalf("expected 0 subscribers, got %d", st.Subscribers)
	}
}

func TestOverwriteRescuesToQueue(t *testing.T) {
	// Small ring, overwrite-oldest: reclaimed frames must land in the
	// reliable queue, not vanish.
	d, _ := newTestDistributor(t, 4096, ring.PolicyOverwriteOldest, Options{RescueDepth: 64})

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := d.Publish(context.Background(), testBatch("c", 64)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	st := d.Stats()
	if st.Rescued == 0 {
		t.Fatal("expected rescued frames, got none")
	}
	if st.EvictDropped != 0 {
		t.Fatalf("rescued evictions must not count as drops, got %d", st.EvictDropped)
	}
	rec, ok := d.PopRescued()
	if !ok {
		t.Fatal("rescue queue empty despite rescued counter")
	}
	if rec.Seq != 0 {
		t.Fatalf("expected oldest frame first in rescue queue, got seq %d", rec.Seq)
	}
}

func TestBackpressureTimeout(t *testing.T) {
	// Block policy, tiny ring, no consumer: Publish must fail with
	// ErrArchiveBackpressure once the ring is full, within the timeout.
	d, _ := newTestDistributor(t, 4096, ring.PolicyBlock, Options{
		BackpressureTimeout: 50 * time.Millisecond,
	})

	var sawBackpressure bool
	for i := 0; i < 10; i++ {
		_, err := d.Publish(context.Background(), testBatch("c", 64))
		if errors.Is(err, ErrArchiveBackpressure) {
			sawBackpressure = true
			break
		}
		if err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	if !sawBackpressure {
		t.Fatal("expected ErrArchiveBackpressure with no consumer")
	}
	if d.Stats().Backpressure == 0 {
		t.Fatal("backpressure counter not incremented")
	}
}

func TestArchiverDownCountsDrops(t *testing.T) {
	d, buf := newTestDistributor(t, 4096, ring.PolicyOverwriteOldest, Options{RescueDepth: 4})

	d.SetArchiverDown()
	if !d.ArchiverDown() {
		t.Fatal("archiver not marked down")
	}

	// With the durable consumer dead, overwrites become counted drops and
	// the producer keeps running.
	const n = 20
	for i := 0; i < n; i++ {
		if _, err := d.Publish(context.Background(), testBatch("c", 64)); err != nil {
			t.Fatalf("Publish %d failed with archiver down: %v", i, err)
		}
	}
	if buf.Overruns() == 0 {
		t.Fatal("expected overrun drops with archiver down")
	}
	if _, ok := d.PopRescued(); ok {
		t.Fatal("rescue queue must not grow with archiver down")
	}
}

func TestPublishAfterClose(t *testing.T) {
	d, _ := newTestDistributor(t, 4096, ring.PolicyBlock, Options{})
	d.Close()
	if _, err := d.Publish(context.Background(), testBatch("c", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got: %v", err)
	}
	if _, err := d.Subscribe(SubscribeOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Subscribe, got: %v", err)
	}
}
