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

// Package tee distributes published batches to two planes with different
// delivery guarantees: a durable path through the ring buffer toward the
// archiver, and a lossy broadcast to in-process subscribers. The durable
// path never silently drops; the lossy path never blocks the producer.
package tee

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/easternanemone/rudaq-sub000/internal/record"
	"github.com/easternanemone/rudaq-sub000/internal/ring"
)

// ErrArchiveBackpressure means the durable path stayed full past the
// configured timeout. The batch was not published anywhere.
var ErrArchiveBackpressure = errors.New("tee: durable path full, backpressure timeout exceeded")

// ErrClosed is returned by operations on a closed distributor.
var ErrClosed = errors.New("tee: distributor closed")

// DefaultBackpressureTimeout bounds how long Publish waits for the durable
// path to free space before giving up.
const DefaultBackpressureTimeout = 250 * time.Millisecond

// DefaultRescueDepth is the bounded capacity of the reliable queue that
// receives frames reclaimed by the overwrite-oldest policy.
const DefaultRescueDepth = 1024

// Options configures a Distributor.
type Options struct {
	// RescueDepth bounds the reliable queue. Zero means DefaultRescueDepth.
	RescueDepth int

	// BackpressureTimeout bounds Publish under a full durable path. Zero
	// means DefaultBackpressureTimeout.
	BackpressureTimeout time.Duration

	Logger zerolog.Logger
}

// Stats is a counter snapshot for health reporting.
type Stats struct {
	Published    uint64
	Backpressure uint64
	Rescued      uint64
	EvictDropped uint64
	RescueDepth  int
	Subscribers  int
}

// Distributor tees published batches into the ring buffer and out to
// subscribers. Publish is single-producer, matching the ring's write side.
type Distributor struct {
	buf    *ring.Buffer
	rescue chan ring.Record
	log    zerolog.Logger

	bpTimeout time.Duration

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscriber

	published    atomic.Uint64
	backpressure atomic.Uint64
	rescued      atomic.Uint64
	evictDropped atomic.Uint64
	archiverDown atomic.Bool
	closed       atomic.Bool
}

// New builds a distributor over an open ring buffer.
func New(buf *ring.Buffer, opts Options) *Distributor {
	if opts.RescueDepth <= 0 {
		opts.RescueDepth = DefaultRescueDepth
	}
	if opts.BackpressureTimeout <= 0 {
		opts.BackpressureTimeout = DefaultBackpressureTimeout
	}
	return &Distributor{
		buf:       buf,
		rescue:    make(chan ring.Record, opts.RescueDepth),
		log:       opts.Logger,
		bpTimeout: opts.BackpressureTimeout,
		subs:      make(map[uuid.UUID]*Subscriber),
	}
}

// Publish encodes the batch once, appends it to the durable path and fans
// it out to subscribers. The durable append either succeeds or returns an
// error; the lossy fan-out never blocks and never fails.
//
// Under the overwrite-oldest policy, frames reclaimed to make room are
// first captured into the reliable queue; if that queue is full too,
// Publish waits for the archiver up to the backpressure timeout and then
// returns ErrArchiveBackpressure.
func (d *Distributor) Publish(ctx context.Context, b *record.Batch) (uint64, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}

	payload, err := record.Encode(b)
	if err != nil {
		return 0, err
	}
	seq, err := d.buf.NextSeq()
	if err != nil {
		return 0, err
	}
	b.Seq = seq
	rec := ring.Record{Seq: seq, Time: time.Now(), Payload: payload}

	evict := d.evictFunc()
	deadline := time.Now().Add(d.bpTimeout)
	for {
		err := d.buf.Append(rec, evict)
		if err == nil {
			break
		}
		if !errors.Is(err, ring.ErrWouldBlock) {
			return 0, err
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			d.backpressure.Add(1)
			d.log.Warn().Uint64("seq", seq).Str("channel", b.Channel).
				Dur("timeout", d.bpTimeout).Msg("durable path backpressure, batch rejected")
			return 0, ErrArchiveBackpressure
		}
		waitCtx, cancel := context.WithTimeout(ctx, remain)
		werr := d.buf.WaitSpace(waitCtx)
		cancel()
		if werr != nil && ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}

	d.published.Add(1)
	d.fanOut(b)
	return seq, nil
}

// evictFunc picks the reclaim behavior for this append. With the archiver
// alive, reclaimed frames go to the reliable queue and a full queue refuses
// the eviction. With the archiver down, nothing can ever drain the queue,
// so reclaimed frames become counted drops instead of wedging the producer.
func (d *Distributor) evictFunc() ring.EvictFunc {
	if d.archiverDown.Load() {
		return nil
	}
	return func(rec ring.Record) bool {
		select {
		case d.rescue <- rec:
			d.rescued.Add(1)
			return true
		default:
			return false
		}
	}
}

// fanOut delivers to every subscriber without blocking.
func (d *Distributor) fanOut(b *record.Batch) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.subs {
		s.offer(b)
	}
}

// PopRescued takes one frame off the reliable queue. The archiver drains
// this after each ring drain; ok is false when the queue is empty.
func (d *Distributor) PopRescued() (ring.Record, bool) {
	select {
	case rec := <-d.rescue:
		return rec, true
	default:
		return ring.Record{}, false
	}
}

// SetArchiverDown switches eviction to counted-drop mode. Called by the
// archiver when it stops for good; a dead consumer must never stall the
// acquisition producer.
func (d *Distributor) SetArchiverDown() {
	if d.archiverDown.CompareAndSwap(false, true) {
		d.log.Error().Msg("archiver marked down, reclaimed frames become counted drops")
	}
}

// ArchiverDown reports whether the durable consumer was marked dead.
func (d *Distributor) ArchiverDown() bool { return d.archiverDown.Load() }

// Subscribe registers a lossy subscriber starting from the next published
// batch. Historical data is not replayed.
func (d *Distributor) Subscribe(opts SubscribeOptions) (*Subscriber, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	s := newSubscriber(d, opts)
	d.mu.Lock()
	d.subs[s.id] = s
	d.mu.Unlock()
	d.log.Debug().Str("subscriber", s.id.String()).Uint64("every", s.every).
		Int("depth", cap(s.inbox)).Msg("subscriber attached")
	return s, nil
}

// unsubscribe detaches a subscriber. Idempotent.
func (d *Distributor) unsubscribe(id uuid.UUID) {
	d.mu.Lock()
	_, ok := d.subs[id]
	delete(d.subs, id)
	d.mu.Unlock()
	if ok {
		d.log.Debug().Str("subscriber", id.String()).Msg("subscriber detached")
	}
}

// Stats returns a counter snapshot.
func (d *Distributor) Stats() Stats {
	d.mu.RLock()
	n := len(d.subs)
	d.mu.RUnlock()
	return Stats{
		Published:    d.published.Load(),
		Backpressure: d.backpressure.Load(),
		Rescued:      d.rescued.Load(),
		EvictDropped: d.buf.Overruns(),
		RescueDepth:  len(d.rescue),
		Subscribers:  n,
	}
}

// Close detaches all subscribers and rejects further publishes. The ring
// buffer itself stays open; its lifecycle belongs to the caller.
func (d *Distributor) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	subs := make([]*Subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.subs = make(map[uuid.UUID]*Subscriber)
	d.mu.Unlock()
	for _, s := range subs {
		s.markClosed()
	}
}
