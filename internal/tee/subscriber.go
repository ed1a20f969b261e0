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
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/easternanemone/rudaq-sub000/internal/record"
)

// DefaultInboxDepth is the per-subscriber inbox capacity.
const DefaultInboxDepth = 64

// SubscribeOptions configures one subscriber.
type SubscribeOptions struct {
	// Depth is the inbox capacity. Zero means DefaultInboxDepth.
	Depth int

	// Every delivers only every Nth matching batch, counted per
	// subscriber. Zero or one delivers everything. Used by slow display
	// consumers that sample the stream.
	Every uint64

	// Channel restricts delivery to one channel name. Empty receives all.
	Channel string
}

// Subscriber is a lossy, non-blocking consumer of published batches. When
// its inbox is full the oldest undelivered batch is dropped and counted;
// the producer is never slowed down.
type Subscriber struct {
	id      uuid.UUID
	d       *Distributor
	inbox   chan *record.Batch
	every   uint64
	channel string

	seen    atomic.Uint64
	dropped atomic.Uint64
	lastSeq atomic.Uint64
	closed  atomic.Bool
}

func newSubscriber(d *Distributor, opts SubscribeOptions) *Subscriber {
	if opts.Depth <= 0 {
		opts.Depth = DefaultInboxDepth
	}
	if opts.Every == 0 {
		opts.Every = 1
	}
	return &Subscriber{
		id:      uuid.New(),
		d:       d,
		inbox:   make(chan *record.Batch, opts.Depth),
		every:   opts.Every,
		channel: opts.Channel,
	}
}

// ID returns the subscriber's identity.
func (s *Subscriber) ID() uuid.UUID { return s.id }

// offer delivers one batch without blocking. A full inbox sheds the oldest
// undelivered batch to make room for the newest.
func (s *Subscriber) offer(b *record.Batch) {
	if s.closed.Load() {
		return
	}
	if s.channel != "" && b.Channel != s.channel {
		return
	}
	if n := s.seen.Add(1); (n-1)%s.every != 0 {
		return
	}
	s.lastSeq.Store(b.Seq)
	select {
	case s.inbox <- b:
		return
	default:
	}
	select {
	case <-s.inbox:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.inbox <- b:
	default:
		s.dropped.Add(1)
	}
}

// Recv blocks for the next batch or until ctx ends.
func (s *Subscriber) Recv(ctx context.Context) (*record.Batch, error) {
	if s.closed.Load() && len(s.inbox) == 0 {
		return nil, ErrClosed
	}
	select {
	case b := <-s.inbox:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRecv returns the next batch without blocking.
func (s *Subscriber) TryRecv() (*record.Batch, bool) {
	select {
	case b := <-s.inbox:
		return b, true
	default:
		return nil, false
	}
}

// Dropped returns the exact count of batches shed by the full inbox.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// LastSeq returns the sequence number of the newest batch offered to this
// subscriber, delivered or not.
func (s *Subscriber) LastSeq() uint64 { return s.lastSeq.Load() }

// Unsubscribe detaches the subscriber. Safe to call from any goroutine and
// more than once.
func (s *Subscriber) Unsubscribe() {
	s.d.unsubscribe(s.id)
	s.markClosed()
}

func (s *Subscriber) markClosed() {
	s.closed.Store(true)
}
