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

// Package archive drains the durable side of the tee into Parquet
// segments. Each flush cycle reads the ring buffer and the rescue queue,
// restores sequence order, deduplicates against the manifest and appends a
// fsynced row group, so every record that entered the durable path exists
// either in the archive or in a provenance gap entry.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/easternanemone/rudaq-sub000/internal/record"
	"github.com/easternanemone/rudaq-sub000/internal/ring"
)

// ErrFatal wraps the archiver's terminal failure after the retry budget is
// spent. The daemon keeps acquiring; durable storage is gone.
var ErrFatal = errors.New("archive: archiver stopped after exhausting retries")

// Defaults.
const (
	DefaultFlushInterval = time.Second
	DefaultMaxRetries    = 5

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// archiveRow is one sample in the Parquet segment.
type archiveRow struct {
	Seq     uint64  `parquet:"seq"`
	TimeNS  int64   `parquet:"time_ns"`
	Channel string  `parquet:"channel,dict,zstd"`
	Value   float64 `parquet:"value,zstd"`
	Unit    string  `parquet:"unit,dict,zstd"`
}

// RescueSource is the reliable-queue side of the tee, drained after each
// ring drain.
type RescueSource interface {
	PopRescued() (ring.Record, bool)
	SetArchiverDown()
}

// Options configures an Archiver.
type Options struct {
	// Dir is the archive directory; created if missing.
	Dir string

	// Prefix names the session's segment and manifest files.
	Prefix string

	// FlushInterval is the cycle period. Zero means DefaultFlushInterval.
	FlushInterval time.Duration

	// MaxRetries bounds write/fsync retries before the archiver declares
	// itself dead. Zero means DefaultMaxRetries.
	MaxRetries int

	Logger zerolog.Logger
}

// State is a snapshot for health reporting.
type State struct {
	Running bool
	Fatal   bool
	NextSeq uint64
	Rows    uint64
	Gaps    int
	Segment string
}

// Archiver is the single durable consumer of the ring buffer.
type Archiver struct {
	buf    *ring.Buffer
	rescue RescueSource
	log    zerolog.Logger

	flushInterval time.Duration
	maxRetries    int

	segPath string
	manPath string
	file    *os.File
	writer  *parquet.GenericWriter[archiveRow]

	mu      sync.Mutex
	man     Manifest
	running atomic.Bool
	fatal   atomic.Bool
	errVal  atomic.Value

	// fatalCh delivers the terminal error once, for operator alerting.
	fatalCh chan error
}

// New opens (or resumes) the archive session: loads the manifest if one
// exists, creates a session-named Parquet segment and prepares the writer.
// A resumed archiver continues numbering from the manifest's NextSeq but
// always writes a fresh segment; Parquet files do not support append.
func New(buf *ring.Buffer, rescue RescueSource, opts Options) (*Archiver, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Prefix == "" {
		opts.Prefix = "session"
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create directory: %w", err)
	}

	manPath := filepath.Join(opts.Dir, opts.Prefix+".manifest.json")
	man, err := loadManifest(manPath)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	segPath := filepath.Join(opts.Dir,
		fmt.Sprintf("%s_%s.parquet", opts.Prefix, now.Format("20060102_150405")))
	file, err := os.OpenFile(segPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: create segment %s: %w", segPath, err)
	}

	man.Segment = segPath
	if man.SessionStart.IsZero() {
		man.SessionStart = now.UTC()
	}

	a := &Archiver{
		buf:           buf,
		rescue:        rescue,
		log:           opts.Logger,
		flushInterval: opts.FlushInterval,
		maxRetries:    opts.MaxRetries,
		segPath:       segPath,
		manPath:       manPath,
		file:          file,
		writer:        parquet.NewGenericWriter[archiveRow](file),
		man:           man,
		fatalCh:       make(chan error, 1),
	}
	a.log.Info().Str("segment", segPath).Uint64("next_seq", man.NextSeq).
		Msg("archive session opened")
	return a, nil
}

// Run drives flush cycles until ctx ends, then performs one final cycle
// and closes the segment, so records already in the durable path survive a
// clean shutdown. Returns nil on clean shutdown, the terminal error after
// a fatal storage failure.
func (a *Archiver) Run(ctx context.Context) error {
	a.running.Store(true)
	defer a.running.Store(false)

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.cycle(ctx); err != nil {
				a.giveUp(err)
				return err
			}
		case <-ctx.Done():
			// Final cycle runs without ctx: shutdown must not abort the
			// flush that makes in-flight records durable.
			err := a.cycle(context.Background())
			if err != nil {
				a.giveUp(err)
				return err
			}
			if cerr := a.closeSegment(); cerr != nil {
				a.giveUp(cerr)
				return cerr
			}
			st := a.State()
			a.log.Info().Uint64("rows", st.Rows).Int("gaps", st.Gaps).
				Msg("archive session closed")
			return nil
		}
	}
}

// cycle drains both durable sources, restores order and commits one row
// group.
func (a *Archiver) cycle(ctx context.Context) error {
	recs, err := a.drain()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	// Eviction rescues can overlap the ring drain, so a cycle may observe
	// records out of order or twice. Sorting plus the manifest cursor
	// restores exactly-once, in-order commits.
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	// Work on a copy; the shared manifest is replaced only after the row
	// group and the manifest file are durable.
	a.mu.Lock()
	man := a.man
	a.mu.Unlock()

	rows := make([]archiveRow, 0, len(recs))
	for _, rec := range recs {
		if rec.Seq < man.NextSeq {
			continue // duplicate of an already committed record
		}
		if rec.Seq > man.NextSeq {
			gap := Gap{FromSeq: man.NextSeq, Count: rec.Seq - man.NextSeq}
			man.Gaps = append(man.Gaps, gap)
			a.log.Warn().Uint64("from_seq", gap.FromSeq).Uint64("count", gap.Count).
				Msg("sequence gap recorded")
		}
		batch, derr := record.Decode(rec.Payload)
		if derr != nil {
			man.Gaps = append(man.Gaps, Gap{FromSeq: rec.Seq, Count: 1})
			a.log.Error().Err(derr).Uint64("seq", rec.Seq).Msg("undecodable record lost")
			man.NextSeq = rec.Seq + 1
			continue
		}
		for i := range batch.Values {
			rows = append(rows, archiveRow{
				Seq:     rec.Seq,
				TimeNS:  batch.Times[i],
				Channel: batch.Channel,
				Value:   batch.Values[i],
				Unit:    batch.Unit,
			})
		}
		man.NextSeq = rec.Seq + 1
	}

	if len(rows) > 0 {
		if err := a.withRetry(ctx, "row group", func() error {
			if _, werr := a.writer.Write(rows); werr != nil {
				return werr
			}
			if ferr := a.writer.Flush(); ferr != nil {
				return ferr
			}
			return a.file.Sync()
		}); err != nil {
			return err
		}
		man.Rows += uint64(len(rows))
	}

	if err := a.withRetry(ctx, "manifest", func() error {
		return saveManifest(a.manPath, &man)
	}); err != nil {
		return err
	}

	a.mu.Lock()
	a.man = man
	a.mu.Unlock()
	return nil
}

// drain empties the ring, then the rescue queue. Frames rescued by an
// eviction are enqueued before the shared cursor moves, so draining the
// queue second captures everything older than this cycle's ring reads.
func (a *Archiver) drain() ([]ring.Record, error) {
	var recs []ring.Record
	for {
		rec, err := a.buf.ReadNext()
		if errors.Is(err, ring.ErrWouldBlock) {
			break
		}
		if errors.Is(err, ring.ErrCorruptRecord) {
			a.log.Error().Err(err).Msg("corrupt record dropped from ring")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("archive: drain ring: %w", err)
		}
		recs = append(recs, rec)
	}
	if a.rescue != nil {
		for {
			rec, ok := a.rescue.PopRescued()
			if !ok {
				break
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// withRetry runs op with exponential backoff up to the retry budget.
func (a *Archiver) withRetry(ctx context.Context, what string, op func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		a.log.Warn().Err(err).Str("op", what).Int("attempt", attempt).
			Int("max", a.maxRetries).Msg("archive write failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrFatal, what, err)
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrFatal, what, err)
}

// giveUp marks the archiver dead, alerts the operator channel and flips
// the tee to counted-drop eviction.
func (a *Archiver) giveUp(err error) {
	if !a.fatal.CompareAndSwap(false, true) {
		return
	}
	a.errVal.Store(err)
	a.log.Error().Err(err).Msg("archiver fatal, durable storage lost")
	a.closeSegment()
	if a.rescue != nil {
		a.rescue.SetArchiverDown()
	}
	select {
	case a.fatalCh <- err:
	default:
	}
}

func (a *Archiver) closeSegment() error {
	var firstErr error
	if a.writer != nil {
		if err := a.writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("archive: close segment writer: %w", err)
		}
		a.writer = nil
	}
	if a.file != nil {
		if err := a.file.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("archive: sync segment: %w", err)
		}
		if err := a.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("archive: close segment: %w", err)
		}
		a.file = nil
	}
	if firstErr == nil {
		a.mu.Lock()
		man := a.man
		a.mu.Unlock()
		firstErr = saveManifest(a.manPath, &man)
	}
	return firstErr
}

// Err returns the terminal error, or nil while the archiver is healthy.
func (a *Archiver) Err() error {
	if v := a.errVal.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Fatal exposes the one-shot operator alert channel.
func (a *Archiver) Fatal() <-chan error { return a.fatalCh }

// SegmentPath returns the session's Parquet file path.
func (a *Archiver) SegmentPath() string { return a.segPath }

// State returns a snapshot for health reporting.
func (a *Archiver) State() State {
	a.mu.Lock()
	man := a.man
	a.mu.Unlock()
	return State{
		Running: a.running.Load(),
		Fatal:   a.fatal.Load(),
		NextSeq: man.NextSeq,
		Rows:    man.Rows,
		Gaps:    len(man.Gaps),
		Segment: a.segPath,
	}
}
