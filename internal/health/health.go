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

// Package health joins the pipeline's counters into one read-only
// snapshot: ring cursors, tee counters, archiver progress and disk usage
// of the archive directory. The control layer polls this; transport is
// somebody else's problem.
package health

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/easternanemone/rudaq-sub000/internal/archive"
	"github.com/easternanemone/rudaq-sub000/internal/ring"
	"github.com/easternanemone/rudaq-sub000/internal/tee"
)

// Disk is the archive filesystem's occupancy.
type Disk struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Snapshot is one observation of the whole pipeline.
type Snapshot struct {
	Time    time.Time
	Ring    ring.State
	Tee     tee.Stats
	Archive archive.State
	Disk    Disk
}

// Reporter produces snapshots from live pipeline components.
type Reporter struct {
	buf        *ring.Buffer
	dist       *tee.Distributor
	arch       *archive.Archiver
	archiveDir string
}

// New builds a reporter. Any component may be nil; its section stays zero.
func New(buf *ring.Buffer, dist *tee.Distributor, arch *archive.Archiver, archiveDir string) *Reporter {
	return &Reporter{buf: buf, dist: dist, arch: arch, archiveDir: archiveDir}
}

// Snapshot observes every component once.
func (r *Reporter) Snapshot() Snapshot {
	s := Snapshot{Time: time.Now()}
	if r.buf != nil {
		s.Ring = r.buf.State()
	}
	if r.dist != nil {
		s.Tee = r.dist.Stats()
	}
	if r.arch != nil {
		s.Archive = r.arch.State()
	}
	if r.archiveDir != "" {
		if d, err := diskUsage(r.archiveDir); err == nil {
			s.Disk = d
		}
	}
	return s
}

// Log emits one structured summary line of the current snapshot.
func (r *Reporter) Log(log zerolog.Logger) {
	s := r.Snapshot()
	log.Info().
		Uint64("ring_used", s.Ring.Used).
		Uint64("ring_overruns", s.Ring.Overruns).
		Uint64("published", s.Tee.Published).
		Uint64("backpressure", s.Tee.Backpressure).
		Uint64("rescued", s.Tee.Rescued).
		Int("subscribers", s.Tee.Subscribers).
		Uint64("archived_rows", s.Archive.Rows).
		Uint64("committed_seq", s.Archive.NextSeq).
		Int("gaps", s.Archive.Gaps).
		Bool("archiver_fatal", s.Archive.Fatal).
		Uint64("disk_free", s.Disk.FreeBytes).
		Msg("pipeline health")
}
