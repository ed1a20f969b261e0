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

package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// Gap is a provenance record of lost sequence numbers: Count records
// starting at FromSeq never reached durable storage.
type Gap struct {
	FromSeq uint64 `json:"from_seq"`
	Count   uint64 `json:"count"`
}

// Manifest is the archiver's durable progress record. NextSeq is the
// lowest sequence number not yet committed; everything below it is in a
// closed or flushed Parquet row group, so a restarted archiver drops
// re-read records older than NextSeq instead of duplicating them.
type Manifest struct {
	NextSeq      uint64    `json:"next_seq"`
	Segment      string    `json:"segment"`
	Rows         uint64    `json:"rows"`
	Gaps         []Gap     `json:"gaps,omitempty"`
	SessionStart time.Time `json:"session_start"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// loadManifest reads the manifest at path. A missing file yields a zero
// manifest and no error; a present but unparsable file is an error, since
// guessing the committed sequence risks duplicates.
func loadManifest(path string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("archive: read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("archive: parse manifest %s: %w", path, err)
	}
	return m, nil
}

// saveManifest atomically replaces the manifest: write a temp file in the
// same directory, fsync it, rename over the target, fsync the directory.
// A crash leaves either the old manifest or the new one, never a torn mix.
func saveManifest(path string, m *Manifest) error {
	m.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshal manifest: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("archive: create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(raw); err != nil {
		cleanup()
		return fmt.Errorf("archive: write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("archive: sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("archive: close temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("archive: replace manifest: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("archive: open manifest directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("archive: sync manifest directory: %w", err)
	}
	return nil
}
