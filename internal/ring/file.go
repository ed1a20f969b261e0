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
	"fmt"
	"os"
	"path/filepath"
	"unsafe"
)

// Policy selects what the writer does when the data region is full.
type Policy uint8

const (
	// PolicyBlock makes Append fail with ErrWouldBlock; the caller decides
	// how long to wait for the consumer to free space.
	PolicyBlock Policy = iota

	// PolicyOverwriteOldest makes Append reclaim the oldest unconsumed
	// frames. Each reclaimed frame is offered to the eviction callback
	// before its bytes are reused.
	PolicyOverwriteOldest
)

// String returns the configuration spelling of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyOverwriteOldest:
		return "overwrite-oldest"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Options configures Create.
type Options struct {
	// Capacity is the data region size in bytes. Rounded up to a power of
	// two; minimum MinCapacity. Zero means DefaultCapacity.
	Capacity uint64

	// Policy is the overflow policy for the writer.
	Policy Policy

	// Schema is an optional serialized Arrow schema stored after the header
	// so external tools can interpret the stream without reading a frame.
	Schema []byte

	// Reuse re-opens an existing buffer file instead of failing with
	// ErrAlreadyExists, preserving cursors across a daemon restart.
	Reuse bool
}

// Buffer is a handle on a mapped ring buffer file. Exactly one process may
// hold write authority; any number may map read-only.
type Buffer struct {
	file    *os.File
	mem     []byte
	hdr     *header
	dataOff uint64
	mask    uint64
	cap     uint64
	policy  Policy
	path    string
	rdOnly  bool

	// spaceCh wakes in-process writers waiting under PolicyBlock when the
	// consumer frees space. Best-effort, capacity 1.
	spaceCh chan struct{}
}

// Create initializes a new buffer file at path. It fails with
// ErrAlreadyExists if a buffer file is already present and opts.Reuse is
// false; with Reuse it validates and re-maps the existing file so cursors
// survive a restart.
func Create(path string, opts Options) (*Buffer, error) {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Capacity < MinCapacity {
		return nil, fmt.Errorf("%w: %d bytes (minimum %d)", ErrInvalidCapacity, opts.Capacity, MinCapacity)
	}
	capacity := nextPowerOfTwo(opts.Capacity)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create buffer directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if os.IsExist(err) {
			if opts.Reuse {
				return Open(path, opts.Policy)
			}
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return nil, fmt.Errorf("create buffer file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	schemaCap := alignTo64(uint64(len(opts.Schema)))
	totalSize := HeaderSize + schemaCap + capacity

	if err := file.Truncate(int64(totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize buffer file: %w", err)
	}

	mem, err := mmapFile(file, int(totalSize), protReadWrite)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("map buffer file: %w", err)
	}

	b := &Buffer{
		file:    file,
		mem:     mem,
		hdr:     (*header)(unsafe.Pointer(&mem[0])),
		dataOff: HeaderSize + schemaCap,
		mask:    capacity - 1,
		cap:     capacity,
		policy:  opts.Policy,
		path:    path,
		spaceCh: make(chan struct{}, 1),
	}

	b.hdr.SetCapacity(capacity)
	b.hdr.SetWriteCursor(0)
	b.hdr.SetReadCursor(0)
	b.hdr.SetSchemaCap(uint32(schemaCap))
	b.hdr.SetSchemaLen(uint32(len(opts.Schema)))
	copy(mem[HeaderSize:], opts.Schema)
	// Magic last: a reader that sees the magic sees an initialized header.
	b.hdr.SetMagic(Magic)

	if err := msyncMem(mem); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Open maps an existing buffer file read-write and takes write authority.
// It fails with ErrCorruptHeader if the magic mismatches or the recorded
// capacity is inconsistent with the file size.
func Open(path string, policy Policy) (*Buffer, error) {
	return openFile(path, policy, false)
}

// OpenReadOnly maps an existing buffer file for best-effort observation.
// Write-side operations fail with ErrReadOnly.
func OpenReadOnly(path string) (*Buffer, error) {
	return openFile(path, PolicyBlock, true)
}

func openFile(path string, policy Policy, readOnly bool) (*Buffer, error) {
	flag := os.O_RDWR
	prot := protReadWrite
	if readOnly {
		flag = os.O_RDONLY
		prot = protRead
	}

	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open buffer file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat buffer file: %w", err)
	}
	size := info.Size()
	if size < HeaderSize {
		file.Close()
		return nil, fmt.Errorf("%w: file is %d bytes, smaller than the header", ErrCorruptHeader, size)
	}

	mem, err := mmapFile(file, int(size), prot)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("map buffer file: %w", err)
	}

	hdr := (*header)(unsafe.Pointer(&mem[0]))
	if got := hdr.Magic(); got != Magic {
		munmapMem(mem)
		file.Close()
		return nil, fmt.Errorf("%w: magic 0x%016X, want 0x%016X", ErrCorruptHeader, got, Magic)
	}
	capacity := hdr.Capacity()
	schemaCap := uint64(hdr.SchemaCap())
	if !isPowerOfTwo(capacity) {
		munmapMem(mem)
		file.Close()
		return nil, fmt.Errorf("%w: capacity %d is not a power of two", ErrCorruptHeader, capacity)
	}
	if uint64(size) != HeaderSize+schemaCap+capacity {
		munmapMem(mem)
		file.Close()
		return nil, fmt.Errorf("%w: file size %d inconsistent with capacity %d", ErrCorruptHeader, size, capacity)
	}
	if uint64(hdr.SchemaLen()) > schemaCap {
		munmapMem(mem)
		file.Close()
		return nil, fmt.Errorf("%w: schema length %d exceeds schema block %d", ErrCorruptHeader, hdr.SchemaLen(), schemaCap)
	}

	return &Buffer{
		file:    file,
		mem:     mem,
		hdr:     hdr,
		dataOff: HeaderSize + schemaCap,
		mask:    capacity - 1,
		cap:     capacity,
		policy:  policy,
		path:    path,
		rdOnly:  readOnly,
		spaceCh: make(chan struct{}, 1),
	}, nil
}

// Path returns the backing file path.
func (b *Buffer) Path() string { return b.path }

// Capacity returns the data region capacity in bytes.
func (b *Buffer) Capacity() uint64 { return b.cap }

// Policy returns the configured overflow policy.
func (b *Buffer) Policy() Policy { return b.policy }

// Schema returns a copy of the serialized schema block, or nil.
func (b *Buffer) Schema() []byte {
	n := b.hdr.SchemaLen()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.mem[HeaderSize:HeaderSize+n])
	return out
}

// Sync flushes the mapped region to the backing file.
func (b *Buffer) Sync() error {
	if b.rdOnly {
		return nil
	}
	return msyncMem(b.mem)
}

// Close unmaps the region and closes the file. The backing file remains on
// disk so a restarted process can resume from its cursors.
func (b *Buffer) Close() error {
	var firstErr error
	if b.mem != nil && !b.rdOnly {
		if err := msyncMem(b.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.mem != nil {
		if err := munmapMem(b.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		b.mem = nil
		b.hdr = nil
	}
	if b.file != nil {
		if err := b.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.file = nil
	}
	return firstErr
}

// Remove deletes the backing file. The buffer must be closed first.
func (b *Buffer) Remove() error {
	return os.Remove(b.path)
}
