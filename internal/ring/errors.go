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

import "errors"

var (
	// ErrAlreadyExists indicates Create found a buffer file at the path and
	// reuse was not requested.
	ErrAlreadyExists = errors.New("ring: buffer already exists")

	// ErrInvalidCapacity indicates the requested capacity cannot hold the
	// header plus at least one record.
	ErrInvalidCapacity = errors.New("ring: invalid capacity")

	// ErrCorruptHeader indicates the mapped file does not carry a valid
	// buffer header (bad magic, or capacity inconsistent with file size).
	// This is fatal: the buffer must be recreated, never silently repaired.
	ErrCorruptHeader = errors.New("ring: corrupt header")

	// ErrWouldBlock indicates no progress is possible right now: the buffer
	// is full (writer side) or the cursor has caught up with the write
	// cursor (reader side).
	ErrWouldBlock = errors.New("ring: would block")

	// ErrOverrun indicates the reader's cursor region was overwritten before
	// it was consumed. ReadAt resynchronizes and still returns the next
	// valid record; callers compute the exact loss from the sequence gap.
	ErrOverrun = errors.New("ring: reader overrun")

	// ErrRecordTooLarge indicates a record frame exceeds the data region.
	ErrRecordTooLarge = errors.New("ring: record larger than buffer capacity")

	// ErrReadOnly indicates a write-side operation on a read-only mapping.
	ErrReadOnly = errors.New("ring: buffer mapped read-only")

	// ErrCorruptRecord indicates a frame failed its checksum or carried an
	// impossible length. On the consumer cursor this means the single-writer
	// discipline was violated or the file was damaged.
	ErrCorruptRecord = errors.New("ring: corrupt record frame")
)
