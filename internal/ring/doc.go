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

// Package ring implements the memory-mapped, single-writer ring buffer at
// the core of the acquisition data plane.
//
// A buffer is a regular file (typically under /dev/shm) holding a 128-byte
// header, an optional Arrow schema block, and a circular data region whose
// capacity is a power of two. The header carries two monotonic cursors:
// the write cursor, advanced only by the owning producer with a release
// store, and the read cursor, advanced by the draining consumer (the
// archiver) with compare-and-swap. Records are length-prefixed frames; a
// frame's payload becomes visible to readers only after the write cursor
// has been published past it, so acquire-side readers never observe a
// partially written record.
//
// Any process may map the same file read-only and follow the write cursor
// with its own private cursor. Such readers are best-effort: they must
// tolerate ErrOverrun when the producer laps them, and their presence never
// influences the owning process.
package ring
