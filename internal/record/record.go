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

// Package record defines the acquisition batch, the unit of data flowing
// through the ring buffer, and its Arrow IPC wire encoding. A batch is a
// column of samples from one channel: nanosecond timestamps plus float64
// values, tagged with the channel name and engineering unit.
package record

import (
	"errors"
	"fmt"
)

// ErrDecode wraps payloads that are not a valid encoded batch.
var ErrDecode = errors.New("record: malformed batch payload")

// Batch is one acquisition batch. Times and Values are parallel slices;
// Times holds nanoseconds since the Unix epoch.
type Batch struct {
	Channel string
	Unit    string
	Seq     uint64
	Times   []int64
	Values  []float64
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int { return len(b.Values) }

// Validate rejects batches that cannot be encoded.
func (b *Batch) Validate() error {
	if b.Channel == "" {
		return errors.New("record: batch has no channel name")
	}
	if len(b.Times) != len(b.Values) {
		return fmt.Errorf("record: %d timestamps for %d values", len(b.Times), len(b.Values))
	}
	if len(b.Values) == 0 {
		return errors.New("record: empty batch")
	}
	return nil
}
