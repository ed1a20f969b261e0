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

package record

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Schema metadata keys carried on every encoded batch.
const (
	metaChannel = "channel"
	metaUnit    = "unit"
)

// batchSchema builds the two-column schema for a batch. Channel and unit
// travel as schema metadata so the columns stay pure sample data.
func batchSchema(channel, unit string) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaChannel, metaUnit},
		[]string{channel, unit},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "time_ns", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	}, &md)
}

// Encode serializes the batch as a single-record Arrow IPC stream. The
// result is self-describing; readers in any Arrow implementation can
// decode it without out-of-band schema exchange.
func Encode(b *Batch) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	schema := batchSchema(b.Channel, b.Unit)
	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()

	rb.Field(0).(*array.Int64Builder).AppendValues(b.Times, nil)
	rb.Field(1).(*array.Float64Builder).AppendValues(b.Values, nil)

	rec := rb.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("record: encode batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("record: encode batch: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses an Arrow IPC stream produced by Encode back into a batch.
// The Seq field is not part of the payload; callers restore it from the
// frame header.
func Decode(payload []byte) (*Batch, error) {
	r, err := ipc.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer r.Release()

	md := r.Schema().Metadata()
	b := &Batch{}
	if i := md.FindKey(metaChannel); i >= 0 {
		b.Channel = md.Values()[i]
	}
	if i := md.FindKey(metaUnit); i >= 0 {
		b.Unit = md.Values()[i]
	}
	if b.Channel == "" {
		return nil, fmt.Errorf("%w: missing channel metadata", ErrDecode)
	}

	for r.Next() {
		rec := r.Record()
		if rec.NumCols() != 2 {
			return nil, fmt.Errorf("%w: %d columns, want 2", ErrDecode, rec.NumCols())
		}
		times, ok := rec.Column(0).(*array.Int64)
		if !ok {
			return nil, fmt.Errorf("%w: time column is %s", ErrDecode, rec.Column(0).DataType())
		}
		values, ok := rec.Column(1).(*array.Float64)
		if !ok {
			return nil, fmt.Errorf("%w: value column is %s", ErrDecode, rec.Column(1).DataType())
		}
		b.Times = append(b.Times, times.Int64Values()...)
		b.Values = append(b.Values, values.Float64Values()...)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(b.Values) == 0 {
		return nil, fmt.Errorf("%w: stream carries no rows", ErrDecode)
	}
	return b, nil
}

// SchemaBytes serializes the batch schema as an empty IPC stream, suitable
// for the schema block of a buffer file. External mappers recover the
// schema with any Arrow IPC reader.
func SchemaBytes(channel, unit string) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(batchSchema(channel, unit)))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("record: serialize schema: %w", err)
	}
	return buf.Bytes(), nil
}
