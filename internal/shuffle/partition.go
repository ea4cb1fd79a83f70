// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shuffle

import (
	"encoding/binary"
	"math"

	"github.com/apache/arrow/go/v8/arrow"
	"github.com/apache/arrow/go/v8/arrow/array"
	"github.com/apache/arrow/go/v8/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// hashSeed is written into every row digest. It must be identical on
// every node so that all writers agree on row placement.
const hashSeed uint64 = 0x74726578 // "trex"

// ResolveKeyIndices maps join-key column names to their indices in the
// schema, failing with the missing key and the observed schema.
func ResolveKeyIndices(schema *arrow.Schema, keyNames []string) ([]int, error) {
	indices := make([]int, 0, len(keyNames))
	for _, name := range keyNames {
		matches := schema.FieldIndices(name)
		if len(matches) == 0 {
			fields := make([]string, 0, len(schema.Fields()))
			for _, f := range schema.Fields() {
				fields = append(fields, f.Name)
			}
			return nil, errors.Newf(
				"shuffle join key %q not found in schema %v", name, fields)
		}
		indices = append(indices, matches[0])
	}
	return indices, nil
}

// PartitionBatch splits a record into numPartitions by
// hash(join key columns) % numPartitions.
//
// The hash is a seeded 64-bit digest over the concatenated key-column
// values, so any two calls with the same inputs produce the same
// placement on every node. Row order within each partition follows the
// input row order, and the output rows across all partitions sum to the
// input rows.
func PartitionBatch(rec arrow.Record, keyIndices []int, numPartitions int) ([]arrow.Record, error) {
	if numPartitions == 0 {
		return nil, errors.New("numPartitions must be > 0")
	}

	schema := rec.Schema()
	numRows := int(rec.NumRows())

	builders := make([]*array.RecordBuilder, numPartitions)
	for p := range builders {
		builders[p] = array.NewRecordBuilder(memory.DefaultAllocator, schema)
		defer builders[p].Release()
	}

	hasher := xxhash.New()
	var scratch [8]byte
	for row := 0; row < numRows; row++ {
		hasher.Reset()
		binary.LittleEndian.PutUint64(scratch[:], hashSeed)
		_, _ = hasher.Write(scratch[:])
		for _, keyIdx := range keyIndices {
			if err := hashValue(hasher, rec.Column(keyIdx), row, scratch[:]); err != nil {
				return nil, err
			}
		}
		p := int(hasher.Sum64() % uint64(numPartitions))

		b := builders[p]
		for c := 0; c < int(rec.NumCols()); c++ {
			if err := appendValue(b.Field(c), rec.Column(c), row); err != nil {
				return nil, err
			}
		}
	}

	out := make([]arrow.Record, numPartitions)
	for p, b := range builders {
		out[p] = b.NewRecord()
	}
	return out, nil
}

// hashValue feeds one cell into the row digest. A null byte-tag keeps
// null and empty-string rows distinct.
func hashValue(h *xxhash.Digest, col arrow.Array, row int, scratch []byte) error {
	if col.IsNull(row) {
		_, _ = h.Write([]byte{0})
		return nil
	}
	_, _ = h.Write([]byte{1})

	switch c := col.(type) {
	case *array.Boolean:
		if c.Value(row) {
			_, _ = h.Write([]byte{1})
		} else {
			_, _ = h.Write([]byte{0})
		}
	case *array.Int8:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.Int16:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.Int32:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.Int64:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.Uint8:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.Uint16:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.Uint32:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.Uint64:
		binary.LittleEndian.PutUint64(scratch, c.Value(row))
		_, _ = h.Write(scratch)
	case *array.Float32:
		binary.LittleEndian.PutUint64(scratch, uint64(math.Float32bits(c.Value(row))))
		_, _ = h.Write(scratch)
	case *array.Float64:
		binary.LittleEndian.PutUint64(scratch, math.Float64bits(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.String:
		_, _ = h.WriteString(c.Value(row))
	case *array.Binary:
		_, _ = h.Write(c.Value(row))
	case *array.Date32:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.Date64:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	case *array.Timestamp:
		binary.LittleEndian.PutUint64(scratch, uint64(c.Value(row)))
		_, _ = h.Write(scratch)
	default:
		return errors.Newf("unsupported join key type %s", col.DataType())
	}
	return nil
}

// appendValue copies one cell from col into the partition builder.
func appendValue(b array.Builder, col arrow.Array, row int) error {
	if col.IsNull(row) {
		b.AppendNull()
		return nil
	}

	switch c := col.(type) {
	case *array.Boolean:
		b.(*array.BooleanBuilder).Append(c.Value(row))
	case *array.Int8:
		b.(*array.Int8Builder).Append(c.Value(row))
	case *array.Int16:
		b.(*array.Int16Builder).Append(c.Value(row))
	case *array.Int32:
		b.(*array.Int32Builder).Append(c.Value(row))
	case *array.Int64:
		b.(*array.Int64Builder).Append(c.Value(row))
	case *array.Uint8:
		b.(*array.Uint8Builder).Append(c.Value(row))
	case *array.Uint16:
		b.(*array.Uint16Builder).Append(c.Value(row))
	case *array.Uint32:
		b.(*array.Uint32Builder).Append(c.Value(row))
	case *array.Uint64:
		b.(*array.Uint64Builder).Append(c.Value(row))
	case *array.Float32:
		b.(*array.Float32Builder).Append(c.Value(row))
	case *array.Float64:
		b.(*array.Float64Builder).Append(c.Value(row))
	case *array.String:
		b.(*array.StringBuilder).Append(c.Value(row))
	case *array.Binary:
		b.(*array.BinaryBuilder).Append(c.Value(row))
	case *array.Date32:
		b.(*array.Date32Builder).Append(c.Value(row))
	case *array.Date64:
		b.(*array.Date64Builder).Append(c.Value(row))
	case *array.Timestamp:
		b.(*array.TimestampBuilder).Append(c.Value(row))
	default:
		return errors.Newf("unsupported column type %s", col.DataType())
	}
	return nil
}
