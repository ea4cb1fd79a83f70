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
	"testing"

	"github.com/apache/arrow/go/v8/arrow"
	"github.com/apache/arrow/go/v8/arrow/array"
	"github.com/apache/arrow/go/v8/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch(t *testing.T) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues(
		[]string{"a", "b", "c", "d", "e", "f", "g", "h"}, nil)
	return b.NewRecord()
}

func totalRows(recs []arrow.Record) int64 {
	var total int64
	for _, r := range recs {
		total += r.NumRows()
	}
	return total
}

func TestPartition_PreservesTotalRows(t *testing.T) {
	batch := testBatch(t)
	defer batch.Release()

	parts, err := PartitionBatch(batch, []int{0}, 3)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, int64(8), totalRows(parts))
}

func TestPartition_SinglePartition(t *testing.T) {
	batch := testBatch(t)
	defer batch.Release()

	parts, err := PartitionBatch(batch, []int{0}, 1)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, int64(8), parts[0].NumRows())
}

func TestPartition_MorePartitionsThanRows(t *testing.T) {
	batch := testBatch(t)
	defer batch.Release()

	parts, err := PartitionBatch(batch, []int{0}, 100)
	require.NoError(t, err)
	require.Len(t, parts, 100)
	assert.Equal(t, int64(8), totalRows(parts))
}

func TestPartition_EmptyBatch(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	batch := b.NewRecord()
	defer batch.Release()

	parts, err := PartitionBatch(batch, []int{0}, 2)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.Equal(t, int64(0), p.NumRows())
		assert.True(t, p.Schema().Equal(schema))
	}
}

func TestPartition_ZeroPartitionsErrors(t *testing.T) {
	batch := testBatch(t)
	defer batch.Release()

	_, err := PartitionBatch(batch, []int{0}, 0)
	assert.Error(t, err)
}

func TestPartition_Deterministic(t *testing.T) {
	batch := testBatch(t)
	defer batch.Release()

	p1, err := PartitionBatch(batch, []int{0}, 3)
	require.NoError(t, err)
	p2, err := PartitionBatch(batch, []int{0}, 3)
	require.NoError(t, err)

	for i := range p1 {
		assert.Equal(t, p1[i].NumRows(), p2[i].NumRows())
	}
}

func TestPartition_SchemaPreserved(t *testing.T) {
	batch := testBatch(t)
	defer batch.Release()

	parts, err := PartitionBatch(batch, []int{0, 1}, 4)
	require.NoError(t, err)
	for _, p := range parts {
		assert.True(t, p.Schema().Equal(batch.Schema()))
	}
}

func TestPartition_RowOrderStable(t *testing.T) {
	batch := testBatch(t)
	defer batch.Release()

	parts, err := PartitionBatch(batch, []int{0}, 3)
	require.NoError(t, err)

	// Ids inside each partition must keep their input order.
	for _, p := range parts {
		ids := p.Column(0).(*array.Int64)
		for i := 1; i < ids.Len(); i++ {
			assert.Less(t, ids.Value(i-1), ids.Value(i))
		}
	}
}

func TestPartition_NullKeysGrouped(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "k", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	sb := b.Field(0).(*array.StringBuilder)
	sb.Append("x")
	sb.AppendNull()
	sb.AppendNull()
	sb.Append("x")
	batch := b.NewRecord()
	defer batch.Release()

	parts, err := PartitionBatch(batch, []int{0}, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), totalRows(parts))

	// All nulls land in the same partition, as do all equal keys.
	nullPart, xPart := -1, -1
	for pid, p := range parts {
		col := p.Column(0).(*array.String)
		for i := 0; i < col.Len(); i++ {
			if col.IsNull(i) {
				if nullPart == -1 {
					nullPart = pid
				}
				assert.Equal(t, nullPart, pid)
			} else {
				if xPart == -1 {
					xPart = pid
				}
				assert.Equal(t, xPart, pid)
			}
		}
	}
}

func TestResolveKeyIndices_Found(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)

	indices, err := ResolveKeyIndices(schema, []string{"name", "id"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, indices)
}

func TestResolveKeyIndices_NotFound(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	_, err := ResolveKeyIndices(schema, []string{"missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Contains(t, err.Error(), "id")
}
