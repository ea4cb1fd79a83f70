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
	"context"
	"io"
	"sync"
	"testing"

	"github.com/apache/arrow/go/v8/arrow"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceStream replays a fixed set of records.
type sliceStream struct {
	schema *arrow.Schema
	recs   []arrow.Record
	pos    int
	err    error
}

func (s *sliceStream) Schema() *arrow.Schema { return s.schema }

func (s *sliceStream) Next(context.Context) (arrow.Record, error) {
	if s.pos >= len(s.recs) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	rec := s.recs[s.pos]
	s.pos++
	return rec, nil
}

// recordingSender captures dispatched partitions.
type recordingSender struct {
	mu    sync.Mutex
	sent  map[int]int64 // partition id -> rows
	errOn int           // partition id to fail, -1 for none
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[int]int64), errOn: -1}
}

func (s *recordingSender) SendPartition(_ context.Context, _ string, _ *Descriptor, partitionID int, _ *arrow.Schema, batches []arrow.Record) error {
	if partitionID == s.errOn {
		return errors.New("peer unreachable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range batches {
		s.sent[partitionID] += b.NumRows()
	}
	return nil
}

func writerDescriptor(n int) *Descriptor {
	targets := make([]Target, n)
	for i := range targets {
		targets[i] = Target{
			PartitionID:    i,
			FlightEndpoint: "http://10.0.0.1:8815",
			NodeName:       "node",
		}
	}
	return &Descriptor{
		ShuffleID:        "writer-test",
		JoinKeys:         []string{"id"},
		NumPartitions:    n,
		PartitionTargets: targets,
	}
}

func drain(t *testing.T, s RecordStream) ([]arrow.Record, error) {
	t.Helper()
	var out []arrow.Record
	for {
		rec, err := s.Next(context.Background())
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func TestWriter_RoutesRemoteAndRetainsLocal(t *testing.T) {
	reg := NewRegistry()
	reg.Register("writer-test", 1)
	sender := newRecordingSender()

	input := &sliceStream{
		schema: testBatch(t).Schema(),
		recs:   []arrow.Record{testBatch(t)},
	}
	w := NewWriter(input, writerDescriptor(2), []int{0}, 0, reg, sender)

	out, err := drain(t, w.Execute(context.Background()))
	require.NoError(t, err)

	var localRows int64
	for _, r := range out {
		localRows += r.NumRows()
	}

	var remoteRows int64
	sender.mu.Lock()
	for pid, rows := range sender.sent {
		assert.NotEqual(t, 0, pid, "local partition must not be sent remotely")
		remoteRows += rows
	}
	sender.mu.Unlock()

	assert.Equal(t, int64(8), localRows+remoteRows)

	// The local partition landed in the registry too.
	batches, err := reg.WaitForPartition(context.Background(), "writer-test", 0, 1)
	require.NoError(t, err)
	var regRows int64
	for _, b := range batches {
		regRows += b.NumRows()
	}
	assert.Equal(t, localRows, regRows)
}

func TestWriter_SinglePartitionIsAllLocal(t *testing.T) {
	reg := NewRegistry()
	reg.Register("writer-test", 1)
	sender := newRecordingSender()

	input := &sliceStream{
		schema: testBatch(t).Schema(),
		recs:   []arrow.Record{testBatch(t)},
	}
	w := NewWriter(input, writerDescriptor(1), []int{0}, 0, reg, sender)

	// Single-partition shuffle: everything is local, no sends at all.
	out, err := drain(t, w.Execute(context.Background()))
	require.NoError(t, err)
	var rows int64
	for _, r := range out {
		rows += r.NumRows()
	}
	assert.Equal(t, int64(8), rows)
	assert.Empty(t, sender.sent)
}

func TestWriter_InputErrorSurfaces(t *testing.T) {
	reg := NewRegistry()
	sender := newRecordingSender()

	input := &sliceStream{
		schema: testBatch(t).Schema(),
		recs:   nil,
		err:    errors.New("child exploded"),
	}
	w := NewWriter(input, writerDescriptor(2), []int{0}, 0, reg, sender)

	_, err := drain(t, w.Execute(context.Background()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "child exploded")
}

func TestWriter_RemoteSendErrorSurfaces(t *testing.T) {
	reg := NewRegistry()
	reg.Register("writer-test", 1)
	sender := newRecordingSender()

	// Partition by a constant key so every row lands in one partition,
	// make the writer local to the other one, and fail the send.
	batch := makeBatch(t, []int64{5, 5, 5, 5})
	probe, err := PartitionBatch(batch, []int{0}, 2)
	require.NoError(t, err)
	target := 0
	if probe[1].NumRows() > 0 {
		target = 1
	}
	sender.errOn = target

	input := &sliceStream{schema: batch.Schema(), recs: []arrow.Record{batch}}
	w := NewWriter(input, writerDescriptor(2), []int{0}, 1-target, reg, sender)

	_, err = drain(t, w.Execute(context.Background()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send partition")
}

func TestWriter_OutputPartitions(t *testing.T) {
	w := NewWriter(&sliceStream{schema: testBatch(t).Schema()}, writerDescriptor(2), []int{0}, 0, NewRegistry(), newRecordingSender())
	assert.Equal(t, 1, w.OutputPartitions())
	assert.Contains(t, w.String(), "writer-test")
}
