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
	"fmt"
	"io"

	"github.com/apache/arrow/go/v8/arrow"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/p-hoffmann/trexsql/internal/log"
	"github.com/p-hoffmann/trexsql/internal/metrics"
)

// RecordStream is a pull stream of record batches, the substrate's
// execution-time currency between plan operators. Next returns io.EOF
// when the stream is exhausted.
type RecordStream interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.Record, error)
}

// PartitionSender dispatches one partition's batches to a peer node.
// Implementations must not return nil until the peer's registry has
// atomically accumulated the batches.
type PartitionSender interface {
	SendPartition(ctx context.Context, endpoint string, desc *Descriptor, partitionID int, schema *arrow.Schema, batches []arrow.Record) error
}

// Writer is the plan operator that consumes its child stream,
// hash-partitions every batch, sends remote partitions to their target
// nodes, and retains the local partition in the shuffle registry. Its
// single output partition re-emits the locally retained batches.
type Writer struct {
	input            RecordStream
	descriptor       *Descriptor
	joinKeyIndices   []int
	localPartitionID int
	registry         *Registry
	sender           PartitionSender
}

// NewWriter builds a writer. The registry and sender are handles so the
// operator carries no global state; both sides of the rendezvous key
// off the descriptor's shuffle id.
func NewWriter(input RecordStream, desc *Descriptor, joinKeyIndices []int, localPartitionID int, registry *Registry, sender PartitionSender) *Writer {
	return &Writer{
		input:            input,
		descriptor:       desc,
		joinKeyIndices:   joinKeyIndices,
		localPartitionID: localPartitionID,
		registry:         registry,
		sender:           sender,
	}
}

// String describes the operator for plan rendering.
func (w *Writer) String() string {
	return fmt.Sprintf("ShuffleWriter: shuffle_id=%s, keys=%v, partitions=%d, local_partition=%d",
		w.descriptor.ShuffleID, w.descriptor.JoinKeys,
		w.descriptor.NumPartitions, w.localPartitionID)
}

// OutputPartitions is always 1: the local partition.
func (w *Writer) OutputPartitions() int { return 1 }

// Execute starts the shuffle task on the shared runtime and returns the
// writer's output stream. Any partition or send error terminates the
// task and surfaces as the stream's single error.
func (w *Writer) Execute(ctx context.Context) RecordStream {
	out := &bufferedStream{
		schema: w.input.Schema(),
		ready:  make(chan struct{}),
	}

	go func() {
		batches, err := w.run(ctx)
		out.batches, out.err = batches, err
		close(out.ready)
	}()

	return out
}

func (w *Writer) run(ctx context.Context) ([]arrow.Record, error) {
	numPartitions := w.descriptor.NumPartitions
	buffers := make([][]arrow.Record, numPartitions)

	for {
		batch, err := w.input.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "input stream error")
		}
		if batch.NumRows() == 0 {
			continue
		}

		partitioned, err := PartitionBatch(batch, w.joinKeyIndices, numPartitions)
		if err != nil {
			return nil, errors.Wrap(err, "partition error")
		}
		for pid, pbatch := range partitioned {
			if pbatch.NumRows() > 0 {
				buffers[pid] = append(buffers[pid], pbatch)
			}
		}
		metrics.ShuffleRowsPartitioned.Add(float64(batch.NumRows()))
	}

	g, gctx := errgroup.WithContext(ctx)
	for pid := range buffers {
		if pid == w.localPartitionID || len(buffers[pid]) == 0 {
			continue
		}
		target, ok := w.descriptor.TargetForPartition(pid)
		if !ok {
			continue
		}
		pid, batches := pid, buffers[pid]
		g.Go(func() error {
			err := w.sender.SendPartition(gctx, target.FlightEndpoint,
				w.descriptor, pid, w.input.Schema(), batches)
			if err != nil {
				return errors.Wrapf(err, "failed to send partition %d to %s",
					pid, target.FlightEndpoint)
			}
			metrics.ShufflePartitionsSent.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	local := buffers[w.localPartitionID]
	localRows := int64(0)
	for _, b := range local {
		localRows += b.NumRows()
	}
	w.registry.Submit(w.descriptor.ShuffleID, w.localPartitionID, local)

	log.Debug("shuffle writer retained local partition",
		zap.String("shuffleID", w.descriptor.ShuffleID),
		zap.Int("localPartitionID", w.localPartitionID),
		zap.Int64("rows", localRows))

	return local, nil
}

// bufferedStream replays the writer task's result downstream once the
// task completes.
type bufferedStream struct {
	schema  *arrow.Schema
	ready   chan struct{}
	batches []arrow.Record
	err     error
	pos     int
}

func (s *bufferedStream) Schema() *arrow.Schema { return s.schema }

func (s *bufferedStream) Next(ctx context.Context) (arrow.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ready:
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	rec := s.batches[s.pos]
	s.pos++
	return rec, nil
}
