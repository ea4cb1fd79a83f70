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
)

// Reader is the consuming side of a shuffle: it waits in the registry
// until all expected sources have delivered its partition, then streams
// the accumulated batches.
type Reader struct {
	schema          *arrow.Schema
	shuffleID       string
	partitionID     int
	expectedSources int
	registry        *Registry
}

// NewReader builds a reader for one partition of a shuffle.
func NewReader(schema *arrow.Schema, shuffleID string, partitionID, expectedSources int, registry *Registry) *Reader {
	return &Reader{
		schema:          schema,
		shuffleID:       shuffleID,
		partitionID:     partitionID,
		expectedSources: expectedSources,
		registry:        registry,
	}
}

// String describes the operator for plan rendering.
func (r *Reader) String() string {
	return fmt.Sprintf("ShuffleReader: shuffle_id=%s, partition=%d, sources=%d",
		r.shuffleID, r.partitionID, r.expectedSources)
}

// Execute returns the reader's output stream. The rendezvous wait
// happens lazily on the first Next call.
func (r *Reader) Execute(ctx context.Context) RecordStream {
	return &readerStream{reader: r}
}

type readerStream struct {
	reader  *Reader
	fetched bool
	batches []arrow.Record
	pos     int
}

func (s *readerStream) Schema() *arrow.Schema { return s.reader.schema }

func (s *readerStream) Next(ctx context.Context) (arrow.Record, error) {
	if !s.fetched {
		batches, err := s.reader.registry.WaitForPartition(
			ctx, s.reader.shuffleID, s.reader.partitionID, s.reader.expectedSources)
		if err != nil {
			return nil, err
		}
		s.batches = batches
		s.fetched = true
	}
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	rec := s.batches[s.pos]
	s.pos++
	return rec, nil
}
