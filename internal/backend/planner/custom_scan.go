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

package planner

import (
	"fmt"

	"github.com/p-hoffmann/trexsql/internal/backend/shmem"
)

// Scan executes a routed query through the IPC bridge and streams rows
// back one tuple at a time.
type Scan struct {
	sql    string
	flags  uint32
	region *shmem.Shmem
	segs   *shmem.SegmentTable

	executed bool
	rows     shmem.Rows
	cursor   int
}

// BeginScan allocates per-scan state from a routed plan node. No slot
// is reserved yet; the first Exec call does that.
func BeginScan(node *CustomScanNode, region *shmem.Shmem, segs *shmem.SegmentTable, flags uint32) *Scan {
	return &Scan{
		sql:    node.SQL,
		flags:  flags,
		region: region,
		segs:   segs,
	}
}

// Exec returns the next tuple as text datums (nil preserving NULL), or
// (nil, false) at end of stream. The first call runs the query
// synchronously through the worker.
func (s *Scan) Exec() ([]*string, bool, error) {
	if !s.executed {
		rows, err := shmem.ExecuteQuery(s.region, s.segs, s.sql, s.flags)
		if err != nil {
			return nil, false, err
		}
		s.rows = rows
		s.cursor = 0
		s.executed = true
	}

	if s.cursor >= len(s.rows.Values) {
		return nil, false, nil
	}
	row := s.rows.Values[s.cursor]
	s.cursor++
	return row, true, nil
}

// Columns exposes the result column names once Exec has run.
func (s *Scan) Columns() []string {
	return s.rows.Columns
}

// Rescan resets the row cursor without re-executing.
func (s *Scan) Rescan() {
	s.cursor = 0
}

// EndScan drops buffered rows. Slots are released by ExecuteQuery
// itself, so there is nothing IPC-side left to undo here.
func (s *Scan) EndScan() {
	s.rows = shmem.Rows{}
	s.cursor = 0
	s.executed = false
}

// Explain renders the node for EXPLAIN output.
func (s *Scan) Explain() string {
	return fmt.Sprintf("pg_trex Distributed Query\n  SQL: %s", s.sql)
}
