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

package shmem

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// SegmentTable manages dynamic segments passed between backends and the
// worker by handle. Handles are what crosses the shared region; the
// bytes live in the table.
type SegmentTable struct {
	mu   sync.Mutex
	next uint32
	segs map[uint32][]byte
}

// NewSegmentTable builds an empty table.
func NewSegmentTable() *SegmentTable {
	return &SegmentTable{segs: make(map[uint32][]byte)}
}

var defaultSegments = NewSegmentTable()

// Segments returns the process-wide segment table.
func Segments() *SegmentTable {
	return defaultSegments
}

// Create allocates a segment of the given size and returns its handle.
// Handle 0 is never issued; slots use it as "unset".
func (t *SegmentTable) Create(size int) (uint32, error) {
	if size <= 0 {
		return 0, errors.Newf("invalid segment size %d", size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	if t.next == 0 {
		t.next++
	}
	handle := t.next
	t.segs[handle] = make([]byte, size)
	return handle, nil
}

// Attach resolves a handle to its bytes.
func (t *SegmentTable) Attach(handle uint32) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seg, ok := t.segs[handle]
	if !ok {
		return nil, errors.Newf("unknown segment handle %d", handle)
	}
	return seg, nil
}

// Detach frees a segment. Unknown handles are ignored.
func (t *SegmentTable) Detach(handle uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.segs, handle)
}
