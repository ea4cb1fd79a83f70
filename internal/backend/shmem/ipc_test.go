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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestRequest_RoundTrip(t *testing.T) {
	seg := make([]byte, RequestQueueSize)
	require.NoError(t, EncodeRequest(seg, QueryFlagDistributed, "SELECT 1"))

	req, err := DecodeRequest(seg)
	require.NoError(t, err)
	assert.Equal(t, QueryFlagDistributed, req.Flags)
	assert.Equal(t, "SELECT 1", req.SQL)
}

func TestRequest_TooLarge(t *testing.T) {
	seg := make([]byte, RequestQueueSize)
	huge := strings.Repeat("x", RequestQueueSize)
	assert.Error(t, EncodeRequest(seg, QueryFlagLocal, huge))
}

func TestResponseRows_RoundTrip(t *testing.T) {
	seg := make([]byte, ResponseQueueSize)
	rows := Rows{
		Columns: []string{"id", "name"},
		Values: [][]*string{
			{strPtr("1"), strPtr("alice")},
			{strPtr("2"), nil},
		},
	}
	require.NoError(t, EncodeResponseRows(seg, rows))

	decoded, err := DecodeResponse(seg)
	require.NoError(t, err)
	assert.Equal(t, rows.Columns, decoded.Columns)
	require.Len(t, decoded.Values, 2)
	assert.Equal(t, "alice", *decoded.Values[0][1])
	assert.Nil(t, decoded.Values[1][1], "NULL must survive the round trip")
}

func TestResponseRows_Overflow(t *testing.T) {
	seg := make([]byte, 64)
	rows := Rows{
		Columns: []string{"blob"},
		Values:  [][]*string{{strPtr(strings.Repeat("x", 1024))}},
	}
	assert.Error(t, EncodeResponseRows(seg, rows))
}

func TestResponseError_RoundTrip(t *testing.T) {
	seg := make([]byte, ResponseQueueSize)
	EncodeResponseError(seg, "relation does not exist")

	_, err := DecodeResponse(seg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation does not exist")
}

func TestSlot_AcquireRelease(t *testing.T) {
	region := New()

	slots := make([]int, 0, MaxConcurrent)
	for i := 0; i < MaxConcurrent; i++ {
		s, err := AcquireSlot(region)
		require.NoError(t, err)
		slots = append(slots, s)
	}

	// Every slot distinct, and the region is now full.
	seen := map[int]bool{}
	for _, s := range slots {
		assert.False(t, seen[s])
		seen[s] = true
	}
	_, err := AcquireSlot(region)
	assert.Error(t, err)

	ReleaseSlot(region, NewSegmentTable(), slots[0])
	s, err := AcquireSlot(region)
	require.NoError(t, err)
	assert.Equal(t, slots[0], s)
}

func TestExecuteQuery_WorkerNotRunning(t *testing.T) {
	region := New()
	_, err := ExecuteQuery(region, NewSegmentTable(), "SELECT 1", QueryFlagLocal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestSegmentTable(t *testing.T) {
	segs := NewSegmentTable()

	h, err := segs.Create(128)
	require.NoError(t, err)
	assert.NotZero(t, h)

	buf, err := segs.Attach(h)
	require.NoError(t, err)
	assert.Len(t, buf, 128)

	segs.Detach(h)
	_, err = segs.Attach(h)
	assert.Error(t, err)

	_, err = segs.Create(0)
	assert.Error(t, err)
}
