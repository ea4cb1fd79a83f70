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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-hoffmann/trexsql/internal/backend/shmem"
	"github.com/p-hoffmann/trexsql/internal/util/paramtable"
)

// mapCatalog fakes the host syscache.
type mapCatalog map[uint32]bool

func (m mapCatalog) RelationExists(relID uint32) bool { return m[relID] }

func runningRegion(tables ...string) *shmem.Shmem {
	region := shmem.New()
	region.WorkerState.Store(shmem.WorkerStateRunning)
	rows := make([]shmem.TableRow, 0, len(tables))
	for _, tbl := range tables {
		rows = append(rows, shmem.TableRow{Schema: "public", Table: tbl, Node: "node-a"})
	}
	shmem.RefreshCatalog(region, rows)
	return region
}

func selectQuery(entries ...RangeTableEntry) *Query {
	return &Query{
		CommandType: CommandSelect,
		QueryID:     7,
		SQL:         "SELECT * FROM orders",
		RangeTable:  entries,
	}
}

func TestPlan_RoutesDistributedOnlyQuery(t *testing.T) {
	h := NewHook(runningRegion("orders"), mapCatalog{}, nil)

	plan := h.Plan(selectQuery(RangeTableEntry{Kind: RTERelation, RelID: 100, RelName: "orders"}))
	require.NotNil(t, plan)
	require.NotNil(t, plan.Scan)
	assert.Equal(t, "SELECT * FROM orders", plan.Scan.SQL)
	assert.Equal(t, uint64(7), plan.QueryID)
}

func TestPlan_DeclinesLocalRelation(t *testing.T) {
	h := NewHook(runningRegion("orders"), mapCatalog{200: true}, nil)

	plan := h.Plan(selectQuery(
		RangeTableEntry{Kind: RTERelation, RelID: 100, RelName: "orders"},
		RangeTableEntry{Kind: RTERelation, RelID: 200, RelName: "local_t"},
	))
	assert.Nil(t, plan)
}

func TestPlan_DeclinesUnknownRelation(t *testing.T) {
	h := NewHook(runningRegion("orders"), mapCatalog{}, nil)

	plan := h.Plan(selectQuery(
		RangeTableEntry{Kind: RTERelation, RelID: 100, RelName: "orders"},
		RangeTableEntry{Kind: RTERelation, RelID: 300, RelName: "nowhere"},
	))
	assert.Nil(t, plan)
}

func TestPlan_DeclinesWhenWorkerStopped(t *testing.T) {
	region := runningRegion("orders")
	region.WorkerState.Store(shmem.WorkerStateStopped)
	h := NewHook(region, mapCatalog{}, nil)

	plan := h.Plan(selectQuery(RangeTableEntry{Kind: RTERelation, RelID: 100, RelName: "orders"}))
	assert.Nil(t, plan)
}

func TestPlan_NonSelectChainsThrough(t *testing.T) {
	called := false
	prev := func(q *Query) *PlannedStmt {
		called = true
		return &PlannedStmt{CommandType: q.CommandType}
	}
	h := NewHook(runningRegion("orders"), mapCatalog{}, prev)

	plan := h.Plan(&Query{CommandType: CommandOther, SQL: "UPDATE t SET x = 1"})
	require.NotNil(t, plan)
	assert.Nil(t, plan.Scan)
	assert.True(t, called)
}

func TestPlan_EmptyRangeTableDeclines(t *testing.T) {
	h := NewHook(runningRegion("orders"), mapCatalog{}, nil)
	assert.Nil(t, h.Plan(selectQuery()))
}

func TestPlan_NonRelationEntriesIgnored(t *testing.T) {
	h := NewHook(runningRegion("orders"), mapCatalog{}, nil)

	// A subquery RTE alongside a distributed relation still routes.
	plan := h.Plan(selectQuery(
		RangeTableEntry{Kind: RTEOther},
		RangeTableEntry{Kind: RTERelation, RelID: 100, RelName: "orders"},
	))
	assert.NotNil(t, plan)

	// Only non-relation entries: nothing to route.
	plan = h.Plan(selectQuery(RangeTableEntry{Kind: RTEOther}))
	assert.Nil(t, plan)
}

func TestPlan_ConflictPolicy(t *testing.T) {
	// "orders" exists in both catalogs.
	region := runningRegion("orders")
	local := mapCatalog{100: true}

	h := NewHook(region, local, nil)
	assert.True(t, h.preferLocalOnConflict)
	plan := h.Plan(selectQuery(RangeTableEntry{Kind: RTERelation, RelID: 100, RelName: "orders"}))
	assert.Nil(t, plan, "default policy declines routing on conflict")

	paramtable.Get().Save("planner.preferLocalOnConflict", "false")
	defer paramtable.Get().Save("planner.preferLocalOnConflict", "true")

	h = NewHook(region, local, nil)
	plan = h.Plan(selectQuery(RangeTableEntry{Kind: RTERelation, RelID: 100, RelName: "orders"}))
	assert.NotNil(t, plan, "distributed copy wins when configured")
}

func TestScan_Lifecycle(t *testing.T) {
	// A region with no running worker: Exec surfaces the error.
	region := shmem.New()
	segs := shmem.NewSegmentTable()
	scan := BeginScan(&CustomScanNode{SQL: "SELECT 1"}, region, segs, shmem.QueryFlagDistributed)

	_, _, err := scan.Exec()
	require.Error(t, err)

	assert.Contains(t, scan.Explain(), "pg_trex Distributed Query")
	assert.Contains(t, scan.Explain(), "SELECT 1")
	scan.EndScan()
}

func TestScan_RescanResetsCursor(t *testing.T) {
	scan := &Scan{
		executed: true,
		rows: shmem.Rows{
			Columns: []string{"n"},
			Values:  [][]*string{{strPtr("1")}, {strPtr("2")}},
		},
	}

	row, ok, err := scan.Exec()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", *row[0])

	row, ok, err = scan.Exec()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", *row[0])

	_, ok, err = scan.Exec()
	require.NoError(t, err)
	assert.False(t, ok, "cleared slot at end of stream")

	scan.Rescan()
	row, ok, err = scan.Exec()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", *row[0])

	assert.Equal(t, []string{"n"}, scan.Columns())
}

func strPtr(s string) *string { return &s }
