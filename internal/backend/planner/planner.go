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

// Package planner decides at plan time whether a query is routed to the
// analytical engine. A query routes only when every referenced relation
// is known to the distributed catalog, none exists only in the host's
// local catalog, and the background worker is running; a relation found
// in both catalogs declines routing when planner.preferLocalOnConflict
// is set and otherwise counts as distributed. Everything else falls
// through to the previous planner hook.
package planner

import (
	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/backend/shmem"
	"github.com/p-hoffmann/trexsql/internal/log"
	"github.com/p-hoffmann/trexsql/internal/util/paramtable"
)

// CommandType mirrors the host's statement classes; only Select is
// eligible for routing.
type CommandType int

// Statement classes.
const (
	CommandSelect CommandType = iota
	CommandOther
)

// RTEKind is the range-table entry kind.
type RTEKind int

// Range-table entry kinds; only relations participate in routing.
const (
	RTERelation RTEKind = iota
	RTEOther
)

// RangeTableEntry is one referenced object in a parsed query.
type RangeTableEntry struct {
	Kind    RTEKind
	RelID   uint32
	RelName string
}

// Query is the planner's view of a parsed statement.
type Query struct {
	CommandType CommandType
	QueryID     uint64
	SQL         string
	RangeTable  []RangeTableEntry
}

// PlannedStmt is the planning result: either a routed custom scan or
// whatever the chained planner produced.
type PlannedStmt struct {
	CommandType CommandType
	QueryID     uint64
	// Scan is set when the statement was routed.
	Scan *CustomScanNode
}

// CustomScanNode carries the original query text into execution; the
// scan delegates to the IPC bridge.
type CustomScanNode struct {
	SQL string
}

// LocalCatalog is the host syscache boundary: whether a relation oid
// exists as a local table.
type LocalCatalog interface {
	RelationExists(relID uint32) bool
}

// PlanFunc is a chained planner entry point.
type PlanFunc func(q *Query) *PlannedStmt

// Hook is the installed planner hook. Prev is the hook it chains to
// when routing declines.
type Hook struct {
	region *shmem.Shmem
	local  LocalCatalog
	prev   PlanFunc
	// preferLocalOnConflict declines routing when a relation appears
	// in both catalogs; when false the distributed copy wins.
	preferLocalOnConflict bool
}

// NewHook builds a planner hook chained onto prev. prev may be nil, in
// which case declined queries return a nil plan (standard planner).
func NewHook(region *shmem.Shmem, local LocalCatalog, prev PlanFunc) *Hook {
	return &Hook{
		region:                region,
		local:                 local,
		prev:                  prev,
		preferLocalOnConflict: paramtable.Get().GetBool("planner.preferLocalOnConflict"),
	}
}

// Plan is the hook entry point.
func (h *Hook) Plan(q *Query) *PlannedStmt {
	if q.CommandType != CommandSelect {
		return h.callPrev(q)
	}

	if h.shouldRoute(q) {
		log.Debug("routing query to analytical engine",
			zap.Uint64("queryID", q.QueryID))
		return &PlannedStmt{
			CommandType: CommandSelect,
			QueryID:     q.QueryID,
			Scan:        &CustomScanNode{SQL: q.SQL},
		}
	}

	return h.callPrev(q)
}

func (h *Hook) callPrev(q *Query) *PlannedStmt {
	if h.prev != nil {
		return h.prev(q)
	}
	return nil
}

// shouldRoute walks the range table. Every referenced relation must
// resolve to the distributed catalog; one that also resolves locally
// is decided by preferLocalOnConflict.
func (h *Hook) shouldRoute(q *Query) bool {
	if h.region.WorkerState.Load() != shmem.WorkerStateRunning {
		return false
	}
	if len(q.RangeTable) == 0 {
		return false
	}

	sawRelation := false
	for _, rte := range q.RangeTable {
		if rte.Kind != RTERelation {
			continue
		}
		sawRelation = true

		localExists := h.local.RelationExists(rte.RelID)
		distExists := shmem.CatalogContainsTable(h.region, rte.RelName)

		switch {
		case localExists && distExists:
			if h.preferLocalOnConflict {
				return false
			}
		case localExists:
			return false
		case !distExists:
			// Unknown to both catalogs: the engine cannot serve it.
			return false
		}
	}
	return sawRelation
}
