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
	"runtime"

	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/log"
)

// CatalogContainsTable reports whether a table name exists in the
// distributed catalog. Lock-free seqlock read: load the generation,
// scan, load it again; an odd or changed generation means a writer was
// active, so retry.
func CatalogContainsTable(region *Shmem, tableName string) bool {
	for {
		gen1 := region.Catalog.Generation.Load()
		if gen1%2 != 0 {
			runtime.Gosched()
			continue
		}

		count := int(region.Catalog.Count.Load())
		if count > MaxCatalogEntries {
			count = MaxCatalogEntries
		}

		found := false
		for i := 0; i < count; i++ {
			if region.Catalog.Entries[i].TableNameStr() == tableName {
				found = true
				break
			}
		}

		if region.Catalog.Generation.Load() == gen1 {
			return found
		}
		runtime.Gosched()
	}
}

// ReadCatalog snapshots all catalog entries with the seqlock read
// protocol. The returned slice is a point-in-time copy: every entry
// belongs to the same committed generation.
func ReadCatalog(region *Shmem) []CatalogEntry {
	for {
		gen1 := region.Catalog.Generation.Load()
		if gen1%2 != 0 {
			runtime.Gosched()
			continue
		}

		count := int(region.Catalog.Count.Load())
		if count > MaxCatalogEntries {
			count = MaxCatalogEntries
		}

		entries := make([]CatalogEntry, count)
		copy(entries, region.Catalog.Entries[:count])

		if region.Catalog.Generation.Load() == gen1 {
			return entries
		}
		runtime.Gosched()
	}
}

// TableRow is one row fed into a catalog refresh.
type TableRow struct {
	Schema     string
	Table      string
	Node       string
	ApproxRows uint64
}

// RefreshCatalog replaces the catalog contents. Single-writer only: the
// background worker owns this call; the double generation increment
// (odd while writing, even when done) is what keeps concurrent readers
// off the entries mid-update.
func RefreshCatalog(region *Shmem, rows []TableRow) int {
	if len(rows) > MaxCatalogEntries {
		log.Warn("distributed catalog truncated",
			zap.Int("tables", len(rows)),
			zap.Int("max", MaxCatalogEntries))
		rows = rows[:MaxCatalogEntries]
	}

	// Step 1: generation becomes odd, telling readers a write is in
	// progress.
	region.Catalog.Generation.Add(1)

	// Step 2: write count and entries. Plain writes are safe here: no
	// reader commits a snapshot taken while the generation is odd.
	region.Catalog.Count.Store(uint32(len(rows)))
	for i, row := range rows {
		e := &region.Catalog.Entries[i]
		e.SetNames(row.Schema, row.Table, row.Node)
		e.ApproxRows = row.ApproxRows
	}

	// Step 3: generation becomes even, committing the snapshot.
	region.Catalog.Generation.Add(1)

	log.Debug("distributed catalog refreshed", zap.Int("entries", len(rows)))
	return len(rows)
}
