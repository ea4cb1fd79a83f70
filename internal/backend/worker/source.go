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

package worker

import (
	"strconv"

	"github.com/apache/arrow/go/v8/arrow"
	"github.com/apache/arrow/go/v8/arrow/array"
	"github.com/cockroachdb/errors"

	"github.com/p-hoffmann/trexsql/internal/backend/shmem"
	"github.com/p-hoffmann/trexsql/internal/executor"
)

// catalogQuery lists the cluster's distributed tables.
const catalogQuery = "SELECT schema_name, table_name, node_name, approx_rows FROM trex_db_tables()"

// EngineCatalogSource feeds catalog refreshes from trex_db_tables()
// through the executor pool.
type EngineCatalogSource struct {
	pool *executor.Pool
}

var _ CatalogSource = (*EngineCatalogSource)(nil)

// NewEngineCatalogSource builds a source over an executor pool.
func NewEngineCatalogSource(pool *executor.Pool) *EngineCatalogSource {
	return &EngineCatalogSource{pool: pool}
}

// Tables runs the catalog query and converts the result.
func (s *EngineCatalogSource) Tables() ([]shmem.TableRow, error) {
	result := <-s.pool.Submit(catalogQuery)
	if result.Err != nil {
		return nil, errors.Wrap(result.Err, "query trex_db_tables")
	}
	if result.Select == nil {
		return nil, errors.New("trex_db_tables returned no result set")
	}

	var rows []shmem.TableRow
	for _, batch := range result.Select.Batches {
		if batch.NumCols() < 4 {
			return nil, errors.Newf(
				"trex_db_tables returned %d columns, want 4", batch.NumCols())
		}
		for i := 0; i < int(batch.NumRows()); i++ {
			approx, err := cellUint64(batch.Column(3), i)
			if err != nil {
				return nil, errors.Wrap(err, "read trex_db_tables row")
			}
			rows = append(rows, shmem.TableRow{
				Schema:     cellString(batch.Column(0), i),
				Table:      cellString(batch.Column(1), i),
				Node:       cellString(batch.Column(2), i),
				ApproxRows: approx,
			})
		}
	}
	return rows, nil
}

func cellString(col arrow.Array, row int) string {
	if col.IsNull(row) {
		return ""
	}
	if c, ok := col.(*array.String); ok {
		return c.Value(row)
	}
	return ""
}

func cellUint64(col arrow.Array, row int) (uint64, error) {
	if col.IsNull(row) {
		return 0, nil
	}
	switch c := col.(type) {
	case *array.Uint64:
		return c.Value(row), nil
	case *array.Int64:
		if c.Value(row) < 0 {
			return 0, nil
		}
		return uint64(c.Value(row)), nil
	case *array.Int32:
		if c.Value(row) < 0 {
			return 0, nil
		}
		return uint64(c.Value(row)), nil
	case *array.String:
		v, err := strconv.ParseUint(c.Value(row), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "approx_rows %q", c.Value(row))
		}
		return v, nil
	default:
		return 0, errors.Newf("unsupported approx_rows type %s", col.DataType())
	}
}
