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

// Package engine holds the boundary contract to the embedded columnar
// engine. The engine itself (storage, parsing, vectorized execution) is
// an external collaborator; the substrate only depends on these
// interfaces.
package engine

import (
	"sync"

	"github.com/apache/arrow/go/v8/arrow"
)

// Connection is one session with the embedded engine. A Connection is
// not safe for concurrent use; subsystems that need parallelism clone
// it (one clone per worker) instead of sharing.
type Connection interface {
	// ExecuteBatch runs one or more statements that return no rows
	// (LOAD, DDL, service start calls).
	ExecuteBatch(sql string) error
	// QueryArrow runs a result-returning statement and collects the
	// full result as arrow record batches.
	QueryArrow(sql string) (*arrow.Schema, []arrow.Record, error)
	// Execute runs a statement and reports the number of affected rows.
	Execute(sql string) (int64, error)
	// TryClone opens an independent session against the same database.
	TryClone() (Connection, error)
	// Close releases the session.
	Close() error
}

// sharedConn is the process-wide connection used for DDL and extension
// loading. All access goes through the mutex; SELECT traffic belongs on
// cloned connections in the executor pool instead.
var sharedConn struct {
	mu   sync.Mutex
	conn Connection
}

// SetShared installs the process-wide connection. Call once at boot.
func SetShared(conn Connection) {
	sharedConn.mu.Lock()
	defer sharedConn.mu.Unlock()
	sharedConn.conn = conn
}

// WithShared runs fn while holding the shared-connection mutex. The
// bool is false (and fn is not called) when no connection is installed,
// so callers can degrade gracefully.
func WithShared(fn func(Connection) error) (bool, error) {
	sharedConn.mu.Lock()
	defer sharedConn.mu.Unlock()
	if sharedConn.conn == nil {
		return false, nil
	}
	return true, fn(sharedConn.conn)
}

// CloneShared opens an independent session off the shared connection,
// holding the mutex for the duration of the clone. The bool is false
// when no connection is installed.
func CloneShared() (Connection, bool, error) {
	sharedConn.mu.Lock()
	defer sharedConn.mu.Unlock()
	if sharedConn.conn == nil {
		return nil, false, nil
	}
	conn, err := sharedConn.conn.TryClone()
	return conn, true, err
}

// HasShared reports whether a shared connection is installed.
func HasShared() bool {
	sharedConn.mu.Lock()
	defer sharedConn.mu.Unlock()
	return sharedConn.conn != nil
}

// ResetShared removes the shared connection. Used in tests and at
// shutdown.
func ResetShared() {
	sharedConn.mu.Lock()
	defer sharedConn.mu.Unlock()
	sharedConn.conn = nil
}
