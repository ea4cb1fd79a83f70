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

// Package etl supervises long-running replication pipelines: a
// process-wide registry of lifecycle state machines with cooperative
// shutdown.
package etl

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Mode selects which replication phases a pipeline runs.
type Mode int

const (
	// ModeCopyAndCdc snapshots the source and then streams changes.
	ModeCopyAndCdc Mode = iota
	// ModeCdcOnly streams changes without an initial snapshot.
	ModeCdcOnly
	// ModeCopyOnly snapshots and stops.
	ModeCopyOnly
)

// String returns the wire form of the mode.
func (m Mode) String() string {
	switch m {
	case ModeCopyAndCdc:
		return "copy_and_cdc"
	case ModeCdcOnly:
		return "cdc_only"
	case ModeCopyOnly:
		return "copy_only"
	default:
		return "unknown"
	}
}

// ParseMode parses the wire form case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "copy_and_cdc":
		return ModeCopyAndCdc, nil
	case "cdc_only":
		return ModeCdcOnly, nil
	case "copy_only":
		return ModeCopyOnly, nil
	default:
		return 0, errors.Newf(
			"invalid mode %q, must be one of: copy_and_cdc, cdc_only, copy_only", s)
	}
}

// SnapshotEnabled reports whether the mode includes the initial copy.
func (m Mode) SnapshotEnabled() bool {
	return m == ModeCopyAndCdc || m == ModeCopyOnly
}

// State is a pipeline's lifecycle state.
type State int

const (
	// StateStarting is the reserved-but-not-yet-running state.
	StateStarting State = iota
	// StateSnapshotting is the initial copy phase.
	StateSnapshotting
	// StateStreaming is the CDC phase.
	StateStreaming
	// StateStopping means shutdown was requested.
	StateStopping
	// StateStopped is terminal.
	StateStopped
	// StateError is terminal and reachable from any non-terminal state.
	StateError
)

// String returns the wire form of the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSnapshotting:
		return "snapshotting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no transition back to a
// non-terminal state.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Info is the externally visible snapshot of a pipeline.
type Info struct {
	Name  string
	State State
	Mode  Mode
	// ConnectionString is always the masked form.
	ConnectionString string
	Publication      string
	SnapshotEnabled  bool
	RowsReplicated   uint64
	LastActivity     time.Time
	ErrorMessage     string
}
