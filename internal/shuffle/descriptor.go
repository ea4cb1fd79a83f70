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

// Package shuffle implements hash-partitioned row exchange between peer
// nodes: the wire descriptor, the partitioner, the in-process
// rendezvous registry, and the writer plan operator.
package shuffle

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Target is the endpoint for a single shuffle partition.
type Target struct {
	// PartitionID is the partition this target handles.
	PartitionID int `json:"partition_id"`
	// FlightEndpoint is the peer's exchange endpoint, e.g.
	// "http://10.0.0.1:8815".
	FlightEndpoint string `json:"flight_endpoint"`
	// NodeName is the human-readable peer name.
	NodeName string `json:"node_name"`
}

// Descriptor is the portable metadata for one shuffle operation,
// embedded as JSON in exchange headers.
type Descriptor struct {
	// ShuffleID is unique per query.
	ShuffleID string `json:"shuffle_id"`
	// JoinKeys are the column names hashed for partitioning, in order.
	JoinKeys []string `json:"join_keys"`
	// NumPartitions is typically the number of participating nodes.
	NumPartitions int `json:"num_partitions"`
	// PartitionTargets maps each partition to its receiving node.
	PartitionTargets []Target `json:"partition_targets"`
	// TargetTable, when set, tells the receiver to insert batches into
	// this local table instead of the shuffle registry.
	TargetTable string `json:"target_table,omitempty"`
}

// NewShuffleID returns a fresh shuffle identifier.
func NewShuffleID() string {
	return "shuffle-" + uuid.NewString()
}

// TargetForPartition looks up the target for a partition. Linear scan;
// the partition count is typically the node count.
func (d *Descriptor) TargetForPartition(partitionID int) (*Target, bool) {
	for i := range d.PartitionTargets {
		if d.PartitionTargets[i].PartitionID == partitionID {
			return &d.PartitionTargets[i], true
		}
	}
	return nil, false
}

// Validate checks the partition-target mapping invariants: the target
// count matches NumPartitions and each partition id in
// [0, NumPartitions) appears exactly once.
func (d *Descriptor) Validate() error {
	if len(d.PartitionTargets) != d.NumPartitions {
		return errors.Newf(
			"shuffle %q: %d partition targets for %d partitions",
			d.ShuffleID, len(d.PartitionTargets), d.NumPartitions)
	}
	seen := make(map[int]bool, d.NumPartitions)
	for _, t := range d.PartitionTargets {
		if t.PartitionID < 0 || t.PartitionID >= d.NumPartitions {
			return errors.Newf(
				"shuffle %q: partition id %d out of range [0, %d)",
				d.ShuffleID, t.PartitionID, d.NumPartitions)
		}
		if seen[t.PartitionID] {
			return errors.Newf(
				"shuffle %q: partition id %d appears more than once",
				d.ShuffleID, t.PartitionID)
		}
		seen[t.PartitionID] = true
	}
	return nil
}

// ToJSONBytes serializes the descriptor for embedding in exchange
// headers.
func (d *Descriptor) ToJSONBytes() ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize shuffle descriptor")
	}
	return raw, nil
}

// FromJSONBytes deserializes a descriptor received in an exchange
// header, rejecting any whose partition-target mapping breaks the
// invariants.
func FromJSONBytes(raw []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize shuffle descriptor")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
