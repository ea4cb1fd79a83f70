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

package shuffle

import (
	"context"
	"sync"
	"time"

	"github.com/apache/arrow/go/v8/arrow"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/log"
	"github.com/p-hoffmann/trexsql/internal/metrics"
)

const (
	// StaleEntrySeconds is the age past which a registered shuffle is
	// garbage-collected by the next Register call.
	StaleEntrySeconds = 300
	// WaitTimeoutSeconds bounds WaitForPartition, preventing infinite
	// hangs when sources never send data.
	WaitTimeoutSeconds = 120
	// PollInterval is the reader's wake-up cadence while waiting.
	PollInterval = 10 * time.Millisecond
)

// state is the rendezvous record for one shuffle operation.
type state struct {
	// partitions accumulates batches per partition id across all
	// source nodes.
	partitions map[int][]arrow.Record
	// expectedSources is how many source nodes will send data.
	expectedSources int
	// receivedSources is how many source nodes have completed sending.
	receivedSources int
	// notify is closed and replaced on every submission to wake
	// waiting readers.
	notify chan struct{}
	// createdAt drives stale-entry cleanup.
	createdAt time.Time
}

// Registry is the in-process rendezvous point between partition senders
// (the exchange handler) and partition readers (the shuffle reader plan
// node).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*state

	// waitTimeout is WaitTimeoutSeconds in production; tests shorten it.
	waitTimeout time.Duration
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry shared by the exchange
// handler and the reader plan nodes.
func Default() *Registry {
	return defaultRegistry
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:     make(map[string]*state),
		waitTimeout: WaitTimeoutSeconds * time.Second,
	}
}

// Register inserts a rendezvous entry for a shuffle. It must be called
// before any data arrives. Double registration is a no-op with a
// warning. Entries older than StaleEntrySeconds left behind by failed
// queries are opportunistically removed.
func (r *Registry) Register(shuffleID string, expectedSources int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cleanupStaleLocked()

	if _, ok := r.entries[shuffleID]; ok {
		log.Warn("shuffle already registered, skipping",
			zap.String("shuffleID", shuffleID))
		return
	}
	r.entries[shuffleID] = &state{
		partitions:      make(map[int][]arrow.Record),
		expectedSources: expectedSources,
		notify:          make(chan struct{}),
		createdAt:       time.Now(),
	}
	log.Debug("registered shuffle",
		zap.String("shuffleID", shuffleID),
		zap.Int("expectedSources", expectedSources))
}

// cleanupStaleLocked removes entries older than StaleEntrySeconds.
// Caller holds the mutex.
func (r *Registry) cleanupStaleLocked() {
	cutoff := StaleEntrySeconds * time.Second
	removed := 0
	for id, st := range r.entries {
		if time.Since(st.createdAt) > cutoff {
			close(st.notify)
			delete(r.entries, id)
			removed++
		}
	}
	if removed > 0 {
		log.Info("cleaned up stale shuffle entries",
			zap.Int("removed", removed),
			zap.Int("staleSeconds", StaleEntrySeconds))
	}
}

// Submit appends partition data from one source node and counts the
// source as received. Submitting into an unregistered shuffle drops the
// data with a warning; it never panics.
func (r *Registry) Submit(shuffleID string, partitionID int, batches []arrow.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.entries[shuffleID]
	if !ok {
		log.Warn("shuffle not registered, dropping partition data",
			zap.String("shuffleID", shuffleID),
			zap.Int("partitionID", partitionID))
		return
	}

	rows := int64(0)
	for _, b := range batches {
		rows += b.NumRows()
	}
	st.partitions[partitionID] = append(st.partitions[partitionID], batches...)
	st.receivedSources++
	log.Debug("received shuffle partition data",
		zap.String("shuffleID", shuffleID),
		zap.Int("partitionID", partitionID),
		zap.Int64("rows", rows),
		zap.Int("receivedSources", st.receivedSources),
		zap.Int("expectedSources", st.expectedSources))

	close(st.notify)
	st.notify = make(chan struct{})
}

// WaitForPartition blocks until the partition has data from all
// expected sources, then drains and returns the accumulated batches.
//
// Readiness holds when either the received-source counter or the
// partition's batch count reaches expectedSources; the second arm
// guards the window where a sender submits several batches before its
// completion is counted. Exceeding WaitTimeoutSeconds returns an error
// naming the shuffle and partition.
func (r *Registry) WaitForPartition(ctx context.Context, shuffleID string, partitionID, expectedSources int) ([]arrow.Record, error) {
	deadline := time.Now().Add(r.waitTimeout)

	for {
		r.mu.Lock()
		st, ok := r.entries[shuffleID]
		var ready bool
		var notify chan struct{}
		if ok {
			ready = st.receivedSources >= expectedSources ||
				len(st.partitions[partitionID]) >= expectedSources
			notify = st.notify
		}
		if ready {
			batches := st.partitions[partitionID]
			delete(st.partitions, partitionID)
			r.mu.Unlock()
			return batches, nil
		}
		r.mu.Unlock()

		if time.Now().After(deadline) {
			log.Warn("shuffle partition wait timed out",
				zap.String("shuffleID", shuffleID),
				zap.Int("partitionID", partitionID),
				zap.Duration("timeout", r.waitTimeout),
				zap.Int("expectedSources", expectedSources))
			metrics.ShuffleWaitTimeouts.Inc()
			return nil, errors.Newf(
				"shuffle %q partition %d timed out after %ds",
				shuffleID, partitionID, int(r.waitTimeout.Seconds()))
		}

		if notify == nil {
			// Not registered yet; plain poll until it appears or the
			// deadline fires.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(PollInterval):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-time.After(PollInterval):
		}
	}
}

// Cleanup removes a completed shuffle from the registry.
func (r *Registry) Cleanup(shuffleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.entries[shuffleID]; ok {
		close(st.notify)
		delete(r.entries, shuffleID)
		log.Debug("cleaned up shuffle", zap.String("shuffleID", shuffleID))
	}
}

// IsRegistered reports whether a shuffle has a live rendezvous entry.
func (r *Registry) IsRegistered(shuffleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[shuffleID]
	return ok
}
