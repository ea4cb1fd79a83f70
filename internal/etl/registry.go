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

package etl

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/gossip"
	"github.com/p-hoffmann/trexsql/internal/log"
	"github.com/p-hoffmann/trexsql/internal/metrics"
)

// Handle owns the runtime side of a pipeline: its goroutine's
// completion channel, a one-shot shutdown sender, and the start time.
type Handle struct {
	// done is closed by the pipeline goroutine when it exits; the value
	// (if any) is the pipeline's terminal error.
	done <-chan error
	// shutdown is closed at most once to request cooperative stop.
	shutdown     chan struct{}
	shutdownOnce sync.Once
	startTime    time.Time
}

// NewHandle builds a handle around a shutdown channel. The done channel
// is attached later via Registry.SetThreadHandle, mirroring the
// reserve-then-spawn order.
func NewHandle(shutdown chan struct{}) *Handle {
	return &Handle{shutdown: shutdown, startTime: time.Now()}
}

// Shutdown requests cooperative stop. Safe to call more than once.
func (h *Handle) Shutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
}

type entry struct {
	handle *Handle
	info   Info
}

// Registry is the process-wide supervisor for replication pipelines.
// All operations are atomic against the registry lock; state
// transitions are published to gossip on a best-effort basis.
type Registry struct {
	mu        sync.Mutex
	pipelines map[string]*entry
	gossip    *gossip.Registry
}

var (
	registryInstance *Registry
	registryOnce     sync.Once
)

// Instance returns the process-wide pipeline registry.
func Instance() *Registry {
	registryOnce.Do(func() {
		registryInstance = NewRegistry(gossip.Instance())
	})
	return registryInstance
}

// NewRegistry builds a registry with an injected gossip handle.
func NewRegistry(g *gossip.Registry) *Registry {
	return &Registry{
		pipelines: make(map[string]*entry),
		gossip:    g,
	}
}

// Reserve inserts a slot for a new pipeline at state Starting. Returns
// an error when the name is taken; no state from the failed call leaks.
func (r *Registry) Reserve(name, maskedConn, publication string, mode Mode, handle *Handle) error {
	var snapshot Info

	r.mu.Lock()
	if _, exists := r.pipelines[name]; exists {
		r.mu.Unlock()
		return errors.Newf("pipeline %q already exists", name)
	}
	info := Info{
		Name:             name,
		State:            StateStarting,
		Mode:             mode,
		ConnectionString: maskedConn,
		Publication:      publication,
		SnapshotEnabled:  mode.SnapshotEnabled(),
	}
	r.pipelines[name] = &entry{handle: handle, info: info}
	snapshot = info
	r.mu.Unlock()

	metrics.EtlPipelines.WithLabelValues(StateStarting.String()).Inc()
	r.publish(snapshot)
	return nil
}

// SetThreadHandle attaches the spawned goroutine's completion channel
// to a reserved pipeline.
func (r *Registry) SetThreadHandle(name string, done <-chan error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pipelines[name]; ok {
		e.handle.done = done
	}
}

// UpdateState transitions a pipeline to the given state. Transitions
// from a terminal state to a non-terminal one are refused so observers
// never see a pipeline resurrect; a move between terminal states (for
// example Error to Stopped) is applied.
func (r *Registry) UpdateState(name string, state State) {
	var snapshot *Info

	r.mu.Lock()
	if e, ok := r.pipelines[name]; ok {
		if e.info.State.Terminal() && !state.Terminal() {
			log.Warn("refusing pipeline state transition out of terminal state",
				zap.String("pipeline", name),
				zap.Stringer("from", e.info.State),
				zap.Stringer("to", state))
		} else {
			metrics.EtlPipelines.WithLabelValues(e.info.State.String()).Dec()
			metrics.EtlPipelines.WithLabelValues(state.String()).Inc()
			e.info.State = state
			s := e.info
			snapshot = &s
		}
	}
	r.mu.Unlock()

	if snapshot != nil {
		r.publish(*snapshot)
	}
}

// TransitionToStreamingOnce performs the one-time Snapshotting →
// Streaming transition driven by the destination sink when CDC begins.
// Any other current state is a no-op.
func (r *Registry) TransitionToStreamingOnce(name string) {
	var snapshot *Info

	r.mu.Lock()
	if e, ok := r.pipelines[name]; ok && e.info.State == StateSnapshotting {
		metrics.EtlPipelines.WithLabelValues(StateSnapshotting.String()).Dec()
		metrics.EtlPipelines.WithLabelValues(StateStreaming.String()).Inc()
		e.info.State = StateStreaming
		s := e.info
		snapshot = &s
	}
	r.mu.Unlock()

	if snapshot != nil {
		r.publish(*snapshot)
	}
}

// UpdateStats adds replicated rows and refreshes the activity stamp.
func (r *Registry) UpdateStats(name string, rowsDelta uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pipelines[name]; ok {
		e.info.RowsReplicated += rowsDelta
		e.info.LastActivity = time.Now()
		metrics.EtlRowsReplicated.WithLabelValues(name).Add(float64(rowsDelta))
	}
}

// SetError transitions a pipeline to Error and records the message.
func (r *Registry) SetError(name, message string) {
	var snapshot *Info

	r.mu.Lock()
	if e, ok := r.pipelines[name]; ok {
		metrics.EtlPipelines.WithLabelValues(e.info.State.String()).Dec()
		metrics.EtlPipelines.WithLabelValues(StateError.String()).Inc()
		e.info.State = StateError
		e.info.ErrorMessage = message
		s := e.info
		snapshot = &s
	}
	r.mu.Unlock()

	if snapshot != nil {
		r.publish(*snapshot)
	}
}

// Stop removes a pipeline, signals its shutdown channel, and joins the
// goroutine. Join failures are logged, never propagated.
func (r *Registry) Stop(name string) (string, error) {
	r.mu.Lock()
	e, ok := r.pipelines[name]
	if ok {
		metrics.EtlPipelines.WithLabelValues(e.info.State.String()).Dec()
		delete(r.pipelines, name)
	}
	r.mu.Unlock()

	if !ok {
		return "", errors.Newf("pipeline %q not found", name)
	}

	e.handle.Shutdown()
	if e.handle.done != nil {
		if err := <-e.handle.done; err != nil {
			log.Warn("pipeline ended with error",
				zap.String("pipeline", name), zap.Error(err))
		}
	}

	r.publishRemoval(name)
	return "pipeline '" + name + "' stopped", nil
}

// Deregister unconditionally removes a pipeline. Used when the
// goroutine spawn fails after a successful Reserve.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	if e, ok := r.pipelines[name]; ok {
		metrics.EtlPipelines.WithLabelValues(e.info.State.String()).Dec()
		delete(r.pipelines, name)
	}
	r.mu.Unlock()

	r.publishRemoval(name)
}

// GetAllInfo snapshots every registered pipeline for status reporting.
func (r *Registry) GetAllInfo() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(lo.Values(r.pipelines), func(e *entry, _ int) Info {
		return e.info
	})
}

// publish pushes a pipeline snapshot to gossip; failures are warnings.
func (r *Registry) publish(info Info) {
	if r.gossip == nil || !r.gossip.IsRunning() {
		return
	}
	record, _ := json.Marshal(map[string]interface{}{
		"name":            info.Name,
		"state":           info.State.String(),
		"mode":            info.Mode.String(),
		"publication":     info.Publication,
		"rows_replicated": info.RowsReplicated,
		"error":           info.ErrorMessage,
	})
	if err := r.gossip.SetKey("pipeline:"+info.Name, string(record)); err != nil {
		log.Warn("failed to publish pipeline state to gossip",
			zap.String("pipeline", info.Name), zap.Error(err))
	}
}

func (r *Registry) publishRemoval(name string) {
	if r.gossip == nil || !r.gossip.IsRunning() {
		return
	}
	if err := r.gossip.DeleteKey("pipeline:" + name); err != nil {
		log.Warn("failed to publish pipeline removal to gossip",
			zap.String("pipeline", name), zap.Error(err))
	}
}
