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

// Package metrics holds the prometheus collectors for the execution
// substrate.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	trexNamespace = "trex"

	shuffleSubsystem  = "shuffle"
	etlSubsystem      = "etl"
	executorSubsystem = "executor"

	pipelineStateLabelName = "state"
	workerIDLabelName      = "worker_id"
)

var (
	// ShuffleRowsPartitioned counts rows pushed through the partitioner.
	ShuffleRowsPartitioned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: trexNamespace,
			Subsystem: shuffleSubsystem,
			Name:      "rows_partitioned_total",
			Help:      "number of rows hash-partitioned by shuffle writers",
		})

	// ShufflePartitionsSent counts remote partition dispatches.
	ShufflePartitionsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: trexNamespace,
			Subsystem: shuffleSubsystem,
			Name:      "partitions_sent_total",
			Help:      "number of partitions sent to peer nodes",
		})

	// ShuffleWaitTimeouts counts reader rendezvous timeouts.
	ShuffleWaitTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: trexNamespace,
			Subsystem: shuffleSubsystem,
			Name:      "wait_timeouts_total",
			Help:      "number of partition waits that exceeded the deadline",
		})

	// EtlRowsReplicated counts rows applied by replication pipelines.
	EtlRowsReplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: trexNamespace,
			Subsystem: etlSubsystem,
			Name:      "rows_replicated_total",
			Help:      "number of rows replicated per pipeline",
		}, []string{"pipeline"})

	// EtlPipelines records the number of pipelines per state.
	EtlPipelines = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: trexNamespace,
			Subsystem: etlSubsystem,
			Name:      "pipeline_num",
			Help:      "number of registered pipelines per state",
		}, []string{pipelineStateLabelName})

	// ExecutorQueuedRequests records requests waiting per worker.
	ExecutorQueuedRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: trexNamespace,
			Subsystem: executorSubsystem,
			Name:      "queued_requests",
			Help:      "number of requests queued per executor worker",
		}, []string{workerIDLabelName})

	// ExecutorPanics counts worker panics caught by the pool.
	ExecutorPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: trexNamespace,
			Subsystem: executorSubsystem,
			Name:      "panics_total",
			Help:      "number of executor workers terminated by a panic",
		})
)

var registerOnce sync.Once

// Register installs all substrate collectors into the given registry.
func Register(registry *prometheus.Registry) {
	registerOnce.Do(func() {
		registry.MustRegister(ShuffleRowsPartitioned)
		registry.MustRegister(ShufflePartitionsSent)
		registry.MustRegister(ShuffleWaitTimeouts)
		registry.MustRegister(EtlRowsReplicated)
		registry.MustRegister(EtlPipelines)
		registry.MustRegister(ExecutorQueuedRequests)
		registry.MustRegister(ExecutorPanics)
	})
}
