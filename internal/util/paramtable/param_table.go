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

// Package paramtable holds the runtime tunables of a trexsql node.
// Values come from defaults overridden by TREX_-prefixed environment
// variables (dots become underscores, e.g. executor.poolSize is set via
// TREX_EXECUTOR_POOLSIZE). Topology itself lives in the cluster config
// blob, not here.
package paramtable

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "TREX"

	DefaultExecutorPoolSize       = 4
	DefaultCatalogRefreshInterval = 30 * time.Second
	DefaultWorkerIdleTick         = 100 * time.Millisecond
	DefaultGossipDialTimeout      = 5 * time.Second
)

// ParamTable is the viper-backed table of runtime knobs.
type ParamTable struct {
	once sync.Once
	v    *viper.Viper
}

var instance ParamTable

// Get returns the process-wide param table, initialized on first use.
func Get() *ParamTable {
	instance.Init()
	return &instance
}

// Init loads defaults and binds the environment. Safe to call more than once.
func (pt *ParamTable) Init() {
	pt.once.Do(func() {
		v := viper.New()
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		v.SetDefault("executor.poolSize", DefaultExecutorPoolSize)
		v.SetDefault("worker.catalogRefreshInterval", DefaultCatalogRefreshInterval)
		v.SetDefault("worker.idleTick", DefaultWorkerIdleTick)
		v.SetDefault("gossip.endpoints", "")
		v.SetDefault("gossip.prefix", "trex")
		v.SetDefault("gossip.dialTimeout", DefaultGossipDialTimeout)
		v.SetDefault("planner.preferLocalOnConflict", true)
		v.SetDefault("metrics.addr", ":9654")
		v.SetDefault("orchestrator.allowedExtensions",
			"flight,pgwire,trexas,chdb,hana,etl,fhir,transform")

		pt.v = v
	})
}

// GetString returns the string value for key, or "" when unset.
func (pt *ParamTable) GetString(key string) string {
	return pt.v.GetString(key)
}

// GetInt returns the int value for key, or 0 when unset.
func (pt *ParamTable) GetInt(key string) int {
	return pt.v.GetInt(key)
}

// GetBool returns the bool value for key.
func (pt *ParamTable) GetBool(key string) bool {
	return pt.v.GetBool(key)
}

// GetDuration returns the duration value for key.
func (pt *ParamTable) GetDuration(key string) time.Duration {
	return pt.v.GetDuration(key)
}

// GetStringSlice splits the comma-separated value for key, dropping
// empty elements.
func (pt *ParamTable) GetStringSlice(key string) []string {
	raw := pt.v.GetString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Save overrides a key at runtime. Used by tests and by SQL-level knob
// updates.
func (pt *ParamTable) Save(key, value string) {
	pt.v.Set(key, value)
}
