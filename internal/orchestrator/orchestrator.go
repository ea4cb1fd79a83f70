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

// Package orchestrator loads extensions into the embedded engine,
// starts the services they declare, and advertises running endpoints
// through the gossip registry.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/cluster"
	"github.com/p-hoffmann/trexsql/internal/engine"
	"github.com/p-hoffmann/trexsql/internal/gossip"
	"github.com/p-hoffmann/trexsql/internal/log"
	"github.com/p-hoffmann/trexsql/internal/util/paramtable"
)

// Orchestrator starts services for one node. The gossip handle and the
// allow-list are injected so tests can run without the process-wide
// singletons.
type Orchestrator struct {
	gossip  *gossip.Registry
	allowed map[string]struct{}
}

// New builds an orchestrator with an injected gossip handle. The
// extension allow-list comes from the param table.
func New(g *gossip.Registry) *Orchestrator {
	names := paramtable.Get().GetStringSlice("orchestrator.allowedExtensions")
	return &Orchestrator{
		gossip:  g,
		allowed: lo.SliceToMap(names, func(n string) (string, struct{}) { return n, struct{}{} }),
	}
}

// OrchestrateExtensions loads each extension and starts its service, in
// input order. One status string per extension is always returned; no
// extension failure aborts the pass.
func (o *Orchestrator) OrchestrateExtensions(exts []cluster.ExtensionConfig) []string {
	if !engine.HasShared() {
		log.Error("orchestrator: shared engine connection is not available")
		return lo.Map(exts, func(ext cluster.ExtensionConfig, _ int) string {
			return fmt.Sprintf("%s: error — no shared connection", ext.Name)
		})
	}

	statuses := make([]string, 0, len(exts))
	for _, ext := range exts {
		statuses = append(statuses, o.startOne(ext))
	}
	return statuses
}

func (o *Orchestrator) startOne(ext cluster.ExtensionConfig) string {
	if _, ok := o.allowed[ext.Name]; !ok {
		msg := fmt.Sprintf("%s: invalid extension name", ext.Name)
		log.Error("orchestrator: " + msg)
		return msg
	}

	log.Info("loading extension", zap.String("extension", ext.Name))
	loadSQL := fmt.Sprintf("LOAD '%s.trex'", ext.Name)
	ok, err := engine.WithShared(func(conn engine.Connection) error {
		return conn.ExecuteBatch(loadSQL)
	})
	if !ok {
		return fmt.Sprintf("%s: error — no shared connection", ext.Name)
	}
	if err != nil {
		msg := fmt.Sprintf("%s: load failed — %v", ext.Name, err)
		log.Error("orchestrator: " + msg)
		return msg
	}

	configJSON := serviceConfigJSON(ext)
	if configJSON == "" {
		msg := fmt.Sprintf("%s: loaded", ext.Name)
		log.Info("orchestrator: " + msg)
		return msg
	}

	startSQL, ok, err := StartServiceSQL(ext.Name, configJSON)
	if err != nil {
		msg := fmt.Sprintf("%s: config error — %v", ext.Name, err)
		log.Error("orchestrator: " + msg)
		return msg
	}
	if !ok {
		log.Warn("no start function mapping for extension, loaded only",
			zap.String("extension", ext.Name))
		return fmt.Sprintf("%s: loaded (no start function)", ext.Name)
	}

	host, port := hostPort(configJSON)
	log.Info("starting service",
		zap.String("extension", ext.Name),
		zap.String("host", host), zap.Uint64("port", port))

	ok, err = engine.WithShared(func(conn engine.Connection) error {
		return conn.ExecuteBatch(startSQL)
	})
	if !ok {
		return fmt.Sprintf("%s: error — no shared connection", ext.Name)
	}
	if err != nil {
		msg := fmt.Sprintf("%s: start failed — %v", ext.Name, err)
		log.Error("orchestrator: " + msg)
		return msg
	}

	o.publishService(ext.Name, host, port, configJSON)

	msg := fmt.Sprintf("%s: started on %s:%d", ext.Name, host, port)
	log.Info("orchestrator: " + msg)
	return msg
}

// publishService advertises a running service under service:<name>.
// Failures are warnings; the service is already up.
func (o *Orchestrator) publishService(name, host string, port uint64, configJSON string) {
	if o.gossip == nil || !o.gossip.IsRunning() {
		return
	}
	record, _ := json.Marshal(map[string]interface{}{
		"host":   host,
		"port":   port,
		"status": "running",
		"config": json.RawMessage(configJSON),
	})
	if err := o.gossip.SetKey("service:"+name, string(record)); err != nil {
		log.Warn("failed to publish service to gossip",
			zap.String("extension", name), zap.Error(err))
	}
}

// StartDistributedForRoles starts per-role distributed components. The
// scheduler role binds the analytical scheduler; the executor role only
// verifies the node can actually serve remote queries.
func (o *Orchestrator) StartDistributedForRoles(roles []string, gossipAddr string, startScheduler func(bindAddr string) error) []string {
	statuses := make([]string, 0, len(roles))

	for _, role := range roles {
		switch role {
		case "scheduler":
			host := gossipAddr
			if idx := strings.Index(gossipAddr, ":"); idx >= 0 {
				host = gossipAddr[:idx]
			}
			if host == "" {
				host = "0.0.0.0"
			}
			bindAddr := fmt.Sprintf("%s:50050", host)

			if err := startScheduler(bindAddr); err != nil {
				msg := fmt.Sprintf("distributed-scheduler: failed — %v", err)
				log.Error("orchestrator: " + msg)
				statuses = append(statuses, msg)
				continue
			}
			msg := fmt.Sprintf("distributed-scheduler: started on %s", bindAddr)
			log.Info("orchestrator: " + msg)
			statuses = append(statuses, msg)

			o.publishService("distributed-scheduler", host, 50050, "{}")

		case "executor":
			if nodeHasFlight() {
				msg := "distributed-executor: flight extension configured (handles remote queries)"
				log.Info("orchestrator: " + msg)
				statuses = append(statuses, msg)
			} else {
				msg := "distributed-executor: WARNING — no flight extension configured; this executor node cannot serve remote queries"
				log.Warn("orchestrator: " + msg)
				statuses = append(statuses, msg)
			}
		}
	}

	return statuses
}

// nodeHasFlight reports whether the current node's topology entry
// declares a flight extension.
func nodeHasFlight() bool {
	cfg, err := cluster.FromEnv()
	if err != nil {
		return false
	}
	_, node, ok := cfg.ThisNode()
	if !ok {
		return false
	}
	return lo.SomeBy(node.Extensions, func(e cluster.ExtensionConfig) bool {
		return e.Name == "flight"
	})
}

// serviceConfigJSON flattens an extension's configuration into the JSON
// payload consumed by StartServiceSQL. Returns "" when the extension
// carries no configuration at all.
func serviceConfigJSON(ext cluster.ExtensionConfig) string {
	if len(ext.Config) > 0 {
		return string(ext.Config)
	}
	if ext.Host == "" && ext.Port == nil && ext.Password == "" {
		return ""
	}
	payload := map[string]interface{}{}
	if ext.Host != "" {
		payload["host"] = ext.Host
	}
	if ext.Port != nil {
		payload["port"] = *ext.Port
	}
	if ext.Password != "" {
		payload["password"] = ext.Password
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

// hostPort pulls the advertised host and port out of a config payload
// for status strings and gossip records.
func hostPort(configJSON string) (string, uint64) {
	var cfg struct {
		Host string `json:"host"`
		Port uint64 `json:"port"`
	}
	_ = json.Unmarshal([]byte(configJSON), &cfg)
	return cfg.Host, cfg.Port
}
