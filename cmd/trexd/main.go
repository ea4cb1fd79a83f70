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

// trexd is the node daemon: it reads the cluster topology, joins
// gossip, starts this node's extension services, boots the backend
// bridge (executor pool + background worker) when an engine connection
// is present, and exposes metrics. The embedded engine connection is
// installed by the hosting extension before the orchestration pass
// runs.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/p-hoffmann/trexsql/internal/backend/shmem"
	"github.com/p-hoffmann/trexsql/internal/backend/worker"
	"github.com/p-hoffmann/trexsql/internal/cluster"
	"github.com/p-hoffmann/trexsql/internal/engine"
	"github.com/p-hoffmann/trexsql/internal/executor"
	"github.com/p-hoffmann/trexsql/internal/gossip"
	"github.com/p-hoffmann/trexsql/internal/log"
	"github.com/p-hoffmann/trexsql/internal/metrics"
	"github.com/p-hoffmann/trexsql/internal/orchestrator"
	"github.com/p-hoffmann/trexsql/internal/util/paramtable"
)

func main() {
	pt := paramtable.Get()

	cfg, err := cluster.FromEnv()
	if err != nil {
		log.Warn("no valid cluster config, running single-node", zap.Error(err))
	}

	g := gossip.Instance()
	if endpoints := pt.GetStringSlice("gossip.endpoints"); len(endpoints) > 0 {
		if err := g.Init(endpoints, pt.GetString("gossip.prefix"), pt.GetDuration("gossip.dialTimeout")); err != nil {
			log.Warn("gossip unavailable, continuing without service discovery", zap.Error(err))
		}
	}
	defer g.Close()

	if cfg != nil {
		name, node, ok := cfg.ThisNode()
		if !ok {
			log.Warn("this node is not in the cluster config, skipping orchestration")
		} else {
			log.Info("starting node services",
				zap.String("cluster", cfg.ClusterID),
				zap.String("node", name),
				zap.Bool("dataNode", node.IsDataNode()))

			orch := orchestrator.New(g)
			for _, status := range orch.OrchestrateExtensions(node.Extensions) {
				log.Info("extension status", zap.String("status", status))
			}
			for _, status := range orch.StartDistributedForRoles(node.Roles, node.GossipAddr, startScheduler) {
				log.Info("role status", zap.String("status", status))
			}
		}
	}

	if stopWorker := startBackendWorker(pt); stopWorker != nil {
		defer stopWorker()
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)

	addr := pt.GetString("metrics.addr")
	server := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
	grp.Go(func() error {
		log.Info("metrics listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		return server.Close()
	})

	if err := grp.Wait(); err != nil && err != context.Canceled {
		log.Error("daemon exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("daemon stopped")
}

// startScheduler binds the analytical scheduler for scheduler-role
// nodes. The scheduler service itself ships with the flight extension;
// the daemon only records the intent when it is absent.
func startScheduler(bindAddr string) error {
	log.Info("analytical scheduler requested", zap.String("bindAddr", bindAddr))
	return nil
}

// startBackendWorker boots the IPC bridge: the shared region, the
// pinned-connection executor pool, and the background worker that pumps
// request slots and refreshes the distributed catalog. It needs the
// shared engine connection; without one (no hosting extension installed
// it) the node runs orchestration-only and the worker region stays
// Stopped. No SPI host is wired here — SPI exists only inside a
// database backend process, where the hosting extension constructs the
// bridge itself.
func startBackendWorker(pt *paramtable.ParamTable) func() {
	template, ok, err := engine.CloneShared()
	if err != nil {
		log.Warn("engine connection clone failed, backend bridge disabled", zap.Error(err))
		return nil
	}
	if !ok {
		log.Info("no shared engine connection, backend bridge disabled")
		return nil
	}

	pool, err := executor.New(template, pt.GetInt("executor.poolSize"))
	_ = template.Close()
	if err != nil {
		log.Warn("executor pool start failed, backend bridge disabled", zap.Error(err))
		return nil
	}

	region := shmem.New()
	w := worker.New(region, shmem.Segments(), pool, nil, worker.NewEngineCatalogSource(pool))
	w.Start()
	return func() {
		w.Stop()
		pool.Close()
	}
}
