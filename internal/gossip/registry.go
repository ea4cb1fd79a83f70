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

// Package gossip is the in-process facade over the cluster's replicated
// key-value store, used for service discovery. Reads are served from a
// local cache kept warm by a watch loop, so GetKey may return stale
// values; SetKey is best-effort. When no endpoints are configured the
// registry runs in standalone mode with a purely local store.
package gossip

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/log"
)

const requestTimeout = 3 * time.Second

// Registry publishes and retrieves service records cluster-wide.
type Registry struct {
	mu     sync.RWMutex
	cache  map[string]string
	prefix string

	client  *clientv3.Client
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	instance *Registry
	initOnce sync.Once
)

// Instance returns the process-wide registry. Before Init it is a
// standalone (local-only) registry that is not running.
func Instance() *Registry {
	initOnce.Do(func() {
		instance = NewStandalone()
	})
	return instance
}

// NewStandalone builds a registry with a purely local store. Subsystems
// that take a registry handle use this in tests.
func NewStandalone() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cache:  make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init connects the registry to the replicated store. Empty endpoints
// leave the registry in standalone mode; that is not an error.
func (r *Registry) Init(endpoints []string, prefix string, dialTimeout time.Duration) error {
	if len(endpoints) == 0 {
		log.Info("gossip registry running standalone, no endpoints configured")
		return nil
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "gossip: connect to kv store")
	}

	r.mu.Lock()
	r.client = client
	r.prefix = prefix
	r.mu.Unlock()
	r.running.Store(true)

	r.wg.Add(1)
	go r.watchLoop()

	log.Info("gossip registry connected",
		zap.Strings("endpoints", endpoints), zap.String("prefix", prefix))
	return nil
}

// IsRunning reports whether the registry is backed by the replicated
// store.
func (r *Registry) IsRunning() bool {
	return r.running.Load()
}

// SetKey publishes a record. Best-effort: the local cache is always
// updated, and the replicated write is attempted when running.
func (r *Registry) SetKey(key, value string) error {
	r.mu.Lock()
	r.cache[key] = value
	client, prefix := r.client, r.prefix
	r.mu.Unlock()

	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	if _, err := client.Put(ctx, prefix+"/"+key, value); err != nil {
		return errors.Wrapf(err, "gossip: put %q", key)
	}
	return nil
}

// GetKey returns the most recent value seen for key. The value may be
// stale relative to other nodes.
func (r *Registry) GetKey(key string) (string, bool) {
	r.mu.RLock()
	v, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return v, true
	}

	r.mu.RLock()
	client, prefix := r.client, r.prefix
	r.mu.RUnlock()
	if client == nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	resp, err := client.Get(ctx, prefix+"/"+key)
	if err != nil || len(resp.Kvs) == 0 {
		return "", false
	}
	v = string(resp.Kvs[0].Value)

	r.mu.Lock()
	r.cache[key] = v
	r.mu.Unlock()
	return v, true
}

// DeleteKey removes a record. Best-effort, like SetKey.
func (r *Registry) DeleteKey(key string) error {
	r.mu.Lock()
	delete(r.cache, key)
	client, prefix := r.client, r.prefix
	r.mu.Unlock()

	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	if _, err := client.Delete(ctx, prefix+"/"+key); err != nil {
		return errors.Wrapf(err, "gossip: delete %q", key)
	}
	return nil
}

// Close stops the watch loop and releases the client.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.running.Store(false)

	r.mu.Lock()
	client := r.client
	r.client = nil
	r.mu.Unlock()
	if client != nil {
		if err := client.Close(); err != nil {
			log.Warn("gossip registry close", zap.Error(err))
		}
	}
}

// watchLoop keeps the local cache warm with remote updates.
func (r *Registry) watchLoop() {
	defer r.wg.Done()

	r.mu.RLock()
	client, prefix := r.client, r.prefix
	r.mu.RUnlock()

	watchCh := client.Watch(r.ctx, prefix+"/", clientv3.WithPrefix())
	for {
		select {
		case <-r.ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := resp.Err(); err != nil {
				log.Warn("gossip watch error", zap.Error(err))
				continue
			}
			r.mu.Lock()
			for _, ev := range resp.Events {
				key := string(ev.Kv.Key)[len(prefix)+1:]
				switch ev.Type {
				case clientv3.EventTypePut:
					r.cache[key] = string(ev.Kv.Value)
				case clientv3.EventTypeDelete:
					delete(r.cache, key)
				}
			}
			r.mu.Unlock()
		}
	}
}
