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

// Package executor runs SQL against the embedded engine on a fixed pool
// of workers, each owning one cloned connection. Pinning a session's
// requests to one worker keeps them on one connection; round-robin
// spreads everything else.
package executor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow/go/v8/arrow"
	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/engine"
	"github.com/p-hoffmann/trexsql/internal/log"
	"github.com/p-hoffmann/trexsql/internal/metrics"
)

// SelectResult is a result-returning statement's output.
type SelectResult struct {
	Schema  *arrow.Schema
	Batches []arrow.Record
}

// ExecuteResult is a non-returning statement's output.
type ExecuteResult struct {
	RowsAffected int64
}

// Result is exactly one of Select, Execute, or Err.
type Result struct {
	Select  *SelectResult
	Execute *ExecuteResult
	Err     error
}

// Request pairs a statement with its one-shot reply channel.
type Request struct {
	SQL   string
	reply chan Result
}

// Pool is the fixed-size worker pool.
type Pool struct {
	senders []chan *Request
	wg      sync.WaitGroup
	next    atomic.Uint64

	closeOnce sync.Once
}

// New clones the template connection poolSize times and starts one
// worker per clone. Must be called from the template's origin thread.
func New(template engine.Connection, poolSize int) (*Pool, error) {
	if poolSize <= 0 {
		return nil, errors.New("poolSize must be > 0")
	}

	conns := make([]engine.Connection, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		conn, err := template.TryClone()
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, errors.Wrapf(err, "connection clone %d", i)
		}
		conns = append(conns, conn)
	}

	p := &Pool{senders: make([]chan *Request, poolSize)}
	for i, conn := range conns {
		ch := make(chan *Request, 64)
		p.senders[i] = ch
		p.wg.Add(1)
		go p.workerLoop(i, conn, ch)
	}
	return p, nil
}

// Size reports the worker count.
func (p *Pool) Size() int {
	return len(p.senders)
}

// NextWorkerID selects the next worker round-robin.
func (p *Pool) NextWorkerID() int {
	return int(p.next.Inc()-1) % len(p.senders)
}

// SubmitTo pins a request to one worker's connection. The returned
// channel yields exactly one Result.
func (p *Pool) SubmitTo(workerID int, sql string) <-chan Result {
	req := &Request{SQL: sql, reply: make(chan Result, 1)}
	p.send(workerID, req)
	return req.reply
}

// send delivers a request, converting a send-on-closed-channel panic
// during shutdown into an error reply.
func (p *Pool) send(workerID int, req *Request) {
	defer func() {
		if recover() != nil {
			req.reply <- Result{Err: errors.New("executor closed")}
		}
	}()
	p.senders[workerID%len(p.senders)] <- req
}

// Submit routes a request to the next round-robin worker.
func (p *Pool) Submit(sql string) <-chan Result {
	return p.SubmitTo(p.NextWorkerID(), sql)
}

// Close drops the request senders first (signalling workers to exit),
// then joins every worker.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		for _, ch := range p.senders {
			close(ch)
		}
		p.wg.Wait()
	})
}

// workerLoop serves requests until its channel closes. A panicking
// statement terminates this worker: its connection can no longer be
// trusted. Siblings keep running.
func (p *Pool) workerLoop(id int, conn engine.Connection, ch chan *Request) {
	defer p.wg.Done()
	defer func() { _ = conn.Close() }()
	label := fmt.Sprintf("%d", id)

	dead := false
	for req := range ch {
		if dead {
			// The connection is unsafe after a panic; fail queued
			// requests instead of retrying them.
			req.reply <- Result{Err: errors.New("worker terminated by earlier panic")}
			continue
		}
		metrics.ExecutorQueuedRequests.WithLabelValues(label).Set(float64(len(ch)))

		result, panicked := p.execute(conn, req.SQL)
		req.reply <- result
		if panicked {
			log.Error("executor worker terminating after panic",
				zap.Int("worker", id))
			metrics.ExecutorPanics.Inc()
			dead = true
		}
	}
}

// execute runs one statement inside a panic guard.
func (p *Pool) execute(conn engine.Connection, sql string) (result Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			msg := panicMessage(r)
			log.Error("query panicked", zap.String("panic", msg))
			result = Result{Err: errors.Newf("query panicked: %s", msg)}
			panicked = true
		}
	}()

	trimmed := strings.TrimSpace(sql)
	if isResultReturning(strings.ToUpper(trimmed)) {
		schema, batches, err := conn.QueryArrow(trimmed)
		if err != nil {
			return Result{Err: err}, false
		}
		return Result{Select: &SelectResult{Schema: schema, Batches: batches}}, false
	}

	rows, err := conn.Execute(trimmed)
	if err != nil {
		return Result{Err: err}, false
	}
	return Result{Execute: &ExecuteResult{RowsAffected: rows}}, false
}

// resultPrefixes classify a statement as result-returning.
var resultPrefixes = []string{
	"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN",
	"TABLE", "VALUES", "FROM", "PRAGMA",
}

func isResultReturning(upper string) bool {
	for _, prefix := range resultPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

func panicMessage(p interface{}) string {
	switch v := p.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return "unknown panic"
	}
}
