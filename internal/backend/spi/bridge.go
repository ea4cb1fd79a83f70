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

// Package spi routes SQL queries from analytical worker threads onto
// the backend main loop, where the host's server programming interface
// has a valid transaction context. Worker threads must never call the
// host directly; they enqueue a request and block on its reply channel,
// and the main loop services everything FIFO between idle ticks.
package spi

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/log"
)

// Column is one result column with the host's type oid.
type Column struct {
	Name string
	OID  uint32
}

// Response carries a query result back to the requesting worker. Rows
// hold text-rendered cells; nil preserves NULL. Err is set instead when
// execution failed.
type Response struct {
	Columns []Column
	Rows    [][]*string
	Err     string
}

// Request is one enqueued SPI query.
type Request struct {
	SQL   string
	reply chan Response
}

// Host is the boundary to the backend's transaction and query
// machinery. Implementations run on the main loop only.
type Host interface {
	// StartTransaction begins a statement-scoped transaction and
	// pushes a snapshot.
	StartTransaction()
	// CommitTransaction pops the snapshot and commits. Called
	// regardless of the execution outcome.
	CommitTransaction()
	// Execute runs sql read-only inside the current transaction and
	// returns column metadata plus text-rendered rows.
	Execute(sql string) ([]Column, [][]*string, error)
}

// Bridge is the process-wide request channel plus the main-loop pump.
type Bridge struct {
	host Host
	reqs chan *Request
}

var (
	bridge     *Bridge
	bridgeOnce sync.Once
	bridgeErr  = errors.New("spi bridge not initialized")
)

// Init wires the process-wide bridge to a host. Must be called once
// from the main loop before any worker issues requests.
func Init(host Host) *Bridge {
	bridgeOnce.Do(func() {
		bridge = NewBridge(host)
	})
	return bridge
}

// NewBridge builds a bridge with its own channel. Tests and embedded
// setups use this directly.
func NewBridge(host Host) *Bridge {
	return &Bridge{
		host: host,
		// Unbounded in spirit: a large buffer so enqueueing workers
		// never block the exchange path; the main loop drains fully on
		// every tick.
		reqs: make(chan *Request, 4096),
	}
}

// Do sends a request from a worker thread and blocks until the main
// loop processes it.
func Do(sql string) (Response, error) {
	if bridge == nil {
		return Response{}, bridgeErr
	}
	return bridge.Do(sql)
}

// Do enqueues sql and blocks on the reply.
func (b *Bridge) Do(sql string) (Response, error) {
	req := &Request{SQL: sql, reply: make(chan Response, 1)}
	b.reqs <- req
	resp := <-req.reply
	return resp, nil
}

// ProcessPending services every queued request. Called from the main
// loop between idle ticks; requests are handled in arrival order.
func (b *Bridge) ProcessPending() {
	for {
		select {
		case req := <-b.reqs:
			req.reply <- b.execute(req.SQL)
		default:
			return
		}
	}
}

// execute runs one request inside its own transaction. The panic guard
// keeps a failing statement from poisoning the loop or the requests
// behind it; the transaction is committed either way so the backend is
// left in a clean state.
func (b *Bridge) execute(sql string) (resp Response) {
	b.host.StartTransaction()
	defer b.host.CommitTransaction()

	defer func() {
		if p := recover(); p != nil {
			msg := PanicMessage(p)
			log.Error("spi request panicked", zap.String("panic", msg))
			resp = Response{Err: "SPI panicked: " + msg}
		}
	}()

	cols, rows, err := b.host.Execute(sql)
	if err != nil {
		return Response{Err: fmt.Sprintf("SPI error: %v", err)}
	}
	return Response{Columns: cols, Rows: rows}
}

// PanicMessage decodes a recovered panic payload: string first, then
// error, then a generic fallback.
func PanicMessage(p interface{}) string {
	switch v := p.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return "unknown panic"
	}
}
