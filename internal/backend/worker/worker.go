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

// Package worker is the background worker main loop: it pumps IPC
// request slots, services the SPI bridge, and refreshes the distributed
// catalog. It is the single writer of the shared region's catalog.
package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow/go/v8/arrow"
	"github.com/apache/arrow/go/v8/arrow/array"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/backend/shmem"
	"github.com/p-hoffmann/trexsql/internal/backend/spi"
	"github.com/p-hoffmann/trexsql/internal/executor"
	"github.com/p-hoffmann/trexsql/internal/log"
	"github.com/p-hoffmann/trexsql/internal/util/paramtable"
)

// CatalogSource lists the cluster's distributed tables for catalog
// refreshes. Backed by trex_db_tables() in production.
type CatalogSource interface {
	Tables() ([]shmem.TableRow, error)
}

// Worker drives the shared region.
type Worker struct {
	region *shmem.Shmem
	segs   *shmem.SegmentTable
	pool   *executor.Pool
	bridge *spi.Bridge
	source CatalogSource

	latch       *shmem.Latch
	latchHandle uint64

	// slotPool serves claimed slots concurrently so one slow query
	// does not head-of-line block the others.
	slotPool *ants.Pool

	idleTick        time.Duration
	refreshInterval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// New wires a worker onto a region. bridge and source may be nil when
// the host has no SPI surface or no cluster catalog.
func New(region *shmem.Shmem, segs *shmem.SegmentTable, pool *executor.Pool, bridge *spi.Bridge, source CatalogSource) *Worker {
	pt := paramtable.Get()
	return &Worker{
		region:          region,
		segs:            segs,
		pool:            pool,
		bridge:          bridge,
		source:          source,
		idleTick:        pt.GetDuration("worker.idleTick"),
		refreshInterval: pt.GetDuration("worker.catalogRefreshInterval"),
		stop:            make(chan struct{}),
	}
}

// Start registers the latch, marks the worker Running, and launches the
// main loop.
func (w *Worker) Start() {
	w.region.WorkerState.Store(shmem.WorkerStateStarting)

	pool, err := ants.NewPool(shmem.MaxConcurrent)
	if err != nil {
		// The only failure mode is a non-positive size.
		panic(err)
	}
	w.slotPool = pool

	w.latch, w.latchHandle = shmem.NewLatch()
	w.region.WorkerLatch.Store(w.latchHandle)
	w.region.WorkerStartTime.Store(time.Now().Unix())

	w.region.WorkerState.Store(shmem.WorkerStateRunning)
	log.Info("background worker running")

	w.wg.Add(1)
	go w.loop()
}

// Stop shuts the loop down and marks the worker Stopped.
func (w *Worker) Stop() {
	close(w.stop)
	w.latch.Set()
	w.wg.Wait()

	w.slotPool.Release()
	w.region.WorkerState.Store(shmem.WorkerStateStopped)
	w.region.WorkerLatch.Store(0)
	shmem.ReleaseLatch(w.latchHandle)
	log.Info("background worker stopped")
}

func (w *Worker) loop() {
	defer w.wg.Done()

	lastRefresh := time.Time{}
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		w.latch.Wait(w.idleTick)

		w.processSlots()
		if w.bridge != nil {
			w.bridge.ProcessPending()
		}
		if w.source != nil && time.Since(lastRefresh) >= w.refreshInterval {
			w.refreshCatalog()
			lastRefresh = time.Now()
		}
	}
}

// processSlots claims every Pending slot and serves each on the slot
// pool.
func (w *Worker) processSlots() {
	for i := range w.region.RequestSlots {
		slot := &w.region.RequestSlots[i]
		if !slot.State.CompareAndSwap(shmem.SlotPending, shmem.SlotInProgress) {
			continue
		}
		i, slot := i, slot
		if err := w.slotPool.Submit(func() { w.serveSlot(i, slot) }); err != nil {
			// Pool released during shutdown; serve inline.
			w.serveSlot(i, slot)
		}
	}
}

// serveSlot decodes the staged request, runs it on the executor pool,
// and writes the response segment back into the slot.
func (w *Worker) serveSlot(idx int, slot *shmem.RequestSlot) {
	reqHandle := slot.DSMHandle.Load()
	reqSeg, err := w.segs.Attach(reqHandle)
	if err != nil {
		w.finishSlot(slot, shmem.SlotError, func(seg []byte) {
			shmem.EncodeResponseError(seg, fmt.Sprintf("request segment lost: %v", err))
		})
		return
	}
	req, err := shmem.DecodeRequest(reqSeg)
	w.segs.Detach(reqHandle)
	if err != nil {
		w.finishSlot(slot, shmem.SlotError, func(seg []byte) {
			shmem.EncodeResponseError(seg, fmt.Sprintf("malformed request: %v", err))
		})
		return
	}

	log.Debug("serving IPC request",
		zap.Int("slot", idx), zap.Uint32("flags", req.Flags))

	result := <-w.pool.Submit(req.SQL)
	switch {
	case result.Err != nil:
		w.finishSlot(slot, shmem.SlotError, func(seg []byte) {
			shmem.EncodeResponseError(seg, result.Err.Error())
		})
	case result.Select != nil:
		rows, err := renderRows(result.Select)
		if err != nil {
			w.finishSlot(slot, shmem.SlotError, func(seg []byte) {
				shmem.EncodeResponseError(seg, err.Error())
			})
			return
		}
		w.finishSlot(slot, shmem.SlotDone, func(seg []byte) {
			if err := shmem.EncodeResponseRows(seg, rows); err != nil {
				shmem.EncodeResponseError(seg, err.Error())
				slot.State.Store(shmem.SlotError)
			}
		})
	default:
		affected := fmt.Sprintf("%d", result.Execute.RowsAffected)
		w.finishSlot(slot, shmem.SlotDone, func(seg []byte) {
			_ = shmem.EncodeResponseRows(seg, shmem.Rows{
				Columns: []string{"rows_affected"},
				Values:  [][]*string{{&affected}},
			})
		})
	}
}

// finishSlot allocates the response segment, fills it, and publishes
// the terminal state.
func (w *Worker) finishSlot(slot *shmem.RequestSlot, state uint32, fill func(seg []byte)) {
	respHandle, err := w.segs.Create(shmem.ResponseQueueSize)
	if err != nil {
		slot.DSMHandle.Store(0)
		slot.State.Store(shmem.SlotError)
		return
	}
	seg, _ := w.segs.Attach(respHandle)
	fill(seg)
	slot.DSMHandle.Store(respHandle)
	if slot.State.Load() == shmem.SlotInProgress {
		slot.State.Store(state)
	}
}

// refreshCatalog replaces the shared catalog from the cluster source.
func (w *Worker) refreshCatalog() {
	rows, err := w.source.Tables()
	if err != nil {
		log.Warn("catalog refresh failed", zap.Error(err))
		return
	}
	shmem.RefreshCatalog(w.region, rows)
	w.region.CatalogLastRefresh.Store(time.Now().Unix())
}

// renderRows converts an arrow result into the text-cell form crossing
// the IPC boundary.
func renderRows(sel *executor.SelectResult) (shmem.Rows, error) {
	cols := make([]string, 0, len(sel.Schema.Fields()))
	for _, f := range sel.Schema.Fields() {
		cols = append(cols, f.Name)
	}

	out := shmem.Rows{Columns: cols}
	for _, batch := range sel.Batches {
		for row := 0; row < int(batch.NumRows()); row++ {
			cells := make([]*string, batch.NumCols())
			for c := 0; c < int(batch.NumCols()); c++ {
				cell, err := formatCell(batch.Column(c), row)
				if err != nil {
					return shmem.Rows{}, err
				}
				cells[c] = cell
			}
			out.Values = append(out.Values, cells)
		}
	}
	return out, nil
}

// formatCell renders one cell as its text representation, nil for NULL.
func formatCell(col arrow.Array, row int) (*string, error) {
	if col.IsNull(row) {
		return nil, nil
	}
	var s string
	switch c := col.(type) {
	case *array.Boolean:
		s = fmt.Sprintf("%t", c.Value(row))
	case *array.Int8:
		s = fmt.Sprintf("%d", c.Value(row))
	case *array.Int16:
		s = fmt.Sprintf("%d", c.Value(row))
	case *array.Int32:
		s = fmt.Sprintf("%d", c.Value(row))
	case *array.Int64:
		s = fmt.Sprintf("%d", c.Value(row))
	case *array.Uint8:
		s = fmt.Sprintf("%d", c.Value(row))
	case *array.Uint16:
		s = fmt.Sprintf("%d", c.Value(row))
	case *array.Uint32:
		s = fmt.Sprintf("%d", c.Value(row))
	case *array.Uint64:
		s = fmt.Sprintf("%d", c.Value(row))
	case *array.Float32:
		s = fmt.Sprintf("%g", c.Value(row))
	case *array.Float64:
		s = fmt.Sprintf("%g", c.Value(row))
	case *array.String:
		s = c.Value(row)
	case *array.Binary:
		s = fmt.Sprintf("\\x%x", c.Value(row))
	case *array.Date32:
		s = time.Unix(int64(c.Value(row))*86400, 0).UTC().Format("2006-01-02")
	case *array.Date64:
		s = time.Unix(int64(c.Value(row))/1000, 0).UTC().Format("2006-01-02")
	case *array.Timestamp:
		v := int64(c.Value(row))
		var ts time.Time
		switch c.DataType().(*arrow.TimestampType).Unit {
		case arrow.Second:
			ts = time.Unix(v, 0)
		case arrow.Millisecond:
			ts = time.Unix(v/1e3, (v%1e3)*1e6)
		case arrow.Microsecond:
			ts = time.Unix(v/1e6, (v%1e6)*1e3)
		default:
			ts = time.Unix(0, v)
		}
		s = ts.UTC().Format("2006-01-02 15:04:05.999999")
	default:
		return nil, fmt.Errorf("unsupported result column type %s", col.DataType())
	}
	return &s, nil
}
