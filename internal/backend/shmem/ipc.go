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

package shmem

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

// Response status codes written into response segments.
const (
	ResponseOK uint32 = iota
	ResponseError
)

// executeTimeout bounds a backend's wait on the worker.
const executeTimeout = 300 * time.Second

// Request is a decoded IPC request segment.
type Request struct {
	Flags uint32
	SQL   string
}

// Rows is the columnar result crossing the IPC boundary: column names
// plus text-rendered cells, nil meaning NULL.
type Rows struct {
	Columns []string
	Values  [][]*string
}

// EncodeRequest frames a request into a segment buffer.
func EncodeRequest(seg []byte, flags uint32, sql string) error {
	need := 8 + len(sql)
	if need > len(seg) {
		return errors.Newf("query of %d bytes exceeds request segment size %d",
			len(sql), len(seg))
	}
	binary.LittleEndian.PutUint32(seg[0:4], flags)
	binary.LittleEndian.PutUint32(seg[4:8], uint32(len(sql)))
	copy(seg[8:], sql)
	return nil
}

// DecodeRequest parses a request segment.
func DecodeRequest(seg []byte) (Request, error) {
	if len(seg) < 8 {
		return Request{}, errors.New("request segment too short")
	}
	flags := binary.LittleEndian.Uint32(seg[0:4])
	n := int(binary.LittleEndian.Uint32(seg[4:8]))
	if n < 0 || 8+n > len(seg) {
		return Request{}, errors.Newf("request length %d exceeds segment", n)
	}
	return Request{Flags: flags, SQL: string(seg[8 : 8+n])}, nil
}

// EncodeResponseError frames an error into a response segment.
func EncodeResponseError(seg []byte, msg string) {
	if len(msg) > len(seg)-8 {
		msg = msg[:len(seg)-8]
	}
	binary.LittleEndian.PutUint32(seg[0:4], ResponseError)
	binary.LittleEndian.PutUint32(seg[4:8], uint32(len(msg)))
	copy(seg[8:], msg)
}

// EncodeResponseRows frames a row set into a response segment. Layout:
// status, column count, columns, row count, then per cell a null flag
// and length-prefixed bytes.
func EncodeResponseRows(seg []byte, rows Rows) error {
	w := &segWriter{seg: seg}
	w.u32(ResponseOK)
	w.u32(uint32(len(rows.Columns)))
	for _, c := range rows.Columns {
		w.str(c)
	}
	w.u32(uint32(len(rows.Values)))
	for _, row := range rows.Values {
		if len(row) != len(rows.Columns) {
			return errors.Newf("row has %d cells for %d columns",
				len(row), len(rows.Columns))
		}
		for _, cell := range row {
			if cell == nil {
				w.u8(0)
				continue
			}
			w.u8(1)
			w.str(*cell)
		}
	}
	if w.overflow {
		return errors.Newf("result of %d bytes exceeds response segment size %d",
			w.pos, len(seg))
	}
	return nil
}

// DecodeResponse parses a response segment into rows or the error the
// worker recorded.
func DecodeResponse(seg []byte) (Rows, error) {
	r := &segReader{seg: seg}
	status := r.u32()
	if status == ResponseError {
		n := int(r.u32())
		if r.err != nil || r.pos+n > len(seg) {
			return Rows{}, errors.New("malformed error response")
		}
		return Rows{}, errors.Newf("%s", string(seg[r.pos:r.pos+n]))
	}

	ncols := int(r.u32())
	cols := make([]string, 0, ncols)
	for i := 0; i < ncols; i++ {
		cols = append(cols, r.str())
	}
	nrows := int(r.u32())
	values := make([][]*string, 0, nrows)
	for i := 0; i < nrows; i++ {
		row := make([]*string, ncols)
		for c := 0; c < ncols; c++ {
			if r.u8() == 1 {
				s := r.str()
				row[c] = &s
			}
		}
		values = append(values, row)
	}
	if r.err != nil {
		return Rows{}, r.err
	}
	return Rows{Columns: cols, Values: values}, nil
}

// AcquireSlot claims a Free request slot via CAS, returning its index.
func AcquireSlot(region *Shmem) (int, error) {
	for i := range region.RequestSlots {
		if region.RequestSlots[i].State.CompareAndSwap(SlotFree, SlotPending) {
			return i, nil
		}
	}
	return -1, errors.Newf("all %d request slots are busy", MaxConcurrent)
}

// ReleaseSlot returns a slot to Free, detaching any segment still
// referenced.
func ReleaseSlot(region *Shmem, segs *SegmentTable, slot int) {
	s := &region.RequestSlots[slot]
	if h := s.DSMHandle.Swap(0); h != 0 {
		segs.Detach(h)
	}
	s.BackendPID.Store(0)
	s.State.Store(SlotFree)
}

// ExecuteQuery runs sql through the background worker: claim a slot,
// stage the request segment, signal the worker latch, and poll the slot
// until it reaches Done, Error, or Cancelled.
func ExecuteQuery(region *Shmem, segs *SegmentTable, sql string, flags uint32) (Rows, error) {
	if region.WorkerState.Load() != WorkerStateRunning {
		return Rows{}, errors.New("background worker is not running")
	}

	slot, err := AcquireSlot(region)
	if err != nil {
		return Rows{}, err
	}
	defer ReleaseSlot(region, segs, slot)

	handle, err := segs.Create(RequestQueueSize)
	if err != nil {
		return Rows{}, err
	}
	seg, _ := segs.Attach(handle)
	if err := EncodeRequest(seg, flags, sql); err != nil {
		segs.Detach(handle)
		return Rows{}, err
	}

	s := &region.RequestSlots[slot]
	s.DSMHandle.Store(handle)
	s.BackendPID.Store(uint32(os.Getpid()))

	if l, ok := LatchByHandle(region.WorkerLatch.Load()); ok {
		l.Set()
	}

	deadline := time.Now().Add(executeTimeout)
	for {
		switch s.State.Load() {
		case SlotDone, SlotError:
			respHandle := s.DSMHandle.Load()
			respSeg, err := segs.Attach(respHandle)
			if err != nil {
				return Rows{}, errors.Wrap(err, "response segment lost")
			}
			return DecodeResponse(respSeg)
		case SlotCancelled:
			return Rows{}, errors.New("query was cancelled")
		}
		if time.Now().After(deadline) {
			s.State.Store(SlotCancelled)
			return Rows{}, errors.Newf("query timed out after %s", executeTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// segWriter appends framed values to a bounded segment.
type segWriter struct {
	seg      []byte
	pos      int
	overflow bool
}

func (w *segWriter) u8(v uint8) {
	if w.pos+1 <= len(w.seg) {
		w.seg[w.pos] = v
	} else {
		w.overflow = true
	}
	w.pos++
}

func (w *segWriter) u32(v uint32) {
	if w.pos+4 <= len(w.seg) {
		binary.LittleEndian.PutUint32(w.seg[w.pos:], v)
	} else {
		w.overflow = true
	}
	w.pos += 4
}

func (w *segWriter) str(s string) {
	w.u32(uint32(len(s)))
	if w.pos+len(s) <= len(w.seg) {
		copy(w.seg[w.pos:], s)
	} else {
		w.overflow = true
	}
	w.pos += len(s)
}

// segReader pulls framed values off a segment.
type segReader struct {
	seg []byte
	pos int
	err error
}

func (r *segReader) u8() uint8 {
	if r.err != nil || r.pos+1 > len(r.seg) {
		r.err = errors.New("truncated response segment")
		return 0
	}
	v := r.seg[r.pos]
	r.pos++
	return v
}

func (r *segReader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.seg) {
		r.err = errors.New("truncated response segment")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.seg[r.pos:])
	r.pos += 4
	return v
}

func (r *segReader) str() string {
	n := int(r.u32())
	if r.err != nil || r.pos+n > len(r.seg) {
		r.err = errors.New("truncated response segment")
		return ""
	}
	s := string(r.seg[r.pos : r.pos+n])
	r.pos += n
	return s
}
