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

package spi

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost records transaction bracketing and serves canned results.
type fakeHost struct {
	mu       sync.Mutex
	begun    int
	commits  int
	executed []string
}

func (h *fakeHost) StartTransaction() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begun++
}

func (h *fakeHost) CommitTransaction() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits++
}

func (h *fakeHost) Execute(sql string) ([]Column, [][]*string, error) {
	h.mu.Lock()
	h.executed = append(h.executed, sql)
	h.mu.Unlock()

	switch sql {
	case "PANIC":
		panic("query exploded")
	case "PANIC_ERR":
		panic(errors.New("typed explosion"))
	case "PANIC_WEIRD":
		panic(42)
	case "FAIL":
		return nil, nil, errors.New("relation missing")
	}

	v := "1"
	return []Column{{Name: "n", OID: 23}}, [][]*string{{&v}, {nil}}, nil
}

// pump drains the bridge until stop is closed.
func pump(b *Bridge, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			b.ProcessPending()
			time.Sleep(time.Millisecond)
		}
	}
}

func TestBridge_Roundtrip(t *testing.T) {
	host := &fakeHost{}
	b := NewBridge(host)
	stop := make(chan struct{})
	defer close(stop)
	go pump(b, stop)

	resp, err := b.Do("SELECT n FROM t")
	require.NoError(t, err)
	assert.Empty(t, resp.Err)
	require.Len(t, resp.Columns, 1)
	assert.Equal(t, "n", resp.Columns[0].Name)
	assert.Equal(t, uint32(23), resp.Columns[0].OID)
	require.Len(t, resp.Rows, 2)
	assert.Equal(t, "1", *resp.Rows[0][0])
	assert.Nil(t, resp.Rows[1][0])
}

func TestBridge_ErrorIsReported(t *testing.T) {
	b := NewBridge(&fakeHost{})
	stop := make(chan struct{})
	defer close(stop)
	go pump(b, stop)

	resp, err := b.Do("FAIL")
	require.NoError(t, err)
	assert.Contains(t, resp.Err, "relation missing")
}

func TestBridge_PanicDoesNotPoisonSiblings(t *testing.T) {
	host := &fakeHost{}
	b := NewBridge(host)
	stop := make(chan struct{})
	defer close(stop)
	go pump(b, stop)

	resp, err := b.Do("PANIC")
	require.NoError(t, err)
	assert.Contains(t, resp.Err, "query exploded")

	// The next request is unaffected.
	resp, err = b.Do("SELECT n FROM t")
	require.NoError(t, err)
	assert.Empty(t, resp.Err)

	// Every request committed its transaction, panicked or not.
	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, host.begun, host.commits)
	assert.Equal(t, 2, host.commits)
}

func TestBridge_FIFOOrder(t *testing.T) {
	host := &fakeHost{}
	b := NewBridge(host)

	var replies sync.WaitGroup
	for i := 0; i < 10; i++ {
		sql := fmt.Sprintf("Q%d", i)
		req := &Request{SQL: sql, reply: make(chan Response, 1)}
		b.reqs <- req
		replies.Add(1)
		go func() {
			defer replies.Done()
			<-req.reply
		}()
	}

	b.ProcessPending()
	replies.Wait()

	host.mu.Lock()
	defer host.mu.Unlock()
	require.Len(t, host.executed, 10)
	for i, sql := range host.executed {
		assert.Equal(t, fmt.Sprintf("Q%d", i), sql)
	}
}

func TestPanicMessage(t *testing.T) {
	assert.Equal(t, "boom", PanicMessage("boom"))
	assert.Equal(t, "typed", PanicMessage(errors.New("typed")))
	assert.Equal(t, "unknown panic", PanicMessage(42))
}
