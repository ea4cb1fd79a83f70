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

package gossip

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandalone_SetGet(t *testing.T) {
	r := NewStandalone()
	defer r.Close()

	assert.False(t, r.IsRunning())

	require.NoError(t, r.SetKey("service:flight", `{"host":"0.0.0.0","port":8815}`))
	v, ok := r.GetKey("service:flight")
	require.True(t, ok)
	assert.Equal(t, `{"host":"0.0.0.0","port":8815}`, v)

	_, ok = r.GetKey("service:missing")
	assert.False(t, ok)
}

func TestStandalone_Delete(t *testing.T) {
	r := NewStandalone()
	defer r.Close()

	require.NoError(t, r.SetKey("pipeline:orders", "streaming"))
	require.NoError(t, r.DeleteKey("pipeline:orders"))
	_, ok := r.GetKey("pipeline:orders")
	assert.False(t, ok)
}

func TestStandalone_Overwrite(t *testing.T) {
	r := NewStandalone()
	defer r.Close()

	require.NoError(t, r.SetKey("k", "v1"))
	require.NoError(t, r.SetKey("k", "v2"))
	v, ok := r.GetKey("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestStandalone_ConcurrentAccess(t *testing.T) {
	r := NewStandalone()
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.SetKey("shared", "value")
				_, _ = r.GetKey("shared")
			}
		}()
	}
	wg.Wait()

	v, ok := r.GetKey("shared")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestInstance_IsSingleton(t *testing.T) {
	assert.Same(t, Instance(), Instance())
}
