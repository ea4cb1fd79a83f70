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

package cluster

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
	"cluster_id": "test-cluster",
	"nodes": {
		"node-a": {
			"gossip_addr": "127.0.0.1:7100",
			"extensions": [
				{ "name": "flight", "host": "0.0.0.0", "port": 8815 }
			]
		},
		"node-b": {
			"gossip_addr": "127.0.0.1:7101",
			"data_node": false
		}
	}
}`

func TestFromJSON_Valid(t *testing.T) {
	cfg, err := FromJSON([]byte(sampleJSON))
	require.NoError(t, err)
	assert.Equal(t, "test-cluster", cfg.ClusterID)
	assert.Len(t, cfg.Nodes, 2)

	a := cfg.Nodes["node-a"]
	assert.True(t, a.IsDataNode())
	require.Len(t, a.Extensions, 1)
	assert.Equal(t, "flight", a.Extensions[0].Name)
	require.NotNil(t, a.Extensions[0].Port)
	assert.Equal(t, uint16(8815), *a.Extensions[0].Port)

	b := cfg.Nodes["node-b"]
	assert.False(t, b.IsDataNode())
	assert.Empty(t, b.Extensions)
}

func TestFromJSON_TLS(t *testing.T) {
	cfg, err := FromJSON([]byte(`{
		"cluster_id": "secure",
		"tls": { "ca_cert": "/etc/ssl/ca.pem" },
		"nodes": {
			"n1": {
				"gossip_addr": "10.0.0.1:7100",
				"tls": { "cert": "/etc/ssl/n1.pem", "key": "/etc/ssl/n1.key" }
			}
		}
	}`))
	require.NoError(t, err)
	require.NotNil(t, cfg.TLS)
	assert.Equal(t, "/etc/ssl/ca.pem", cfg.TLS.CACert)
	n1 := cfg.Nodes["n1"]
	require.NotNil(t, n1.TLS)
	assert.Equal(t, "/etc/ssl/n1.pem", n1.TLS.Cert)
	assert.Equal(t, "/etc/ssl/n1.key", n1.TLS.Key)
}

func TestFromJSON_EmptyClusterID(t *testing.T) {
	_, err := FromJSON([]byte(`{ "cluster_id": "  ", "nodes": {} }`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster_id")
}

func TestFromJSON_InvalidGossipAddr(t *testing.T) {
	_, err := FromJSON([]byte(`{
		"cluster_id": "c",
		"nodes": { "n": { "gossip_addr": "not-a-socket-addr" } }
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gossip_addr")
	assert.Contains(t, err.Error(), "not-a-socket-addr")
}

func TestFromJSON_DuplicateGossipAddr(t *testing.T) {
	_, err := FromJSON([]byte(`{
		"cluster_id": "c",
		"nodes": {
			"a": { "gossip_addr": "127.0.0.1:7100" },
			"b": { "gossip_addr": "127.0.0.1:7100" }
		}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestFromJSON_HostWithoutPort(t *testing.T) {
	_, err := FromJSON([]byte(`{
		"cluster_id": "c",
		"nodes": {
			"n": {
				"gossip_addr": "127.0.0.1:7100",
				"extensions": [{ "name": "x", "host": "0.0.0.0" }]
			}
		}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestFromJSON_Malformed(t *testing.T) {
	_, err := FromJSON([]byte(`{ not valid json }}}`))
	assert.Error(t, err)
}

func TestFromJSON_UnknownFieldsIgnored(t *testing.T) {
	_, err := FromJSON([]byte(`{
		"cluster_id": "c",
		"mystery": 42,
		"nodes": { "n": { "gossip_addr": "127.0.0.1:7100", "color": "blue" } }
	}`))
	assert.NoError(t, err)
}

func TestConfig_RoundTrip(t *testing.T) {
	cfg, err := FromJSON([]byte(sampleJSON))
	require.NoError(t, err)

	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	again, err := FromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestNodeName_FromEnv(t *testing.T) {
	t.Setenv(NodeEnvVar, "node-a")
	name, err := NodeName()
	require.NoError(t, err)
	assert.Equal(t, "node-a", name)
}

func TestThisNode(t *testing.T) {
	cfg, err := FromJSON([]byte(sampleJSON))
	require.NoError(t, err)

	t.Setenv(NodeEnvVar, "node-b")
	name, node, ok := cfg.ThisNode()
	require.True(t, ok)
	assert.Equal(t, "node-b", name)
	assert.False(t, node.IsDataNode())

	t.Setenv(NodeEnvVar, "no-such-node")
	_, _, ok = cfg.ThisNode()
	assert.False(t, ok)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(ConfigEnvVar, sampleJSON)
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "test-cluster", cfg.ClusterID)
}
