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

// Package cluster parses and validates the cluster topology blob and
// answers "who am I" for the current node. Callers fall back to
// single-node mode when anything here errors; nothing in this package
// panics.
package cluster

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	// ConfigEnvVar holds the JSON topology blob.
	ConfigEnvVar = "TREX_SWARM_CONFIG"
	// NodeEnvVar holds the logical name of the current node.
	NodeEnvVar = "TREX_SWARM_NODE"
)

// TLSConfig is the cluster-wide TLS material (shared CA certificate).
type TLSConfig struct {
	CACert string `json:"ca_cert"`
}

// NodeTLSConfig is the per-node TLS material.
type NodeTLSConfig struct {
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// ExtensionConfig describes one extension hosted by a node, e.g. a
// Flight endpoint.
type ExtensionConfig struct {
	Name     string          `json:"name"`
	Host     string          `json:"host,omitempty"`
	Port     *uint16         `json:"port,omitempty"`
	Password string          `json:"password,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// NodeConfig is the configuration of a single cluster node.
type NodeConfig struct {
	GossipAddr string            `json:"gossip_addr"`
	DataNode   *bool             `json:"data_node,omitempty"`
	TLS        *NodeTLSConfig    `json:"tls,omitempty"`
	Extensions []ExtensionConfig `json:"extensions,omitempty"`
	Roles      []string          `json:"roles,omitempty"`
}

// IsDataNode reports whether the node stores data. Unset means true.
func (n *NodeConfig) IsDataNode() bool {
	return n.DataNode == nil || *n.DataNode
}

// ClusterConfig is the top-level topology parsed from TREX_SWARM_CONFIG.
type ClusterConfig struct {
	ClusterID string                `json:"cluster_id"`
	TLS       *TLSConfig            `json:"tls,omitempty"`
	Nodes     map[string]NodeConfig `json:"nodes"`
}

// FromEnv reads TREX_SWARM_CONFIG and parses it.
func FromEnv() (*ClusterConfig, error) {
	raw, ok := os.LookupEnv(ConfigEnvVar)
	if !ok {
		return nil, errors.Newf("%s environment variable is not set", ConfigEnvVar)
	}
	return FromJSON([]byte(raw))
}

// FromJSON parses a ClusterConfig from raw JSON and validates it.
// Unknown fields are ignored.
func FromJSON(raw []byte) (*ClusterConfig, error) {
	var cfg ClusterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s JSON", ConfigEnvVar)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parsed configuration, stopping at the first
// problem and naming the offending field.
func (c *ClusterConfig) Validate() error {
	if strings.TrimSpace(c.ClusterID) == "" {
		return errors.New("cluster_id must be non-empty")
	}

	seen := make(map[string]string, len(c.Nodes))
	for name, node := range c.Nodes {
		host, port, err := net.SplitHostPort(node.GossipAddr)
		if err != nil || host == "" || net.ParseIP(host) == nil || !validPort(port) {
			return errors.Newf(
				"node %q: gossip_addr %q is not a valid ip:port address",
				name, node.GossipAddr)
		}
		if prev, dup := seen[node.GossipAddr]; dup {
			return errors.Newf(
				"node %q: gossip_addr %q is a duplicate (already used by node %q)",
				name, node.GossipAddr, prev)
		}
		seen[node.GossipAddr] = name

		for _, ext := range node.Extensions {
			if ext.Host != "" && ext.Port == nil {
				return errors.Newf(
					"node %q, extension %q: host is set but port is missing",
					name, ext.Name)
			}
		}
	}
	return nil
}

// NodeName reads the current node's logical name from the environment.
func NodeName() (string, error) {
	name, ok := os.LookupEnv(NodeEnvVar)
	if !ok || name == "" {
		return "", errors.Newf("%s environment variable is not set", NodeEnvVar)
	}
	return name, nil
}

// ThisNode looks up the current node (identified by TREX_SWARM_NODE)
// inside the config. The bool is false when the env var is unset or the
// name does not appear in the topology.
func (c *ClusterConfig) ThisNode() (string, *NodeConfig, bool) {
	name, err := NodeName()
	if err != nil {
		return "", nil, false
	}
	node, ok := c.Nodes[name]
	if !ok {
		return "", nil, false
	}
	return name, &node, true
}

func validPort(p string) bool {
	n, err := strconv.Atoi(p)
	return err == nil && n > 0 && n <= 65535
}
