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

package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// serviceConfig is the per-extension JSON payload shared by all start
// functions. Fields irrelevant to a given extension are simply unset.
type serviceConfig struct {
	Host          string `json:"host"`
	Port          uint16 `json:"port"`
	Password      string `json:"password"`
	DBCredentials string `json:"db_credentials"`
	CertPath      string `json:"cert_path"`
	KeyPath       string `json:"key_path"`
	CACertPath    string `json:"ca_cert_path"`
	DataPath      string `json:"data_path"`
}

// StartServiceSQL maps an extension name and its JSON config to the SQL
// statement that starts its service. The mapping is total over the
// known extension set: unknown names return ok=false with no error so
// the caller can load-without-start. Invalid JSON is an error.
func StartServiceSQL(name, configJSON string) (sql string, ok bool, err error) {
	var cfg serviceConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return "", false, errors.Wrapf(err, "extension %q: invalid config JSON", name)
	}

	switch name {
	case "flight":
		if cfg.CertPath != "" || cfg.KeyPath != "" || cfg.CACertPath != "" {
			return fmt.Sprintf(
				"SELECT start_flight_server_tls('%s', %d, '%s', '%s', '%s')",
				escapeSQL(cfg.Host), cfg.Port,
				escapeSQL(cfg.CertPath), escapeSQL(cfg.KeyPath), escapeSQL(cfg.CACertPath),
			), true, nil
		}
		return fmt.Sprintf("SELECT start_flight_server('%s', %d)",
			escapeSQL(cfg.Host), cfg.Port), true, nil

	case "pgwire":
		return fmt.Sprintf("SELECT start_pgwire_server('%s', %d, '%s', '%s')",
			escapeSQL(cfg.Host), cfg.Port,
			escapeSQL(cfg.Password), escapeSQL(cfg.DBCredentials)), true, nil

	case "trexas":
		return fmt.Sprintf("SELECT trex_start_server_with_config('%s')",
			escapeSQL(configJSON)), true, nil

	case "chdb":
		if cfg.DataPath != "" {
			return fmt.Sprintf("SELECT chdb_start_database('%s')",
				escapeSQL(cfg.DataPath)), true, nil
		}
		return "SELECT chdb_start_database()", true, nil

	default:
		return "", false, nil
	}
}

// escapeSQL doubles single quotes for embedding in a SQL string literal.
func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
