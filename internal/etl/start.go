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

package etl

import (
	"context"
	"fmt"
	"net/url"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/p-hoffmann/trexsql/internal/log"
)

// Params are the tunables applied to a replication pipeline.
type Params struct {
	BatchSize        int
	BatchTimeoutMs   int
	RetryDelayMs     int
	RetryMaxAttempts int
}

// DefaultParams returns the stock pipeline tuning.
func DefaultParams() Params {
	return Params{
		BatchSize:        1000,
		BatchTimeoutMs:   5000,
		RetryDelayMs:     10000,
		RetryMaxAttempts: 5,
	}
}

// Validate rejects out-of-range tunables.
func (p Params) Validate() error {
	if p.BatchSize <= 0 {
		return errors.New("batch_size must be greater than 0")
	}
	if p.BatchTimeoutMs <= 0 {
		return errors.New("batch_timeout_ms must be greater than 0")
	}
	if p.RetryDelayMs < 0 {
		return errors.New("retry_delay_ms must be >= 0")
	}
	if p.RetryMaxAttempts < 0 {
		return errors.New("retry_max_attempts must be >= 0")
	}
	return nil
}

// Source describes the replication source parsed out of a connection
// string.
type Source struct {
	Host        string
	Port        uint16
	Database    string
	User        string
	Password    string
	Publication string
}

// Pipeline is the replication engine boundary. Run blocks until the
// source is exhausted (copy_only), the context is cancelled, or a
// transport error occurs.
type Pipeline interface {
	Run(ctx context.Context) error
}

// Factory builds the pipeline for a source. The concrete CDC decoding
// lives in the etl extension, outside the substrate.
type Factory func(source Source, mode Mode, params Params) (Pipeline, error)

// ParseSource parses a postgres connection string and pulls out the
// replication coordinates.
func ParseSource(connString, publication string) (Source, error) {
	cfg, err := pgconn.ParseConfig(connString)
	if err != nil {
		return Source{}, errors.Wrap(err, "invalid connection string")
	}
	return Source{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Database:    cfg.Database,
		User:        cfg.User,
		Password:    cfg.Password,
		Publication: publication,
	}, nil
}

// MaskConnString rebuilds a connection string with the password hidden,
// for status output and gossip records.
func MaskConnString(source Source) string {
	masked := ""
	if source.Password != "" {
		masked = ":****"
	}
	return fmt.Sprintf("postgresql://%s%s@%s:%d/%s",
		url.User(source.User).String(), masked, source.Host, source.Port, source.Database)
}

// Start reserves a registry slot, spawns the pipeline goroutine, and
// races the pipeline against its shutdown channel. On spawn or
// construction failure the slot is deregistered and no partial state
// remains.
func Start(reg *Registry, name, connString, publication string, mode Mode, params Params, factory Factory) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	source, err := ParseSource(connString, publication)
	if err != nil {
		return "", err
	}
	masked := MaskConnString(source)

	shutdown := make(chan struct{})
	handle := NewHandle(shutdown)
	if err := reg.Reserve(name, masked, publication, mode, handle); err != nil {
		return "", err
	}

	pipe, err := factory(source, mode, params)
	if err != nil {
		reg.Deregister(name)
		return "", errors.Wrapf(err, "pipeline %q construction failed", name)
	}

	done := make(chan error, 1)
	reg.SetThreadHandle(name, done)

	go func() {
		defer close(done)

		if mode.SnapshotEnabled() {
			reg.UpdateState(name, StateSnapshotting)
		} else {
			reg.UpdateState(name, StateStreaming)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		runErr := make(chan error, 1)
		go func() { runErr <- pipe.Run(ctx) }()

		select {
		case err := <-runErr:
			if err != nil {
				log.Error("pipeline failed",
					zap.String("pipeline", name), zap.Error(err))
				reg.SetError(name, err.Error())
				done <- err
				return
			}
			reg.UpdateState(name, StateStopped)

		case <-shutdown:
			reg.UpdateState(name, StateStopping)
			cancel()
			if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("pipeline exited with error during shutdown",
					zap.String("pipeline", name), zap.Error(err))
			}
			reg.UpdateState(name, StateStopped)
		}
	}()

	log.Info("pipeline started",
		zap.String("pipeline", name),
		zap.Stringer("mode", mode),
		zap.String("source", masked))
	return fmt.Sprintf("pipeline '%s' started (%s)", name, mode), nil
}

// StatusRows formats the registry snapshot for etl_status() output.
func StatusRows(reg *Registry) [][]string {
	infos := reg.GetAllInfo()
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		last := ""
		if !info.LastActivity.IsZero() {
			last = info.LastActivity.UTC().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{
			info.Name,
			info.State.String(),
			info.Mode.String(),
			info.ConnectionString,
			info.Publication,
			fmt.Sprintf("%d", info.RowsReplicated),
			last,
			info.ErrorMessage,
		})
	}
	return rows
}
