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

// Package transport moves shuffle partitions between peer nodes over
// Arrow Flight. It is the concrete PartitionSender behind the writer's
// remote dispatcher boundary.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow/go/v8/arrow"
	"github.com/apache/arrow/go/v8/arrow/flight"
	"github.com/apache/arrow/go/v8/arrow/ipc"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/p-hoffmann/trexsql/internal/log"
	"github.com/p-hoffmann/trexsql/internal/shuffle"
)

// exchangeCommand is the header payload accompanying a partition
// upload. The receiving node uses it to route batches into its own
// shuffle registry (or a target table when the descriptor names one).
type exchangeCommand struct {
	Descriptor  json.RawMessage `json:"shuffle_descriptor"`
	PartitionID int             `json:"partition_id"`
}

// TLSMaterial carries the optional mTLS file paths for peer channels.
type TLSMaterial struct {
	CertPath   string
	KeyPath    string
	CACertPath string
}

// FlightSender ships partitions to peers over Flight DoPut. The server
// acknowledges only after its registry has accumulated the batches, so
// a nil return here implies receiver-side visibility.
type FlightSender struct {
	tls *TLSMaterial
}

var _ shuffle.PartitionSender = (*FlightSender)(nil)

// NewFlightSender builds a sender for plaintext peer channels.
func NewFlightSender() *FlightSender {
	return &FlightSender{}
}

// NewFlightSenderTLS builds a sender using mutual TLS.
func NewFlightSenderTLS(material TLSMaterial) *FlightSender {
	return &FlightSender{tls: &material}
}

// SendPartition uploads one partition's batches to the target endpoint
// and waits for the receiver's acknowledgement.
func (s *FlightSender) SendPartition(ctx context.Context, endpoint string, desc *shuffle.Descriptor, partitionID int, schema *arrow.Schema, batches []arrow.Record) error {
	addr := strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")

	dialOpt, err := s.dialOption()
	if err != nil {
		return err
	}
	client, err := flight.NewFlightClient(addr, nil, dialOpt)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", endpoint)
	}
	defer client.Close()

	descJSON, err := desc.ToJSONBytes()
	if err != nil {
		return err
	}
	cmd, err := json.Marshal(exchangeCommand{
		Descriptor:  descJSON,
		PartitionID: partitionID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode exchange command")
	}

	stream, err := client.DoPut(ctx)
	if err != nil {
		return errors.Wrapf(err, "DoPut failed on %s", endpoint)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  cmd,
	})

	rows := int64(0)
	for _, batch := range batches {
		if err := wr.Write(batch); err != nil {
			_ = wr.Close()
			return errors.Wrapf(err, "failed to write batch to %s", endpoint)
		}
		rows += batch.NumRows()
	}
	if err := wr.Close(); err != nil {
		return errors.Wrapf(err, "failed to finish upload to %s", endpoint)
	}
	if err := stream.CloseSend(); err != nil {
		return errors.Wrapf(err, "failed to close upload to %s", endpoint)
	}

	// The ack is the receiver's promise that its registry accumulated
	// the partition atomically.
	if _, err := stream.Recv(); err != nil && err != io.EOF {
		return errors.Wrapf(err, "peer %s did not acknowledge partition %d", endpoint, partitionID)
	}

	log.Debug("sent shuffle partition",
		zap.String("endpoint", endpoint),
		zap.String("shuffleID", desc.ShuffleID),
		zap.Int("partitionID", partitionID),
		zap.Int64("rows", rows))
	return nil
}

func (s *FlightSender) dialOption() (grpc.DialOption, error) {
	if s.tls == nil {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}

	cert, err := tls.LoadX509KeyPair(s.tls.CertPath, s.tls.KeyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load client certificate %s", s.tls.CertPath)
	}
	caPEM, err := os.ReadFile(s.tls.CACertPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read CA certificate %s", s.tls.CACertPath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.Newf("no certificates found in %s", s.tls.CACertPath)
	}

	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	})
	return grpc.WithTransportCredentials(creds), nil
}

// DecodeExchangeCommand parses an incoming upload header back into the
// descriptor and partition id. The server side of the exchange uses it
// before submitting into the local registry.
func DecodeExchangeCommand(cmd []byte) (*shuffle.Descriptor, int, error) {
	var env exchangeCommand
	if err := json.Unmarshal(cmd, &env); err != nil {
		return nil, 0, errors.Wrap(err, "failed to decode exchange command")
	}
	desc, err := shuffle.FromJSONBytes(env.Descriptor)
	if err != nil {
		return nil, 0, err
	}
	return desc, env.PartitionID, nil
}
