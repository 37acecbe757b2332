// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broker resolves, for a stream, the brokers a consumer should
// try to subscribe against: the leader and its replicas, fetched through
// a locator connection.
package broker

import (
	"context"

	"github.com/henry701/rabbitmq-stream-go-client/pkg/log"
	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/streamerr"
	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// Directory resolves stream metadata through a locator Client.
type Directory struct {
	// Locator is the connection used for metadata lookups. It is not
	// owned by Directory; callers are responsible for its lifecycle.
	Locator client.Client
	Log     log.Logger
}

// NewDirectory returns a ready-to-use Directory.
func NewDirectory(locator client.Client, logger log.Logger) *Directory {
	if logger == nil {
		logger = log.Nop
	}
	return &Directory{Locator: locator, Log: logger}
}

// FindBrokersForStream resolves the candidate brokers for stream,
// preferring replicas (so consumers offload the leader) and falling back
// to the leader alone when there are no replicas.
//
//   - missing metadata, or a StreamDoesNotExist code -> NoSuchStream
//   - any other non-OK code -> IllegalState
//   - OK code but both leader and replicas empty -> IllegalState
func (d *Directory) FindBrokersForStream(ctx context.Context, stream string) ([]client.Broker, error) {
	meta, err := d.Locator.Metadata(ctx, stream)
	if err != nil {
		d.Log.Warnf("metadata lookup for stream %q failed: %v", stream, err)
		return nil, streamerr.Timeout("metadata(" + stream + ")")
	}

	return brokersFromMetadata(stream, meta)
}

// brokersFromMetadata applies the classification rules in FindBrokersForStream's
// doc comment to an already-fetched StreamMetadata. Split out so the
// recovery engine (which re-resolves candidates on every attempt but
// shares the same metadata round trip) can reuse the classification
// without a second RPC.
func brokersFromMetadata(stream string, meta client.StreamMetadata) ([]client.Broker, error) {
	switch meta.Code {
	case wire.ResponseCodeStreamDoesNotExist:
		return nil, streamerr.NoSuchStream(stream)
	case wire.ResponseCodeOK:
		// fall through to leader/replica selection below
	case 0:
		// zero-value ResponseCode from a misbehaving fake/broker; treat
		// the same as "no metadata returned".
		return nil, streamerr.NoSuchStream(stream)
	default:
		return nil, streamerr.IllegalState(stream, meta.Code.String())
	}

	if len(meta.Replicas) > 0 {
		return meta.Replicas, nil
	}
	if meta.Leader != nil {
		return []client.Broker{*meta.Leader}, nil
	}
	return nil, streamerr.IllegalState(stream, "empty leader and replicas")
}

// BrokersFromMetadata is the exported form of brokersFromMetadata, used by
// the recovery engine to classify a metadata response it fetched itself
// (recovery re-resolves candidates on every attempt; see spec §4.5 step
// 2b).
func BrokersFromMetadata(stream string, meta client.StreamMetadata) ([]client.Broker, error) {
	return brokersFromMetadata(stream, meta)
}
