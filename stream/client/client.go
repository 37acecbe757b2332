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

// Package client declares the external Client collaborator: a
// per-connection RPC handle. Wire codec, framing, TLS and the event-loop
// are all implemented behind this interface by a layer this module never
// touches - the coordinator only ever calls these methods and registers
// these listeners.
package client

import (
	"context"

	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// MaxSubscriptionsPerClient is the hard per-connection subscription
// fan-out limit imposed by the broker protocol.
const MaxSubscriptionsPerClient = 256

// ShutdownReason classifies why a connection died.
type ShutdownReason int

const (
	// ShutdownReasonUnknown covers any reason not otherwise classified.
	ShutdownReasonUnknown ShutdownReason = iota
	// ShutdownReasonClientClose means the client itself asked to close
	// the connection; this is not a disruption and never triggers
	// recovery.
	ShutdownReasonClientClose
	// ShutdownReasonServerClose means the broker closed the connection.
	ShutdownReasonServerClose
	// ShutdownReasonHeartbeatMissed means the connection was dropped
	// after missing too many heartbeats.
	ShutdownReasonHeartbeatMissed
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownReasonClientClose:
		return "client-close"
	case ShutdownReasonServerClose:
		return "server-close"
	case ShutdownReasonHeartbeatMissed:
		return "heartbeat-missed"
	default:
		return "unknown"
	}
}

// ShutdownContext describes why a connection's shutdownListener fired.
type ShutdownContext struct {
	Reason ShutdownReason
}

// Message is the minimal broker-delivered message shape the coordinator
// dispatches to user handlers. Decoding/decompression happens upstream;
// by the time it reaches here it is opaque payload bytes plus the
// envelope fields the coordinator itself needs (offset bookkeeping).
type Message struct {
	Offset          uint64
	ChunkTimestamp  int64
	CommittedOffset uint64
	Payload         []byte
}

// MessageListener is invoked for every inbound delivery on a connection,
// from the connection's single I/O goroutine - handlers must not block.
type MessageListener func(subscriptionID uint8, msg Message)

// ShutdownListener is invoked once when a connection dies, for any
// reason including a local close.
type ShutdownListener func(ctx ShutdownContext)

// MetadataListener is invoked when the broker reports a topology change
// for a stream this connection has a subscription on. code is OK for a
// "nothing changed, re-check anyway" nudge in some broker versions, but
// in practice the recovery engine only acts when code != OK.
type MetadataListener func(stream string, code wire.ResponseCode)

// Client is the per-connection RPC handle. One Client multiplexes up to
// MaxSubscriptionsPerClient subscriptions plus locator RPCs.
type Client interface {
	// Subscribe opens a new subscription on this connection.
	Subscribe(ctx context.Context, subID uint8, stream string, offsetSpec wire.OffsetSpecification, credits uint16, properties wire.Properties) (wire.Response, error)

	// Unsubscribe closes a previously opened subscription. Safe to call
	// on an id that was never subscribed (returns a non-OK response,
	// never an error, matching broker semantics for unknown ids).
	Unsubscribe(ctx context.Context, subID uint8) (wire.Response, error)

	// Credit grants additional delivery credit for an open subscription.
	// Called by the flow-control strategy, never directly by the
	// coordinator.
	Credit(ctx context.Context, subID uint8, credits uint16) error

	// Metadata resolves the leader/replicas for a stream.
	Metadata(ctx context.Context, stream string) (StreamMetadata, error)

	// QueryOffset asks the broker for the last committed offset stored
	// under reference for stream.
	QueryOffset(ctx context.Context, reference, stream string) (wire.OffsetResponse, error)

	// Partitions lists the partitions of a super-stream. Used only by
	// super-stream producers; exposed here because it is part of the
	// broker Client's surface, not because the consumer coordinator
	// calls it.
	Partitions(ctx context.Context, superStream string) ([]string, error)

	// Route resolves which partition(s) of a super-stream a routing key
	// maps to. Same caveat as Partitions.
	Route(ctx context.Context, key, superStream string) ([]string, error)

	// ServerAdvertisedHost and ServerAdvertisedPort report the
	// host/port the broker advertised for this connection, used by the
	// advertised-node reconnect wrapper in stream.Environment.
	ServerAdvertisedHost() string
	ServerAdvertisedPort() int

	// SetMessageListener, SetShutdownListener and SetMetadataListener
	// register the three inbound event hooks. Called once at connection
	// build time; the coordinator never swaps them afterward.
	SetMessageListener(MessageListener)
	SetShutdownListener(ShutdownListener)
	SetMetadataListener(MetadataListener)

	// Close tears down the connection. Causes the shutdown listener to
	// fire with ShutdownReasonClientClose.
	Close(ctx context.Context) error
}

// StreamMetadata is the broker's view of who hosts a stream.
type StreamMetadata struct {
	Code     wire.ResponseCode
	Leader   *Broker
	Replicas []Broker
}

// Broker identifies a physical broker node. Immutable; used as a pool
// key.
type Broker struct {
	Host string
	Port int
}

// Factory dials a new Client for the given broker, tagged with
// connectionName for pool-bucket segregation (e.g. "consumer-connection"
// vs other categories never collide in the same bucket).
type Factory func(ctx context.Context, b Broker, connectionName string) (Client, error)
