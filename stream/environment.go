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

package stream

import (
	"context"

	"github.com/henry701/rabbitmq-stream-go-client/pkg/log"
	"github.com/henry701/rabbitmq-stream-go-client/stream/broker"
	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/flowcontrol"
	"github.com/henry701/rabbitmq-stream-go-client/stream/manager"
	"github.com/henry701/rabbitmq-stream-go-client/stream/pool"
	"github.com/henry701/rabbitmq-stream-go-client/stream/recovery"
	"github.com/henry701/rabbitmq-stream-go-client/stream/streamerr"
	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// defaultMaxAdvertisedReconnectAttempts bounds how many times
// WithAdvertisedHostReconnect will redial before giving up (spec §4.1
// step 2: "retry until matched or budget exhausted").
const defaultMaxAdvertisedReconnectAttempts = 5

// WithAdvertisedHostReconnect wraps factory so that, after dialing, it
// checks whether the connection's self-reported advertised host/port
// match the broker that was actually asked for; a proxy or load balancer
// can silently redirect a dial to the wrong node, so this reconciles
// that before the connection is handed back to the pool. Mirrors the
// teacher's address-normalization concern in conn.go (reconciling a
// server-reported address against what the caller asked for), applied
// here to a reported identity instead of a URL scheme prefix.
func WithAdvertisedHostReconnect(factory client.Factory, maxAttempts int) client.Factory {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAdvertisedReconnectAttempts
	}
	return func(ctx context.Context, b client.Broker, connectionName string) (client.Client, error) {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			c, err := factory(ctx, b, connectionName)
			if err != nil {
				return nil, err
			}
			if c.ServerAdvertisedHost() == b.Host && c.ServerAdvertisedPort() == b.Port {
				return c, nil
			}
			_ = c.Close(ctx)
		}
		return nil, streamerr.IllegalState(b.Host, "advertised host/port never matched requested broker")
	}
}

// Environment is the public entry point a real client library exposes:
// a thin wrapper over a Directory and a Coordinator, realizing spec
// §4.1's "Coordinator façade" as something an application constructs
// once and calls NewConsumer/Close on (spec.md names the Coordinator
// façade; Environment is the supplemented outer layer described in
// SPEC_FULL.md §13).
type Environment struct {
	coordinator *Coordinator
}

// NewEnvironment builds an Environment around a locator connection (used
// for metadata/offset lookups) and a factory for dialing consumer
// connections.
func NewEnvironment(locator client.Client, factory client.Factory, connName pool.ConnectionName, recoveryCfg recovery.Config, logger log.Logger) *Environment {
	if logger == nil {
		logger = log.Nop
	}
	directory := broker.NewDirectory(locator, logger)
	coordinator := NewCoordinator(directory, factory, connName, recoveryCfg, logger)
	return &Environment{coordinator: coordinator}
}

// NewConsumer subscribes consumer to stream and returns its idempotent
// closer, delegating to Coordinator.Subscribe.
func (e *Environment) NewConsumer(
	ctx context.Context,
	consumer manager.ConsumerHandle,
	streamName string,
	offsetSpec wire.OffsetSpecification,
	consumerName string,
	listener manager.Listener,
	trackingCloser func(),
	messageHandler func(client.Message),
	flowBuilder flowcontrol.Builder,
	properties wire.Properties,
) (func(), error) {
	return e.coordinator.Subscribe(ctx, consumer, streamName, offsetSpec, consumerName, listener, trackingCloser, messageHandler, flowBuilder, properties)
}

// Snapshot returns the environment's current diagnostic snapshot.
func (e *Environment) Snapshot() Snapshot { return e.coordinator.Snapshot() }

// ManagerCount reports the number of live managers, for shutdown
// verification.
func (e *Environment) ManagerCount() int { return e.coordinator.ManagerCount() }

// Close tears down every connection the environment's coordinator owns.
func (e *Environment) Close(ctx context.Context) error { return e.coordinator.Close(ctx) }
