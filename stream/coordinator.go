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

// Package stream is the coordinator façade: Environment and Coordinator
// wire together the broker directory, manager pool and recovery engine
// behind the single public Subscribe entry point, mirroring how the
// teacher's NewManagedConsumer wires a ClientPool and ConsumerConfig
// behind ManagedConsumer's public surface.
package stream

import (
	"context"

	"go.uber.org/atomic"

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

// maxAllocateRetries bounds how many times Subscribe re-acquires a
// manager, after losing a race for the last free slot or after a failed
// subscribe RPC, before giving up.
const maxAllocateRetries = 8

// Coordinator is the consumer-subscription coordinator (spec §4.1): the
// single place subscribe and its idempotent closer are implemented.
type Coordinator struct {
	directory *broker.Directory
	pool      *pool.Pool
	recovery  *recovery.Engine
	log       log.Logger

	closed atomic.Bool
}

// NewCoordinator wires a Directory, a Pool (created internally around
// factory/connName) and a recovery Engine together. The pool's
// disconnect/metadata handlers are closures that defer to the engine,
// which itself needs the pool - resolved by declaring engine first and
// closing over it, since the handlers are never invoked until well after
// construction completes.
func NewCoordinator(directory *broker.Directory, factory client.Factory, connName pool.ConnectionName, recoveryCfg recovery.Config, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Nop
	}

	var engine *recovery.Engine
	p := pool.New(factory, connName, func(m *manager.Manager, ctx client.ShutdownContext) {
		engine.OnDisconnect(m, ctx)
	}, func(m *manager.Manager, stream string, code wire.ResponseCode) {
		engine.OnMetadataUpdate(m, stream, code)
	}, logger)
	engine = recovery.New(directory, p, recoveryCfg, logger)

	return &Coordinator{directory: directory, pool: p, recovery: engine, log: logger}
}

// Subscribe is the coordinator's single public operation (spec §4.1).
// It resolves candidate brokers, acquires a manager, opens the
// subscription and returns an idempotent closer. Safe to call
// concurrently from arbitrary goroutines on arbitrary trackers, and the
// returned closer is likewise safe for concurrent/repeated invocation
// without deadlock (spec §4.1, §8 "No-deadlock").
func (c *Coordinator) Subscribe(
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
	if c.closed.Load() {
		return nil, streamerr.Closed("coordinator")
	}

	candidates, err := c.directory.FindBrokersForStream(ctx, streamName)
	if err != nil {
		return nil, err
	}

	tr := manager.NewTracker(streamName, consumerName, offsetSpec, properties, flowBuilder, messageHandler, listener, trackingCloser, consumer)

	var lastErr error
	for attempt := 0; attempt < maxAllocateRetries; attempt++ {
		m, err := c.pool.Acquire(ctx, candidates[0])
		if err != nil {
			return nil, err
		}

		subID, ok := m.AllocateTracker(tr)
		if !ok {
			// Lost the race for the last free slot; another caller filled
			// it between Acquire and AllocateTracker. Try again - Acquire
			// will either find a different manager with room or create
			// one.
			continue
		}

		strategy := flowBuilder.Build(m.Client, subID)
		credits := strategy.HandleSubscribeReturningInitialCredits(offsetSpec, true)

		resp, err := m.Client.Subscribe(ctx, subID, streamName, offsetSpec, credits, properties.WithConsumerName(consumerName))
		if err != nil {
			m.UndoAllocation(subID, tr)
			c.pool.CloseIfEmpty(ctx, m)
			lastErr = streamerr.Timeout("subscribe(" + streamName + ")")
			continue
		}
		if !resp.OK() {
			m.UndoAllocation(subID, tr)
			c.pool.CloseIfEmpty(ctx, m)
			return nil, streamerr.StreamUnavailable(streamName, resp.Code)
		}

		tr.AttachSlot(m, subID, strategy)
		return c.closerFor(tr), nil
	}

	if lastErr == nil {
		lastErr = streamerr.IllegalState(streamName, "could not allocate a subscription slot")
	}
	return nil, lastErr
}

// closerFor builds the idempotent closer for tr (spec §4.1 step 4): on
// its first (and only effective) invocation it unsubscribes on the
// broker, clears the slot, runs the user's trackingCloser, and - if the
// manager is now empty - drops it from the pool and closes its
// connection.
func (c *Coordinator) closerFor(tr *manager.Tracker) func() {
	return func() {
		if !tr.MarkClosed() {
			return
		}

		if m, subID, ok := tr.Slot(); ok {
			ctx := context.Background()
			if _, err := m.Client.Unsubscribe(ctx, subID); err != nil {
				c.log.Warnf("unsubscribe %d on stream %q failed: %v", subID, tr.Stream, err)
			}
			occupiedAfter, _ := m.Release(subID, tr)
			tr.DetachSlot()
			if occupiedAfter == 0 {
				c.pool.CloseIfEmpty(ctx, m)
			}
		}

		if tr.TrackingCloser != nil {
			tr.TrackingCloser()
		}
	}
}

// ManagerCount reports the number of live managers across every broker
// this coordinator's pool has connected to, for shutdown verification
// (spec §6 "Observability", §8 "Empty-manager GC").
func (c *Coordinator) ManagerCount() int { return c.pool.ManagerCount() }

// Close tears down every manager the coordinator's pool owns. After
// Close, Subscribe reports streamerr.ErrClosed rather than attempting to
// dial new connections (spec §7: "Closed ... reported on new
// subscribes"). Safe to call more than once.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closed.Store(true)
	return c.pool.Close(ctx)
}
