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

// Package recovery implements the coordinator's reaction to connection
// loss and topology-change events: it re-resolves candidate brokers,
// re-acquires a manager from the pool and re-subscribes every affected
// tracker, retrying under a back-off policy until it succeeds or gives
// up and closes the consumer. Grounded on the teacher's
// ManagedConsumer.manage/reconnect loop (core/manage/managed_consumer.go):
// the same "block on a timer, try again, double the delay" shape, here
// generalized to a pluggable Policy per tracker instead of one field on
// a single hand-rolled loop.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/henry701/rabbitmq-stream-go-client/internal/backoffpolicy"
	"github.com/henry701/rabbitmq-stream-go-client/pkg/log"
	"github.com/henry701/rabbitmq-stream-go-client/stream/broker"
	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/manager"
	"github.com/henry701/rabbitmq-stream-go-client/stream/pool"
	"github.com/henry701/rabbitmq-stream-go-client/stream/streamerr"
	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// Config bundles the two back-off policies recovery schedules attempts
// under (spec §4.5 step 2: "E1 uses recoveryBackOffDelayPolicy; E2 uses
// topologyUpdateBackOffDelayPolicy"), following the teacher's
// ConsumerConfig.SetDefaults pattern.
type Config struct {
	// RecoveryBackOffDelayPolicy paces retries after a connection loss
	// (E1).
	RecoveryBackOffDelayPolicy backoffpolicy.Policy
	// TopologyUpdateBackOffDelayPolicy paces retries after a topology
	// change (E2).
	TopologyUpdateBackOffDelayPolicy backoffpolicy.Policy
	// RPCTimeout bounds every blocking call a recovery attempt makes
	// (metadata, queryOffset, subscribe).
	RPCTimeout time.Duration
}

// SetDefaults returns a copy of c with zero-valued fields replaced by
// sane defaults, mirroring the teacher's ConsumerConfig.SetDefaults.
func (c Config) SetDefaults() Config {
	zero := backoffpolicy.Policy{}
	if c.RecoveryBackOffDelayPolicy == zero {
		c.RecoveryBackOffDelayPolicy = backoffpolicy.New(1*time.Second, 30*time.Second, 0)
	}
	if c.TopologyUpdateBackOffDelayPolicy == zero {
		c.TopologyUpdateBackOffDelayPolicy = backoffpolicy.New(500*time.Millisecond, 10*time.Second, 0)
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	return c
}

// Engine reacts to manager-reported disruptions by re-subscribing the
// affected trackers (spec §4.5). One Engine serves an entire
// coordinator; it is wired into every manager the pool creates via its
// DisconnectHandler/MetadataHandler.
type Engine struct {
	directory *broker.Directory
	pool      *pool.Pool
	cfg       Config
	log       log.Logger
}

// New returns a ready-to-use Engine.
func New(directory *broker.Directory, p *pool.Pool, cfg Config, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop
	}
	return &Engine{directory: directory, pool: p, cfg: cfg.SetDefaults(), log: logger}
}

// OnDisconnect is a manager.DisconnectHandler: E1, connection lost. Every
// tracker the manager was hosting is a candidate (spec §4.5 E1); the
// manager has already been removed from the pool by the time this
// fires (pool.wrapDisconnect runs before forwarding to onDisconnect).
func (e *Engine) OnDisconnect(m *manager.Manager, ctx client.ShutdownContext) {
	cause := streamerr.Disconnected(ctx.Reason.String())
	for _, t := range m.Trackers() {
		e.log.Debugf("stream %q: starting recovery on manager %s: %v", t.Stream, m.ID, cause)
		e.start(t, e.cfg.RecoveryBackOffDelayPolicy)
	}
}

// OnMetadataUpdate is a manager.MetadataHandler: E2, topology change for
// stream. Only trackers of stream on this manager are candidates; the
// manager itself is untouched here (spec §4.5 E2: "not unconditionally
// closed").
func (e *Engine) OnMetadataUpdate(m *manager.Manager, stream string, _ wire.ResponseCode) {
	for _, t := range m.TrackersForStream(stream) {
		e.start(t, e.cfg.TopologyUpdateBackOffDelayPolicy)
	}
}

// start begins recovering t under policy, unless a recovery is already
// in flight for it (MarkRecovering coalesces: spec §4.5 step 4) or the
// owning consumer has already abandoned the subscription.
//
// It first detaches t from whatever (manager, subID) slot it still
// occupies. On E1 that manager is already gone from the pool and about
// to be discarded wholesale, so this is a no-op on its bucket membership;
// on E2 the manager is retained (spec §4.5 E2), so leaving the slot
// attached would leak it forever and block that manager from ever
// reaching occupiedCount zero (spec §3, §8 "Empty-manager GC").
func (e *Engine) start(t *manager.Tracker, policy backoffpolicy.Policy) {
	if !t.MarkRecovering() {
		return
	}

	if m, subID, ok := t.Slot(); ok {
		occupiedAfter, released := m.Release(subID, t)
		t.DetachSlot()
		if released && occupiedAfter == 0 {
			e.pool.CloseIfEmpty(context.Background(), m)
		}
	}

	if t.Consumer != nil {
		t.Consumer.SetSubscriptionClient(nil)
		if !t.Consumer.IsOpen() {
			t.MarkClosed()
			return
		}
	}
	go e.run(t, policy)
}

// run drives the retry loop for one tracker until it resubscribes, the
// stream is found gone, the consumer is abandoned mid-retry, or the
// policy runs out of budget. Exactly one goroutine runs this for a given
// tracker at a time, guaranteed by the MarkRecovering coalescing guard
// in start.
func (e *Engine) run(t *manager.Tracker, policy backoffpolicy.Policy) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if t.Consumer != nil && !t.Consumer.IsOpen() {
			t.MarkClosed()
			return
		}

		if err := e.attempt(t); err != nil {
			lastErr = err
			if errors.Is(err, streamerr.ErrNoSuchStream) {
				e.closeAfterStreamDeletion(t, err)
				return
			}

			delay, ok := policy.Next(attempt)
			if !ok {
				e.log.Warnf("recovery for stream %q exhausted its retry budget, last error: %v", t.Stream, lastErr)
				e.closeAfterStreamDeletion(t, lastErr)
				return
			}
			e.log.Debugf("recovery attempt %d for stream %q failed: %v; retrying in %s", attempt, t.Stream, err, delay)
			time.Sleep(delay)
			continue
		}

		t.MarkActive()
		return
	}
}

// attempt performs one full recovery round for t: re-resolve candidates,
// pick the resume offset, acquire a manager, and (re)subscribe (spec
// §4.5 step 2a-d).
func (e *Engine) attempt(t *manager.Tracker) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RPCTimeout)
	defer cancel()

	meta, err := e.directory.Locator.Metadata(ctx, t.Stream)
	if err != nil {
		return streamerr.Timeout("metadata(" + t.Stream + ")")
	}
	candidates, err := broker.BrokersFromMetadata(t.Stream, meta)
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		return streamerr.IllegalState(t.Stream, "no candidate brokers")
	}

	offsetSpec, err := e.resumeOffsetSpecification(ctx, t)
	if err != nil {
		return err
	}

	return e.subscribeOn(ctx, t, candidates[0], offsetSpec)
}

// resumeOffsetSpecification implements spec §4.5 step 2c's full decision
// tree, including the consumerName/stored-offset branch that requires a
// live Client and therefore cannot live on Tracker itself.
func (e *Engine) resumeOffsetSpecification(ctx context.Context, t *manager.Tracker) (wire.OffsetSpecification, error) {
	if t.ConsumerName == "" {
		return t.ResumeOffsetSpecification(), nil
	}

	resp, err := e.directory.Locator.QueryOffset(ctx, t.ConsumerName, t.Stream)
	if err != nil {
		return wire.OffsetSpecification{}, streamerr.Timeout("queryOffset(" + t.Stream + ")")
	}
	if !resp.OK() {
		return wire.OffsetSpecification{}, streamerr.StreamUnavailable(t.Stream, resp.Code)
	}
	return wire.Offset(resp.Offset + 1), nil
}

// subscribeOn acquires a manager for candidate, allocates a slot, and
// submits the subscribe RPC, undoing the allocation on any failure so
// the next attempt starts clean.
func (e *Engine) subscribeOn(ctx context.Context, t *manager.Tracker, candidate client.Broker, offsetSpec wire.OffsetSpecification) error {
	m, err := e.pool.Acquire(ctx, candidate)
	if err != nil {
		return err
	}

	subID, ok := m.AllocateTracker(t)
	if !ok {
		return streamerr.IllegalState(t.Stream, "no free subscription slot")
	}

	strategy := t.FlowStrategyBuilder.Build(m.Client, subID)
	credits := strategy.HandleSubscribeReturningInitialCredits(offsetSpec, false)

	resp, err := m.Client.Subscribe(ctx, subID, t.Stream, offsetSpec, credits, t.Properties.WithConsumerName(t.ConsumerName))
	if err != nil {
		m.UndoAllocation(subID, t)
		e.pool.CloseIfEmpty(ctx, m)
		return streamerr.Timeout("subscribe(" + t.Stream + ")")
	}
	if !resp.OK() {
		m.UndoAllocation(subID, t)
		e.pool.CloseIfEmpty(ctx, m)
		return streamerr.StreamUnavailable(t.Stream, resp.Code)
	}

	t.AttachSlot(m, subID, strategy)
	return nil
}

// closeAfterStreamDeletion gives up recovering t: it marks the tracker
// closed (so a racing E1/E2 doesn't restart recovery) and tells the
// owning consumer, which is the only user-visible signal a terminal
// recovery failure produces (spec §4.5 step 1/3, §7 "recovery reports
// terminal failures by closing the affected consumer").
func (e *Engine) closeAfterStreamDeletion(t *manager.Tracker, cause error) {
	e.log.Warnf("giving up recovering stream %q: %v", t.Stream, cause)
	t.MarkClosed()
	if t.Consumer != nil {
		t.Consumer.CloseAfterStreamDeletion()
	}
}
