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

// Package manager owns one connection per SubscriptionManager, hosting
// up to client.MaxSubscriptionsPerClient SubscriptionTrackers and
// dispatching inbound frames to them.
package manager

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/flowcontrol"
	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// State is a SubscriptionTracker's lifecycle state.
type State int32

const (
	StateActive State = iota
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConsumerHandle is the user-facing object a tracker reports connectivity
// changes to: it receives the current subscription Client (so the
// application can store/query offsets) and is asked whether it's still
// open before a recovery attempt bothers resubscribing it.
type ConsumerHandle interface {
	// SetSubscriptionClient records the Client currently backing this
	// consumer's subscription, or nil when disconnected.
	SetSubscriptionClient(c client.Client)
	// IsOpen reports false once the application has abandoned this
	// consumer; recovery skips closed consumers rather than
	// resubscribing them.
	IsOpen() bool
	// CloseAfterStreamDeletion is invoked exactly once when recovery
	// discovers the stream is gone and gives up retrying.
	CloseAfterStreamDeletion()
}

// Listener is notified of a tracker's lifecycle transitions. No shared
// base class: implement only what you need.
type Listener interface {
	OnStateChange(stream string, from, to State)
}

// Tracker is the coordinator's record of one logical consumer (spec's
// SubscriptionTracker). It outlives any single manager/subscription id:
// recovery moves a Tracker from one Manager/subID pair to another.
type Tracker struct {
	Stream            string
	ConsumerName      string
	InitialOffsetSpec wire.OffsetSpecification
	Properties        wire.Properties

	FlowStrategyBuilder flowcontrol.Builder
	MessageHandler      func(client.Message)
	SubscriptionListener Listener
	TrackingCloser       func()
	Consumer             ConsumerHandle

	state atomic.Int32

	mu             sync.Mutex // guards manager/subID/flowStrategy below
	managerRef     *Manager
	subID          uint8
	hasSubID       bool
	flowStrategy   flowcontrol.Strategy

	hasOffset     atomic.Bool
	receivedOffset atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewTracker returns a Tracker in state ACTIVE ready to be allocated a
// slot by a Manager.
func NewTracker(stream, consumerName string, initialOffsetSpec wire.OffsetSpecification, properties wire.Properties, builder flowcontrol.Builder, handler func(client.Message), listener Listener, trackingCloser func(), consumer ConsumerHandle) *Tracker {
	t := &Tracker{
		Stream:               stream,
		ConsumerName:         consumerName,
		InitialOffsetSpec:    initialOffsetSpec,
		Properties:           properties,
		FlowStrategyBuilder:  builder,
		MessageHandler:       handler,
		SubscriptionListener: listener,
		TrackingCloser:       trackingCloser,
		Consumer:             consumer,
	}
	t.state.Store(int32(StateActive))
	return t
}

// State returns the tracker's current lifecycle state.
func (t *Tracker) State() State { return State(t.state.Load()) }

// setState transitions the tracker's state and notifies its listener
// (never while any lock is held).
func (t *Tracker) setState(to State) {
	from := State(t.state.Swap(int32(to)))
	if from == to {
		return
	}
	if t.SubscriptionListener != nil {
		t.SubscriptionListener.OnStateChange(t.Stream, from, to)
	}
}

// MarkRecovering transitions ACTIVE -> RECOVERING. A no-op if already
// RECOVERING or CLOSED (idempotent per spec §4.5 step 4: a second
// shutdown/metadata event for a tracker already being recovered must not
// trigger a duplicate recovery).
func (t *Tracker) MarkRecovering() (started bool) {
	for {
		cur := State(t.state.Load())
		if cur != StateActive {
			return false
		}
		if t.state.CAS(int32(cur), int32(StateRecovering)) {
			if t.SubscriptionListener != nil {
				t.SubscriptionListener.OnStateChange(t.Stream, cur, StateRecovering)
			}
			return true
		}
	}
}

// MarkActive transitions RECOVERING -> ACTIVE after a successful
// resubscribe. A no-op from any other state, so a tracker closed while
// its recovery was in flight stays CLOSED.
func (t *Tracker) MarkActive() {
	if t.state.CAS(int32(StateRecovering), int32(StateActive)) && t.SubscriptionListener != nil {
		t.SubscriptionListener.OnStateChange(t.Stream, StateRecovering, StateActive)
	}
}

// MarkClosed transitions to CLOSED from any state. Returns false if the
// tracker was already closed, making the caller's close path idempotent.
func (t *Tracker) MarkClosed() (first bool) {
	first = !t.closed.Swap(true)
	if first {
		t.setState(StateClosed)
	}
	return first
}

// Closed reports whether MarkClosed has already run.
func (t *Tracker) Closed() bool { return t.closed.Load() }

// AttachSlot records which manager and subscription id currently host
// this tracker, and the flow strategy built for that subscription.
func (t *Tracker) AttachSlot(m *Manager, subID uint8, strategy flowcontrol.Strategy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.managerRef = m
	t.subID = subID
	t.hasSubID = true
	t.flowStrategy = strategy
}

// DetachSlot clears the manager/subID association, e.g. when recovery
// begins or the tracker is closed.
func (t *Tracker) DetachSlot() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.managerRef = nil
	t.hasSubID = false
	t.flowStrategy = nil
}

// Slot returns the tracker's current manager and subscription id, and
// whether it currently has one.
func (t *Tracker) Slot() (m *Manager, subID uint8, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.managerRef, t.subID, t.hasSubID
}

// FlowStrategy returns the strategy bound to the tracker's current slot,
// or nil if unattached.
func (t *Tracker) FlowStrategy() flowcontrol.Strategy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flowStrategy
}

// RecordDelivery advances LastReceivedOffset monotonically: an offset
// lower than the one already recorded leaves it unchanged.
func (t *Tracker) RecordDelivery(offset uint64) {
	t.hasOffset.Store(true)
	for {
		cur := t.receivedOffset.Load()
		if offset <= cur || t.receivedOffset.CAS(cur, offset) {
			return
		}
	}
}

// LastReceivedOffset returns the last dispatched offset and whether any
// message has been dispatched yet.
func (t *Tracker) LastReceivedOffset() (offset uint64, ok bool) {
	return t.receivedOffset.Load(), t.hasOffset.Load()
}

// ResumeOffsetSpecification implements spec §4.5 step 2c / §8's "Resume
// offset" law, absent the consumerName/stored-offset branch (the
// recovery engine owns that RPC since it requires a live Client; this
// covers the two purely-local cases).
func (t *Tracker) ResumeOffsetSpecification() wire.OffsetSpecification {
	if offset, ok := t.LastReceivedOffset(); ok {
		return wire.Offset(offset)
	}
	return t.InitialOffsetSpec
}
