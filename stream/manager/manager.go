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

package manager

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/henry701/rabbitmq-stream-go-client/pkg/log"
	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// BrokerKey identifies a pool bucket: a broker identity plus a
// connection-name tag, so e.g. "consumer-connection" and any other
// category never share a manager (spec §4.4).
type BrokerKey string

// ManagerState is a SubscriptionManager's lifecycle state.
type ManagerState int32

const (
	ManagerOpen ManagerState = iota
	ManagerClosing
	ManagerClosed
)

// DisconnectHandler is invoked once when the manager's connection dies
// for any reason other than a local close (spec §4.5 E1). The manager
// itself removes itself from no pool - that's the caller's job, which is
// why the handler receives the manager back.
type DisconnectHandler func(m *Manager, ctx client.ShutdownContext)

// MetadataHandler is invoked when the broker reports a topology change
// for stream on this manager's connection (spec §4.5 E2).
type MetadataHandler func(m *Manager, stream string, code wire.ResponseCode)

// Manager owns one connection and hosts up to
// client.MaxSubscriptionsPerClient SubscriptionTrackers (spec's
// SubscriptionManager).
type Manager struct {
	ID        uuid.UUID
	Key       BrokerKey
	Client    client.Client
	Log       log.Logger

	onDisconnect DisconnectHandler
	onMetadata   MetadataHandler

	mu       sync.Mutex // per-manager lock; innermost per spec §5
	slots    [client.MaxSubscriptionsPerClient]*Tracker
	occupied int

	state   atomic.Int32
	closing atomic.Bool // one-shot guard for Close
}

// New returns a ready-to-use Manager and registers its three listeners on
// c. onDisconnect/onMetadata are normally the recovery engine's trigger
// entry points, wired by the pool at creation time.
func New(c client.Client, key BrokerKey, onDisconnect DisconnectHandler, onMetadata MetadataHandler, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.Nop
	}
	m := &Manager{
		ID:           uuid.New(),
		Key:          key,
		Client:       c,
		Log:          logger,
		onDisconnect: onDisconnect,
		onMetadata:   onMetadata,
	}
	c.SetMessageListener(m.handleMessage)
	c.SetShutdownListener(m.handleShutdown)
	c.SetMetadataListener(m.handleMetadata)
	return m
}

// State returns the manager's lifecycle state.
func (m *Manager) State() ManagerState { return ManagerState(m.state.Load()) }

// OccupiedCount returns how many slots currently host a live tracker.
func (m *Manager) OccupiedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupied
}

// HasFreeSlot reports whether AllocateTracker would currently succeed.
func (m *Manager) HasFreeSlot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Load() == int32(ManagerOpen) && m.occupied < client.MaxSubscriptionsPerClient
}

// AllocateTracker reserves the lowest free subscription id for t. The
// caller builds the flow-control strategy once it knows the id (the
// strategy's Build takes the subscription id), then calls AttachSlot via
// t.AttachSlot itself after a successful broker Subscribe call - see
// coordinator.Subscribe for the full sequence. Here we only reserve the
// slot and leave the tracker unattached until the broker call that makes
// it real succeeds, matching spec §4.3's "slot allocation: lowest free
// index" without assuming the RPC can't fail.
func (m *Manager) AllocateTracker(t *Tracker) (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Load() != int32(ManagerOpen) {
		return 0, false
	}
	if m.occupied >= client.MaxSubscriptionsPerClient {
		return 0, false
	}
	for id := 0; id < client.MaxSubscriptionsPerClient; id++ {
		if m.slots[id] == nil {
			m.slots[id] = t
			m.occupied++
			return uint8(id), true
		}
	}
	return 0, false
}

// Release frees subID's slot, if it currently holds t (a stale release
// from a tracker that has since moved elsewhere is a no-op). Returns the
// manager's occupied count after releasing, and whether this call
// actually released a slot.
func (m *Manager) Release(subID uint8, t *Tracker) (occupiedAfter int, released bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slots[subID] != t {
		return m.occupied, false
	}
	m.slots[subID] = nil
	m.occupied--
	return m.occupied, true
}

// UndoAllocation releases a slot reserved by AllocateTracker when the
// subsequent broker Subscribe call fails, so the id becomes free again
// without ever having been "live".
func (m *Manager) UndoAllocation(subID uint8, t *Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[subID] == t {
		m.slots[subID] = nil
		m.occupied--
	}
}

// Trackers returns a snapshot slice of the currently occupied slots, for
// introspection and for the manager's own Close().
func (m *Manager) Trackers() []*Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Tracker, 0, m.occupied)
	for _, t := range m.slots {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// TrackersForStream returns the occupied slots whose tracker is
// subscribed to stream (used by E2 metadata-update recovery, which only
// touches trackers of the affected stream).
func (m *Manager) TrackersForStream(stream string) []*Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Tracker
	for _, t := range m.slots {
		if t != nil && t.Stream == stream {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) handleMessage(subID uint8, msg client.Message) {
	m.mu.Lock()
	t := m.slots[subID]
	m.mu.Unlock()

	if t == nil {
		// Slot is empty: either never allocated or the subscription
		// was torn down. Drop the frame (spec §4.3).
		return
	}

	t.RecordDelivery(msg.Offset)

	if strategy := t.FlowStrategy(); strategy != nil {
		if err := strategy.HandleMessage(context.Background(), msg.Offset, msg.ChunkTimestamp, msg.CommittedOffset); err != nil {
			m.Log.Warnf("flow strategy HandleMessage for stream %q failed: %v", t.Stream, err)
		}
	}

	if t.Consumer != nil {
		t.Consumer.SetSubscriptionClient(m.Client)
	}

	if t.MessageHandler != nil {
		t.MessageHandler(msg)
	}
}

func (m *Manager) handleShutdown(ctx client.ShutdownContext) {
	if ctx.Reason == client.ShutdownReasonClientClose {
		// A local close already runs its own teardown (Close below);
		// this isn't a disruption that should trigger recovery.
		return
	}
	m.state.Store(int32(ManagerClosed))
	if m.onDisconnect != nil {
		m.onDisconnect(m, ctx)
	}
}

func (m *Manager) handleMetadata(stream string, code wire.ResponseCode) {
	if code == wire.ResponseCodeOK {
		return
	}
	if m.onMetadata != nil {
		m.onMetadata(m, stream, code)
	}
}

// Close transitions the manager to CLOSING, unsubscribes every remaining
// slot best-effort, then closes the connection. Safe to call more than
// once; only the first call does anything.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closing.CAS(false, true) {
		return nil
	}
	m.state.Store(int32(ManagerClosing))

	for _, t := range m.Trackers() {
		manRef, subID, ok := t.Slot()
		if !ok || manRef != m {
			continue
		}
		if _, err := m.Client.Unsubscribe(ctx, subID); err != nil {
			m.Log.Warnf("best-effort unsubscribe %d on manager %s failed: %v", subID, m.ID, err)
		}
	}

	m.state.Store(int32(ManagerClosed))
	return m.Client.Close(ctx)
}
