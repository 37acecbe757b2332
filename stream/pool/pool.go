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

// Package pool implements the per (broker, connection-name) pools of
// SubscriptionManagers: picking a manager with free slots, or creating
// one, and garbage-collecting empty or dead managers.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/henry701/rabbitmq-stream-go-client/pkg/log"
	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/manager"
)

// ConnectionName tags a pool bucket's connection category (e.g.
// "consumer-connection") so different categories never share a manager
// even when they target the same broker.
type ConnectionName string

// Pool is the manager pool. The zero value is not usable; use New.
type Pool struct {
	factory      client.Factory
	connName     ConnectionName
	onDisconnect manager.DisconnectHandler
	onMetadata   manager.MetadataHandler
	log          log.Logger

	mu      sync.Mutex // coordinator-wide lock; outermost per spec §5
	buckets map[manager.BrokerKey][]*manager.Manager
}

// New returns a ready-to-use Pool. factory dials new Clients;
// onDisconnect/onMetadata are the recovery engine's entry points, wired
// into every Manager this Pool creates.
func New(factory client.Factory, connName ConnectionName, onDisconnect manager.DisconnectHandler, onMetadata manager.MetadataHandler, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.Nop
	}
	return &Pool{
		factory:      factory,
		connName:     connName,
		onDisconnect: onDisconnect,
		onMetadata:   onMetadata,
		log:          logger,
		buckets:      make(map[manager.BrokerKey][]*manager.Manager),
	}
}

// Key computes the bucket key for a broker under this pool's connection
// name.
func (p *Pool) Key(b client.Broker) manager.BrokerKey {
	return manager.BrokerKey(fmt.Sprintf("%s:%d|%s", b.Host, b.Port, p.connName))
}

// Acquire returns a manager for broker b with at least one free slot,
// creating a new connection via the factory only when every existing
// manager in the bucket is full (spec §4.4).
func (p *Pool) Acquire(ctx context.Context, b client.Broker) (*manager.Manager, error) {
	key := p.Key(b)

	p.mu.Lock()
	for _, m := range p.buckets[key] {
		if m.HasFreeSlot() {
			p.mu.Unlock()
			return m, nil
		}
	}
	p.mu.Unlock()

	// No existing manager had room; dial a new connection outside the
	// lock (it's a blocking RPC) and then insert it.
	c, err := p.factory(ctx, b, string(p.connName))
	if err != nil {
		return nil, err
	}
	m := manager.New(c, key, p.wrapDisconnect(), p.onMetadata, p.log)

	p.mu.Lock()
	p.buckets[key] = append(p.buckets[key], m)
	p.mu.Unlock()

	return m, nil
}

// wrapDisconnect returns a DisconnectHandler that both removes the dying
// manager from its bucket and forwards the event to the pool's
// configured onDisconnect (the recovery engine), in that order, so the
// manager can never be handed out again by Acquire once recovery starts
// reacting to its death.
func (p *Pool) wrapDisconnect() manager.DisconnectHandler {
	return func(m *manager.Manager, ctx client.ShutdownContext) {
		p.Remove(m)
		if p.onDisconnect != nil {
			p.onDisconnect(m, ctx)
		}
	}
}

// Remove drops m from its bucket, if present. Safe to call more than
// once. Called both when a connection dies (immediately, per spec §4.5
// E1) and whenever a manager's occupied count reaches zero.
func (p *Pool) Remove(m *manager.Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.buckets[m.Key]
	for i, candidate := range bucket {
		if candidate == m {
			p.buckets[m.Key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(p.buckets[m.Key]) == 0 {
		delete(p.buckets, m.Key)
	}
}

// CloseIfEmpty removes m from its bucket and closes its connection if m
// currently hosts zero trackers (spec §3: "a manager is removed from its
// pool when occupiedCount becomes zero or when the connection dies";
// spec §4.1 step 4: "if the manager is now empty, drop it from the pool
// and close the connection"). Called after every tracker release.
func (p *Pool) CloseIfEmpty(ctx context.Context, m *manager.Manager) {
	if m.OccupiedCount() != 0 {
		return
	}
	p.Remove(m)
	if err := m.Close(ctx); err != nil {
		p.log.Warnf("closing emptied manager %s failed: %v", m.ID, err)
	}
}

// ManagerCount returns the total number of managers across every bucket,
// for shutdown verification (spec §6 "Observability").
func (p *Pool) ManagerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, bucket := range p.buckets {
		n += len(bucket)
	}
	return n
}

// Managers returns a snapshot of every manager in the pool, for
// introspection.
func (p *Pool) Managers() []*manager.Manager {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*manager.Manager, 0, len(p.buckets))
	for _, bucket := range p.buckets {
		out = append(out, bucket...)
	}
	return out
}

// Close closes every manager in the pool and empties it. Used by
// coordinator shutdown.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	var all []*manager.Manager
	for _, bucket := range p.buckets {
		all = append(all, bucket...)
	}
	p.buckets = make(map[manager.BrokerKey][]*manager.Manager)
	p.mu.Unlock()

	var firstErr error
	for _, m := range all {
		if err := m.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
