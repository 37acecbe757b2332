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
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/henry701/rabbitmq-stream-go-client/internal/backoffpolicy"
	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/flowcontrol"
	"github.com/henry701/rabbitmq-stream-go-client/stream/manager"
	"github.com/henry701/rabbitmq-stream-go-client/stream/pool"
	"github.com/henry701/rabbitmq-stream-go-client/stream/recovery"
	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// testConsumer is a hand-rolled manager.ConsumerHandle fake, in the
// teacher's frame.MockSender spirit. setClientCalls counts only the nil
// resets recovery performs, not the per-delivery calls with a live client.
type testConsumer struct {
	setClientCalls  atomic.Int32
	closedAfterGone atomic.Int32
	open            atomic.Bool
}

func newTestConsumer() *testConsumer {
	c := &testConsumer{}
	c.open.Store(true)
	return c
}

func (c *testConsumer) SetSubscriptionClient(cl client.Client) {
	if cl == nil {
		c.setClientCalls.Inc()
	}
}
func (c *testConsumer) IsOpen() bool              { return c.open.Load() }
func (c *testConsumer) CloseAfterStreamDeletion() { c.closedAfterGone.Inc() }

func fastRecoveryConfig() recovery.Config {
	policy := backoffpolicy.New(time.Millisecond, 5*time.Millisecond, 0)
	return recovery.Config{
		RecoveryBackOffDelayPolicy:       policy,
		TopologyUpdateBackOffDelayPolicy: policy,
		RPCTimeout:                       time.Second,
	}
}

func TestCoordinator_Subscribe_AdvertisedHostReconnect(t *testing.T) {
	locator := client.NewFakeClient("locator", 0)
	locator.MetadataFunc = func(stream string) (client.StreamMetadata, error) {
		return client.StreamMetadata{Code: wire.ResponseCodeOK, Replicas: []client.Broker{{Host: "replica1", Port: -1}}}, nil
	}

	var created atomic.Int32
	rawFactory := func(_ context.Context, b client.Broker, _ string) (client.Client, error) {
		n := created.Inc()
		if n == 1 {
			// The proxy hands back a connection to the wrong node first.
			return client.NewFakeClient("foo", 42), nil
		}
		return client.NewFakeClient(b.Host, b.Port), nil
	}
	factory := WithAdvertisedHostReconnect(rawFactory, 5)

	env := NewEnvironment(locator, factory, pool.ConnectionName("consumer-connection"), fastRecoveryConfig(), nil)

	consumer := newTestConsumer()
	closer, err := env.NewConsumer(context.Background(), consumer, "stream", wire.Next(), "", nil, nil, nil, flowcontrol.NewSynchronousBuilder(), nil)
	if err != nil {
		t.Fatalf("NewConsumer() err = %v", err)
	}
	defer closer()

	if created.Load() != 2 {
		t.Fatalf("client creations = %d; expected 2", created.Load())
	}

	managers := env.coordinator.pool.Managers()
	if len(managers) != 1 {
		t.Fatalf("got %d managers; expected 1", len(managers))
	}
	if fc, ok := managers[0].Client.(*client.FakeClient); ok && fc.SubscribeCalls.Load() != 1 {
		t.Fatalf("SubscribeCalls = %d; expected 1", fc.SubscribeCalls.Load())
	}

	snap := env.Snapshot()
	if len(snap.Managers) != 1 || len(snap.Managers[0].Trackers) != 1 {
		t.Fatalf("Snapshot() = %+v; expected 1 manager with 1 tracker", snap)
	}
}

func TestCoordinator_Subscribe_RedistributesOnDisconnect(t *testing.T) {
	locator := client.NewFakeClient("locator", 0)
	var metaCalls atomic.Int32
	locator.MetadataFunc = func(stream string) (client.StreamMetadata, error) {
		n := metaCalls.Inc()
		switch {
		case n == 1:
			// Initial subscribe: resolve to the leader.
			return client.StreamMetadata{Code: wire.ResponseCodeOK, Leader: &client.Broker{Host: "leader", Port: 5552}}, nil
		case n <= 3:
			// Two recovery attempts find nothing to resubscribe to yet.
			return client.StreamMetadata{Code: wire.ResponseCodeOK}, nil
		default:
			return client.StreamMetadata{Code: wire.ResponseCodeOK, Replicas: []client.Broker{{Host: "replica1", Port: -1}}}, nil
		}
	}

	factory := func(_ context.Context, b client.Broker, _ string) (client.Client, error) {
		return client.NewFakeClient(b.Host, b.Port), nil
	}

	env := NewEnvironment(locator, factory, pool.ConnectionName("consumer-connection"), fastRecoveryConfig(), nil)

	consumer := newTestConsumer()
	var handled atomic.Int32
	closer, err := env.NewConsumer(context.Background(), consumer, "stream", wire.Next(), "", nil, nil, func(client.Message) {
		handled.Inc()
	}, flowcontrol.NewSynchronousBuilder(), nil)
	if err != nil {
		t.Fatalf("NewConsumer() err = %v", err)
	}
	defer closer()

	snap := env.Snapshot()
	firstManagerID := snap.Managers[0].ID
	m := findManagerByID(t, env, firstManagerID)
	fc := m.Client.(*client.FakeClient)
	fc.DeliverMessage(0, client.Message{Offset: 1})

	if handled.Load() != 1 {
		t.Fatalf("handled = %d; expected 1 before disconnect", handled.Load())
	}

	fc.FireShutdown(client.ShutdownReasonServerClose)

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap = env.Snapshot()
		if len(snap.Managers) == 1 && len(snap.Managers[0].Trackers) == 1 && snap.Managers[0].Trackers[0].State == "active" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tracker never became active again after disconnect; last snapshot: %+v", snap)
		}
		time.Sleep(time.Millisecond)
	}

	if consumer.setClientCalls.Load() != 1 {
		t.Fatalf("SetSubscriptionClient(nil) invoked %d times; expected 1", consumer.setClientCalls.Load())
	}

	newM := findManagerByID(t, env, snap.Managers[0].ID)
	newFC := newM.Client.(*client.FakeClient)
	newFC.DeliverMessage(snap.Managers[0].Trackers[0].SubscriptionID, client.Message{Offset: 2})

	if handled.Load() != 2 {
		t.Fatalf("handled = %d after resubscribe delivery; expected 2", handled.Load())
	}
}

func TestCoordinator_Subscribe_NoDeadlockUnderConcurrentCycles(t *testing.T) {
	locator := client.NewFakeClient("locator", 0)
	locator.MetadataFunc = func(stream string) (client.StreamMetadata, error) {
		return client.StreamMetadata{Code: wire.ResponseCodeOK, Leader: &client.Broker{Host: "leader", Port: 5552}}, nil
	}
	factory := func(_ context.Context, b client.Broker, _ string) (client.Client, error) {
		return client.NewFakeClient(b.Host, b.Port), nil
	}
	env := NewEnvironment(locator, factory, pool.ConnectionName("consumer-connection"), fastRecoveryConfig(), nil)

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					consumer := newTestConsumer()
					closer, err := env.NewConsumer(context.Background(), consumer, "stream", wire.Next(), "", nil, nil, nil, flowcontrol.NewSynchronousBuilder(), nil)
					if err != nil {
						t.Errorf("NewConsumer() err = %v", err)
						return
					}
					closer()
					closer() // idempotent, must not hang or double-count
				}
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe/close cycles did not complete in time; suspect deadlock")
	}

	if env.ManagerCount() != 0 {
		t.Fatalf("ManagerCount() = %d; expected 0 after all consumers closed", env.ManagerCount())
	}
}

// findManagerByID locates the live manager with the given snapshot id,
// for tests that need to reach into a manager's FakeClient to simulate
// broker behavior after Subscribe only returns an opaque closer.
func findManagerByID(t *testing.T, env *Environment, id string) *manager.Manager {
	t.Helper()
	for _, m := range env.coordinator.pool.Managers() {
		if m.ID.String() == id {
			return m
		}
	}
	t.Fatalf("no manager with id %q", id)
	return nil
}
