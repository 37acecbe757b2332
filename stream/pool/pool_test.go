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

package pool

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/atomic"

	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/flowcontrol"
	"github.com/henry701/rabbitmq-stream-go-client/stream/manager"
	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

type fakeConsumer struct{}

func (fakeConsumer) SetSubscriptionClient(client.Client) {}
func (fakeConsumer) IsOpen() bool                        { return true }
func (fakeConsumer) CloseAfterStreamDeletion()            {}

func newTracker(stream string) *manager.Tracker {
	return manager.NewTracker(stream, "", wire.Next(), nil, flowcontrol.NewSynchronousBuilder(), nil, nil, nil, fakeConsumer{})
}

func countingFactory(created *atomic.Int32) client.Factory {
	return func(_ context.Context, b client.Broker, _ string) (client.Client, error) {
		created.Inc()
		return client.NewFakeClient(b.Host, b.Port), nil
	}
}

func TestPool_Acquire_OverflowAllocation(t *testing.T) {
	var created atomic.Int32
	p := New(countingFactory(&created), "consumer-connection", nil, nil, nil)

	broker := client.Broker{Host: "leader", Port: 5552}

	const n = client.MaxSubscriptionsPerClient + 51
	var trackers []*manager.Tracker
	var managers []*manager.Manager

	for i := 0; i < n; i++ {
		m, err := p.Acquire(context.Background(), broker)
		if err != nil {
			t.Fatalf("Acquire() err = %v at i=%d", err, i)
		}
		tr := newTracker("stream")
		id, ok := m.AllocateTracker(tr)
		if !ok {
			t.Fatalf("AllocateTracker() failed at i=%d", i)
		}
		tr.AttachSlot(m, id, nil)
		trackers = append(trackers, tr)
		managers = append(managers, m)
	}

	if got, expected := created.Load(), int32(2); got != expected {
		t.Fatalf("client creations = %d; expected %d", got, expected)
	}

	// Close n - 2*51 = 205 of them in reverse order.
	closeCount := n - 2*51
	for i := n - 1; i >= n-closeCount; i-- {
		m := managers[i]
		tr := trackers[i]
		_, sub, ok := tr.Slot()
		if !ok {
			continue
		}
		occupiedAfter, _ := m.Release(sub, tr)
		tr.DetachSlot()
		if occupiedAfter == 0 {
			p.CloseIfEmpty(context.Background(), m)
		}
	}

	closedClients := 0
	seen := map[*manager.Manager]bool{}
	for _, m := range managers {
		if seen[m] {
			continue
		}
		seen[m] = true
		if fc, ok := m.Client.(*client.FakeClient); ok {
			select {
			case <-fc.Closed():
				closedClients++
			default:
			}
		}
	}
	if closedClients != 1 {
		t.Fatalf("closed clients after partial close = %d; expected 1", closedClients)
	}

	// Close the remainder.
	for i := n - closeCount - 1; i >= 0; i-- {
		m := managers[i]
		tr := trackers[i]
		_, sub, ok := tr.Slot()
		if !ok {
			continue
		}
		occupiedAfter, _ := m.Release(sub, tr)
		tr.DetachSlot()
		if occupiedAfter == 0 {
			p.CloseIfEmpty(context.Background(), m)
		}
	}

	if p.ManagerCount() != 0 {
		t.Fatalf("ManagerCount() = %d; expected 0 after closing all trackers", p.ManagerCount())
	}
}

func TestPool_Acquire_PicksManagerWithFreeSlotBeforeCreating(t *testing.T) {
	var created atomic.Int32
	p := New(countingFactory(&created), "consumer-connection", nil, nil, nil)
	broker := client.Broker{Host: "leader", Port: 5552}

	m1, err := p.Acquire(context.Background(), broker)
	if err != nil {
		t.Fatal(err)
	}
	tr := newTracker("s")
	id, _ := m1.AllocateTracker(tr)
	tr.AttachSlot(m1, id, nil)

	m2, err := p.Acquire(context.Background(), broker)
	if err != nil {
		t.Fatal(err)
	}
	if m2 != m1 {
		t.Fatalf("Acquire() created a second manager while the first had free slots")
	}
	if created.Load() != 1 {
		t.Fatalf("client creations = %d; expected 1", created.Load())
	}
}

func TestPool_Remove_OnConnectionDeath(t *testing.T) {
	var created atomic.Int32
	var disconnects int
	var mu sync.Mutex
	p := New(countingFactory(&created), "consumer-connection", func(m *manager.Manager, _ client.ShutdownContext) {
		mu.Lock()
		disconnects++
		mu.Unlock()
	}, nil, nil)

	broker := client.Broker{Host: "leader", Port: 5552}
	m, err := p.Acquire(context.Background(), broker)
	if err != nil {
		t.Fatal(err)
	}
	if p.ManagerCount() != 1 {
		t.Fatalf("ManagerCount() = %d; expected 1", p.ManagerCount())
	}

	fc := m.Client.(*client.FakeClient)
	fc.FireShutdown(client.ShutdownReasonServerClose)

	if p.ManagerCount() != 0 {
		t.Fatalf("ManagerCount() = %d after disconnect; expected 0 (manager removed immediately)", p.ManagerCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("disconnect handler invoked %d times; expected 1", disconnects)
	}
}
