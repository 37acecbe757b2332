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

package client

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// FakeClient is an in-memory Client used by the manager/pool/recovery/
// façade tests, in the same spirit as the teacher's frame.MockSender: a
// hand-rolled fake rather than a generated or reflection-based mock,
// recording calls and letting tests script responses.
type FakeClient struct {
	Host string
	Port int

	// MetadataFunc, QueryOffsetFunc and SubscribeFunc let a test script
	// broker behavior per call. Nil means "always succeed with Code
	// OK / zero value".
	MetadataFunc    func(stream string) (StreamMetadata, error)
	QueryOffsetFunc func(reference, stream string) (wire.OffsetResponse, error)
	SubscribeFunc   func(subID uint8, stream string, offsetSpec wire.OffsetSpecification, credits uint16, properties wire.Properties) (wire.Response, error)

	mu                sync.Mutex
	messageListener   MessageListener
	shutdownListener  ShutdownListener
	metadataListener  MetadataListener
	closed            bool

	SubscribeCalls   atomic.Int32
	UnsubscribeCalls atomic.Int32
	CreditCalls      atomic.Int32
	CloseCalls       atomic.Int32

	closedc chan struct{}
}

// NewFakeClient returns a ready-to-use fake advertising the given host and
// port.
func NewFakeClient(host string, port int) *FakeClient {
	return &FakeClient{Host: host, Port: port, closedc: make(chan struct{})}
}

func (f *FakeClient) Subscribe(_ context.Context, subID uint8, stream string, offsetSpec wire.OffsetSpecification, credits uint16, properties wire.Properties) (wire.Response, error) {
	f.SubscribeCalls.Inc()
	if f.SubscribeFunc != nil {
		return f.SubscribeFunc(subID, stream, offsetSpec, credits, properties)
	}
	return wire.Response{Code: wire.ResponseCodeOK}, nil
}

func (f *FakeClient) Unsubscribe(_ context.Context, _ uint8) (wire.Response, error) {
	f.UnsubscribeCalls.Inc()
	return wire.Response{Code: wire.ResponseCodeOK}, nil
}

func (f *FakeClient) Credit(_ context.Context, _ uint8, _ uint16) error {
	f.CreditCalls.Inc()
	return nil
}

func (f *FakeClient) Metadata(_ context.Context, stream string) (StreamMetadata, error) {
	if f.MetadataFunc != nil {
		return f.MetadataFunc(stream)
	}
	return StreamMetadata{Code: wire.ResponseCodeOK}, nil
}

func (f *FakeClient) QueryOffset(_ context.Context, reference, stream string) (wire.OffsetResponse, error) {
	if f.QueryOffsetFunc != nil {
		return f.QueryOffsetFunc(reference, stream)
	}
	return wire.OffsetResponse{Code: wire.ResponseCodeOK}, nil
}

func (f *FakeClient) Partitions(_ context.Context, _ string) ([]string, error) { return nil, nil }

func (f *FakeClient) Route(_ context.Context, _, _ string) ([]string, error) { return nil, nil }

func (f *FakeClient) ServerAdvertisedHost() string { return f.Host }
func (f *FakeClient) ServerAdvertisedPort() int    { return f.Port }

func (f *FakeClient) SetMessageListener(l MessageListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageListener = l
}

func (f *FakeClient) SetShutdownListener(l ShutdownListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownListener = l
}

func (f *FakeClient) SetMetadataListener(l MetadataListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataListener = l
}

func (f *FakeClient) Close(_ context.Context) error {
	f.mu.Lock()
	already := f.closed
	f.closed = true
	listener := f.shutdownListener
	f.mu.Unlock()

	f.CloseCalls.Inc()
	if already {
		return nil
	}
	close(f.closedc)
	if listener != nil {
		listener(ShutdownContext{Reason: ShutdownReasonClientClose})
	}
	return nil
}

// Closed unblocks once Close has been called.
func (f *FakeClient) Closed() <-chan struct{} { return f.closedc }

// DeliverMessage simulates an inbound message frame for subID.
func (f *FakeClient) DeliverMessage(subID uint8, msg Message) {
	f.mu.Lock()
	listener := f.messageListener
	f.mu.Unlock()
	if listener != nil {
		listener(subID, msg)
	}
}

// FireShutdown simulates an asynchronous connection loss (E1), as
// opposed to Close, which also simulates a local close.
func (f *FakeClient) FireShutdown(reason ShutdownReason) {
	f.mu.Lock()
	listener := f.shutdownListener
	f.mu.Unlock()
	if listener != nil {
		listener(ShutdownContext{Reason: reason})
	}
}

// FireMetadataUpdate simulates a topology-change event (E2) for stream.
func (f *FakeClient) FireMetadataUpdate(stream string, code wire.ResponseCode) {
	f.mu.Lock()
	listener := f.metadataListener
	f.mu.Unlock()
	if listener != nil {
		listener(stream, code)
	}
}

