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

// Package flowcontrol declares the flow-control-strategy capability the
// coordinator delegates credit decisions to, plus the synchronous default
// implementation (one credit granted per delivered chunk).
package flowcontrol

import (
	"context"

	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// Strategy decides the initial credit count on subscribe and how credit
// is replenished as messages arrive. No shared base class; implementers
// hold whatever state they need (a counter, a window) between calls.
type Strategy interface {
	// HandleSubscribeReturningInitialCredits returns how many credits to
	// request when (re)subscribing. firstTime is false on every
	// recovery resubscribe, true only for the original subscribe, so a
	// strategy can distinguish a cold start from a resume.
	HandleSubscribeReturningInitialCredits(offsetSpec wire.OffsetSpecification, firstTime bool) uint16

	// HandleMessage is called for every delivered chunk, in order, on
	// the connection's dispatch path. It must not block; if it needs to
	// request more credit it calls back into the Client asynchronously
	// or performs a cheap synchronous RPC the caller is willing to
	// attribute to the dispatch path (the synchronous default below
	// does the latter, by design).
	HandleMessage(ctx context.Context, offset uint64, chunkTimestamp int64, committedOffset uint64) error
}

// Builder constructs a Strategy bound to a specific client connection and
// subscription id, mirroring spec §4.6's build(client, subscriptionId).
type Builder interface {
	Build(c client.Client, subscriptionID uint8) Strategy
}

// BuilderFunc adapts a plain function to Builder.
type BuilderFunc func(c client.Client, subscriptionID uint8) Strategy

func (f BuilderFunc) Build(c client.Client, subscriptionID uint8) Strategy { return f(c, subscriptionID) }

// defaultInitialCredits is granted on every subscribe/resubscribe by the
// synchronous default strategy.
const defaultInitialCredits = 10

// NewSynchronousBuilder returns a Builder producing the synchronous
// default strategy: grant defaultInitialCredits up front, then one more
// credit per delivered chunk, via a blocking Credit RPC on the dispatch
// path.
func NewSynchronousBuilder() Builder {
	return BuilderFunc(func(c client.Client, subscriptionID uint8) Strategy {
		return &synchronousStrategy{client: c, subscriptionID: subscriptionID}
	})
}

type synchronousStrategy struct {
	client         client.Client
	subscriptionID uint8
}

func (s *synchronousStrategy) HandleSubscribeReturningInitialCredits(_ wire.OffsetSpecification, _ bool) uint16 {
	return defaultInitialCredits
}

func (s *synchronousStrategy) HandleMessage(ctx context.Context, _ uint64, _ int64, _ uint64) error {
	return s.client.Credit(ctx, s.subscriptionID, 1)
}
