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

// Package backoffpolicy adapts cenkalti/backoff/v4 to the "attempt ->
// delay, ok" shape the recovery engine expects of a back-off delay
// policy: a pure function of the attempt number that also reports when
// the policy is exhausted (the teacher's reconnect() used a hand-rolled
// doubling-with-cap loop for this; here a real backoff implementation
// does the doubling and the terminal check).
package backoffpolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy returns the delay to wait before the n-th retry (1-indexed), or
// ok=false once the policy has given up, at which point the caller
// should stop retrying (spec's "terminal delay after which recovery
// gives up").
type Policy struct {
	initial    time.Duration
	max        time.Duration
	maxElapsed time.Duration
}

// New builds a Policy that starts at initial, doubles up to max, and
// reports exhaustion once maxElapsed has passed since the first attempt.
// maxElapsed of zero means "never give up" (backoff.Stop is never
// reached).
func New(initial, max, maxElapsed time.Duration) Policy {
	return Policy{initial: initial, max: max, maxElapsed: maxElapsed}
}

// Next returns the delay for attempt (1-indexed) and whether the policy
// still has budget. Each call constructs a fresh underlying
// ExponentialBackOff and steps it attempt times, returning the last
// step's delay, which keeps Policy a stateless, concurrency-safe value
// usable from multiple in-flight recoveries without its own locking.
//
// maxElapsed exhaustion is computed from the simulated cumulative delay
// across those attempt steps (including the returned one), not from ExponentialBackOff's own
// wall-clock elapsed check: Reset() stamps its start time at real
// time.Now(), and fast-forwarding happens in a tight loop, so the
// library's own MaxElapsedTime would never trip (the real elapsed time
// between Reset() and the last NextBackOff() call is microseconds
// regardless of how many attempts are simulated). MaxElapsedTime is left
// at zero on eb itself for that reason.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initial
	eb.MaxInterval = p.max
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.RandomizationFactor = 0
	eb.Reset()

	var elapsed time.Duration
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
		if d == backoff.Stop {
			return 0, false
		}
		elapsed += d
		if p.maxElapsed > 0 && elapsed > p.maxElapsed {
			return 0, false
		}
	}
	return d, true
}
