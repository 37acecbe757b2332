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

// Package streamerr names the domain-level error kinds the coordinator
// raises and classifies, per the error taxonomy: NoSuchStream,
// StreamUnavailable, IllegalState (access-refused / protocol errors other
// than the two above), Timeout, Disconnected and Closed.
package streamerr

import (
	"errors"
	"fmt"

	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

// Sentinel kinds. Use errors.Is against these, not direct equality,
// since every constructor below wraps one of them with context.
var (
	// ErrNoSuchStream means the stream is missing, at subscribe time or
	// discovered missing while recovering. User-visible; aborts recovery.
	ErrNoSuchStream = errors.New("stream does not exist")

	// ErrStreamUnavailable means a transient topology condition; retried
	// under the topology back-off policy.
	ErrStreamUnavailable = errors.New("stream not available")

	// ErrIllegalState means a non-OK response code other than the two
	// above (access-refused, protocol error) or metadata with no leader
	// and no replicas. Fatal at subscribe time; see recovery's handling
	// for the deliberate exception to that rule.
	ErrIllegalState = errors.New("illegal broker state")

	// ErrTimeout means an RPC did not complete in time. Retryable during
	// recovery.
	ErrTimeout = errors.New("operation timed out")

	// ErrDisconnected means the manager's connection was shut down by
	// something other than a local close.
	ErrDisconnected = errors.New("connection disconnected")

	// ErrClosed means the operation targets an already-closed
	// coordinator, consumer, or manager. Silently ignored on the closer
	// path; reported on new subscribes.
	ErrClosed = errors.New("already closed")
)

// NoSuchStream wraps ErrNoSuchStream with the stream name.
func NoSuchStream(stream string) error {
	return fmt.Errorf("stream %q: %w", stream, ErrNoSuchStream)
}

// StreamUnavailable wraps ErrStreamUnavailable with the stream name and
// response code.
func StreamUnavailable(stream string, code wire.ResponseCode) error {
	return fmt.Errorf("stream %q: %s: %w", stream, code, ErrStreamUnavailable)
}

// IllegalState wraps ErrIllegalState with the stream name and response
// code (or a free-form reason when there's no response code, e.g. "empty
// leader and replicas").
func IllegalState(stream, reason string) error {
	return fmt.Errorf("stream %q: %s: %w", stream, reason, ErrIllegalState)
}

// Timeout wraps ErrTimeout with which operation timed out.
func Timeout(op string) error {
	return fmt.Errorf("%s: %w", op, ErrTimeout)
}

// Disconnected wraps ErrDisconnected with the shutdown reason reported by
// the broker Client.
func Disconnected(reason string) error {
	return fmt.Errorf("%s: %w", reason, ErrDisconnected)
}

// Closed wraps ErrClosed with which object was already closed.
func Closed(what string) error {
	return fmt.Errorf("%s: %w", what, ErrClosed)
}
