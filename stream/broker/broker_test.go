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

package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/henry701/rabbitmq-stream-go-client/pkg/log"
	"github.com/henry701/rabbitmq-stream-go-client/stream/client"
	"github.com/henry701/rabbitmq-stream-go-client/stream/streamerr"
	"github.com/henry701/rabbitmq-stream-go-client/stream/wire"
)

func TestDirectory_FindBrokersForStream_PrefersReplicas(t *testing.T) {
	fc := client.NewFakeClient("locator", 5552)
	fc.MetadataFunc = func(stream string) (client.StreamMetadata, error) {
		leader := client.Broker{Host: "leader", Port: 5552}
		return client.StreamMetadata{
			Code:     wire.ResponseCodeOK,
			Leader:   &leader,
			Replicas: []client.Broker{{Host: "replica1", Port: 5552}},
		}, nil
	}

	d := NewDirectory(fc, log.Nop)
	brokers, err := d.FindBrokersForStream(context.Background(), "stream")
	if err != nil {
		t.Fatalf("FindBrokersForStream() err = %v; expected nil", err)
	}
	if got, expected := len(brokers), 1; got != expected {
		t.Fatalf("got %d brokers; expected %d", got, expected)
	}
	if brokers[0].Host != "replica1" {
		t.Fatalf("got broker %+v; expected replica", brokers[0])
	}
}

func TestDirectory_FindBrokersForStream_FallsBackToLeader(t *testing.T) {
	fc := client.NewFakeClient("locator", 5552)
	fc.MetadataFunc = func(stream string) (client.StreamMetadata, error) {
		leader := client.Broker{Host: "leader", Port: 5552}
		return client.StreamMetadata{Code: wire.ResponseCodeOK, Leader: &leader}, nil
	}

	d := NewDirectory(fc, log.Nop)
	brokers, err := d.FindBrokersForStream(context.Background(), "stream")
	if err != nil {
		t.Fatalf("FindBrokersForStream() err = %v; expected nil", err)
	}
	if got, expected := len(brokers), 1; got != expected || brokers[0].Host != "leader" {
		t.Fatalf("got %+v; expected [leader]", brokers)
	}
}

func TestDirectory_FindBrokersForStream_DoesNotExist(t *testing.T) {
	fc := client.NewFakeClient("locator", 5552)
	fc.MetadataFunc = func(stream string) (client.StreamMetadata, error) {
		return client.StreamMetadata{Code: wire.ResponseCodeStreamDoesNotExist}, nil
	}

	d := NewDirectory(fc, log.Nop)
	_, err := d.FindBrokersForStream(context.Background(), "stream")
	if !errors.Is(err, streamerr.ErrNoSuchStream) {
		t.Fatalf("FindBrokersForStream() err = %v; expected ErrNoSuchStream", err)
	}
}

func TestDirectory_FindBrokersForStream_OtherCodeIsIllegalState(t *testing.T) {
	fc := client.NewFakeClient("locator", 5552)
	fc.MetadataFunc = func(stream string) (client.StreamMetadata, error) {
		return client.StreamMetadata{Code: wire.ResponseCodeAccessRefused}, nil
	}

	d := NewDirectory(fc, log.Nop)
	_, err := d.FindBrokersForStream(context.Background(), "stream")
	if !errors.Is(err, streamerr.ErrIllegalState) {
		t.Fatalf("FindBrokersForStream() err = %v; expected ErrIllegalState", err)
	}
}

func TestDirectory_FindBrokersForStream_EmptyLeaderAndReplicasIsIllegalState(t *testing.T) {
	fc := client.NewFakeClient("locator", 5552)
	fc.MetadataFunc = func(stream string) (client.StreamMetadata, error) {
		return client.StreamMetadata{Code: wire.ResponseCodeOK}, nil
	}

	d := NewDirectory(fc, log.Nop)
	_, err := d.FindBrokersForStream(context.Background(), "stream")
	if !errors.Is(err, streamerr.ErrIllegalState) {
		t.Fatalf("FindBrokersForStream() err = %v; expected ErrIllegalState", err)
	}
}
