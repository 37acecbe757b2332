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

// Package wire holds the small value types that cross the boundary between
// the coordinator and the broker Client: offset specifications, response
// codes and the opaque subscribe-time properties map. None of it touches
// the actual wire codec (framing/serialization), which is an external
// collaborator per the RabbitMQ Stream protocol.
package wire

import "fmt"

// OffsetType is the discriminant of an OffsetSpecification.
type OffsetType int

const (
	// OffsetTypeFirst resumes at the first available message in the stream.
	OffsetTypeFirst OffsetType = iota
	// OffsetTypeLast resumes at the last available message in the stream.
	OffsetTypeLast
	// OffsetTypeNext resumes after the last message currently in the stream
	// (i.e. "start delivering new messages only").
	OffsetTypeNext
	// OffsetTypeOffset resumes at a specific absolute offset.
	OffsetTypeOffset
	// OffsetTypeTimestamp resumes at the first message at or after a given
	// timestamp.
	OffsetTypeTimestamp
)

func (t OffsetType) String() string {
	switch t {
	case OffsetTypeFirst:
		return "first"
	case OffsetTypeLast:
		return "last"
	case OffsetTypeNext:
		return "next"
	case OffsetTypeOffset:
		return "offset"
	case OffsetTypeTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// OffsetSpecification tells the broker where to start (or resume) a
// subscription. Only one of Offset/Timestamp is meaningful, selected by
// Type.
type OffsetSpecification struct {
	Type      OffsetType
	Offset    uint64
	Timestamp int64
}

// First resumes at the oldest message retained by the stream.
func First() OffsetSpecification { return OffsetSpecification{Type: OffsetTypeFirst} }

// Last resumes at the newest message retained by the stream.
func Last() OffsetSpecification { return OffsetSpecification{Type: OffsetTypeLast} }

// Next resumes after the current end of the stream; no backlog is
// delivered.
func Next() OffsetSpecification { return OffsetSpecification{Type: OffsetTypeNext} }

// Offset resumes at the given absolute offset, inclusive.
func Offset(offset uint64) OffsetSpecification {
	return OffsetSpecification{Type: OffsetTypeOffset, Offset: offset}
}

// Timestamp resumes at the first message whose timestamp is >= ts.
func Timestamp(ts int64) OffsetSpecification {
	return OffsetSpecification{Type: OffsetTypeTimestamp, Timestamp: ts}
}

func (o OffsetSpecification) String() string {
	switch o.Type {
	case OffsetTypeOffset:
		return fmt.Sprintf("offset(%d)", o.Offset)
	case OffsetTypeTimestamp:
		return fmt.Sprintf("timestamp(%d)", o.Timestamp)
	default:
		return o.Type.String()
	}
}
