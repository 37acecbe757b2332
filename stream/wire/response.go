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

package wire

// ResponseCode is the subset of RabbitMQ Stream response codes the
// coordinator reads. The broker's full code space is wider; String
// prints "unknown" for any code not enumerated here.
type ResponseCode uint16

const (
	ResponseCodeOK ResponseCode = iota + 1
	ResponseCodeStreamDoesNotExist
	ResponseCodeStreamNotAvailable
	ResponseCodeAccessRefused
	ResponseCodeUnknown
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseCodeOK:
		return "ok"
	case ResponseCodeStreamDoesNotExist:
		return "stream-does-not-exist"
	case ResponseCodeStreamNotAvailable:
		return "stream-not-available"
	case ResponseCodeAccessRefused:
		return "access-refused"
	default:
		return "unknown"
	}
}

// Response is the generic broker reply to subscribe/unsubscribe and any
// other RPC that only needs to communicate success or a code.
type Response struct {
	Code ResponseCode
}

// OK reports whether the response carries the OK code.
func (r Response) OK() bool { return r.Code == ResponseCodeOK }

// OffsetResponse is the reply to a queryOffset RPC.
type OffsetResponse struct {
	Code   ResponseCode
	Offset uint64
}
