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

// Properties is the opaque key/value map sent with a subscribe request.
type Properties map[string]string

// WithConsumerName returns a copy of p with the "name" property set to
// consumerName, the server-side offset-tracking key. A blank consumerName
// leaves p unmodified (copied, not aliased).
func (p Properties) WithConsumerName(consumerName string) Properties {
	out := make(Properties, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	if consumerName != "" {
		out["name"] = consumerName
	}
	return out
}
