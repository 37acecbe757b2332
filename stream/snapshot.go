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

// TrackerSnapshot describes one logical consumer for diagnostics (spec
// §6/§9: "tracker descriptors").
type TrackerSnapshot struct {
	Stream             string `json:"stream"`
	ConsumerName       string `json:"consumerName,omitempty"`
	State              string `json:"state"`
	SubscriptionID     uint8  `json:"subscriptionId"`
	HasSubscriptionID  bool   `json:"hasSubscriptionId"`
	LastReceivedOffset uint64 `json:"lastReceivedOffset,omitempty"`
	HasReceivedOffset  bool   `json:"hasReceivedOffset"`
}

// ManagerSnapshot describes one connection and the trackers it hosts
// (spec §6/§9: "brokers connected, tracker count per broker").
type ManagerSnapshot struct {
	ID            string            `json:"id"`
	BrokerKey     string            `json:"brokerKey"`
	OccupiedCount int               `json:"occupiedCount"`
	Trackers      []TrackerSnapshot `json:"trackers"`
}

// Snapshot is the coordinator-wide diagnostic record, serializable to
// JSON per spec §6 ("the snapshot must serialize to valid JSON").
type Snapshot struct {
	Managers []ManagerSnapshot `json:"managers"`
}

// Snapshot captures the coordinator's current managers and the trackers
// each hosts.
func (c *Coordinator) Snapshot() Snapshot {
	managers := c.pool.Managers()
	out := Snapshot{Managers: make([]ManagerSnapshot, 0, len(managers))}

	for _, m := range managers {
		ms := ManagerSnapshot{
			ID:            m.ID.String(),
			BrokerKey:     string(m.Key),
			OccupiedCount: m.OccupiedCount(),
		}
		for _, t := range m.Trackers() {
			ts := TrackerSnapshot{
				Stream:       t.Stream,
				ConsumerName: t.ConsumerName,
				State:        t.State().String(),
			}
			if _, subID, ok := t.Slot(); ok {
				ts.SubscriptionID = subID
				ts.HasSubscriptionID = true
			}
			if offset, ok := t.LastReceivedOffset(); ok {
				ts.LastReceivedOffset = offset
				ts.HasReceivedOffset = true
			}
			ms.Trackers = append(ms.Trackers, ts)
		}
		out.Managers = append(out.Managers, ms)
	}

	return out
}
