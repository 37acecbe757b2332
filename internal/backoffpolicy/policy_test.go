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

package backoffpolicy

import (
	"testing"
	"time"
)

func TestPolicy_Next_GrowsThenCaps(t *testing.T) {
	p := New(10*time.Millisecond, 40*time.Millisecond, 0)

	d1, ok := p.Next(1)
	if !ok || d1 <= 0 {
		t.Fatalf("Next(1) = %v, %v; expected positive delay, ok", d1, ok)
	}

	d2, ok := p.Next(2)
	if !ok || d2 < d1 {
		t.Fatalf("Next(2) = %v, %v; expected >= Next(1) = %v", d2, ok, d1)
	}

	dCapped, ok := p.Next(10)
	if !ok || dCapped > 40*time.Millisecond {
		t.Fatalf("Next(10) = %v, %v; expected capped at max interval", dCapped, ok)
	}
}

func TestPolicy_Next_Exhausted(t *testing.T) {
	// initial == max, so every step is exactly 2ms (no randomization, no
	// growth), making the cumulative-elapsed exhaustion check
	// deterministic: 2ms, 4ms, 6ms against a 5ms budget.
	p := New(2*time.Millisecond, 2*time.Millisecond, 5*time.Millisecond)

	if _, ok := p.Next(1); !ok {
		t.Fatalf("Next(1) should still have budget (cumulative 2ms <= 5ms)")
	}
	if _, ok := p.Next(2); !ok {
		t.Fatalf("Next(2) should still have budget (cumulative 4ms <= 5ms)")
	}
	if _, ok := p.Next(3); ok {
		t.Fatalf("Next(3) should be exhausted (cumulative 6ms > 5ms)")
	}
}
