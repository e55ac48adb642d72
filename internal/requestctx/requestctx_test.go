// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package requestctx

import (
	"context"
	"testing"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), 42)

	got := ActorFromContext(ctx)
	if got == nil || *got != 42 {
		t.Fatalf("actor = %v, want 42", got)
	}

	if ActorFromContext(context.Background()) != nil {
		t.Error("empty context should have no actor")
	}
}

func TestInfoRoundTrip(t *testing.T) {
	ctx := WithInfo(context.Background(), Info{IP: "10.0.0.1", UserAgent: "curl/8"})

	info := ContextIdentity{}.Request(ctx)
	if info.IP != "10.0.0.1" || info.UserAgent != "curl/8" {
		t.Errorf("info = %+v", info)
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "run-1")
	if got := CorrelationIDFromContext(ctx); got != "run-1" {
		t.Errorf("correlation id = %q, want run-1", got)
	}
}

func TestNilContext(t *testing.T) {
	if ActorFromContext(nil) != nil {
		t.Error("nil context should have no actor")
	}
	if CorrelationIDFromContext(nil) != "" {
		t.Error("nil context should have no correlation id")
	}
}

func TestCausationID(t *testing.T) {
	ctx := WithCausationID(context.Background(), "17")
	if got := CausationIDFromContext(ctx); got != "17" {
		t.Errorf("causation = %q, want 17", got)
	}
	if got := CausationIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context causation = %q", got)
	}
}
