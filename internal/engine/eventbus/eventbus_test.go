// Copyright 2025 Tom Barlow
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

package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/runengine/internal/engine/eventbus"
)

func TestBus_PublishAndSubscribeRun(t *testing.T) {
	b := eventbus.New()
	ch, unsub := b.SubscribeRun("run-1")
	defer unsub()

	b.Publish("run-1", "info", "supervisor", "hello", "")
	b.Publish("run-2", "info", "supervisor", "other run", "")

	select {
	case e := <-ch:
		require.Equal(t, "hello", e.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected event for a different run: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_SubscribeAllSeesEveryRun(t *testing.T) {
	b := eventbus.New()
	ch, unsub := b.SubscribeAll()
	defer unsub()

	b.Publish("run-1", "info", "supervisor", "a", "")
	b.Publish("run-2", "info", "supervisor", "b", "")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			seen[e.Message] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	require.True(t, seen["a"])
	require.True(t, seen["b"])
}

// TestBus_IDsMonotoneAcrossRuns is P2: log ids increase globally and
// within-run order equals insertion order.
func TestBus_IDsMonotoneAcrossRuns(t *testing.T) {
	b := eventbus.New()
	e1 := b.Publish("run-1", "info", "supervisor", "first", "")
	e2 := b.Publish("run-2", "info", "supervisor", "second", "")
	e3 := b.Publish("run-1", "info", "supervisor", "third", "")

	require.Less(t, e1.ID, e2.ID)
	require.Less(t, e2.ID, e3.ID)

	entries := b.SinceID("run-1", 0)
	require.Len(t, entries, 2)
	require.Equal(t, "first", entries[0].Message)
	require.Equal(t, "third", entries[1].Message)
}

func TestBus_SinceIDReplayExcludesAlreadySeen(t *testing.T) {
	b := eventbus.New()
	e1 := b.Publish("run-1", "info", "supervisor", "first", "")
	b.Publish("run-1", "info", "supervisor", "second", "")

	entries := b.SinceID("run-1", e1.ID)
	require.Len(t, entries, 1)
	require.Equal(t, "second", entries[0].Message)
}

func TestBus_ReapStaleKeepsFreshSubscribers(t *testing.T) {
	b := eventbus.New()
	_, unsub := b.SubscribeRun("run-1")
	defer unsub()

	require.Equal(t, 1, b.SubscriberCount("run-1"))
	reaped := b.ReapStale()
	require.Equal(t, 0, reaped, "subscriber was just created, should not be stale yet")
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := eventbus.New()
	ch, unsub := b.SubscribeRun("run-1")
	unsub()

	b.Publish("run-1", "info", "supervisor", "after unsubscribe", "")

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after unsubscribe")
}
