/*
 * This file is part of Buzz (https://github.com/buzzcore/buzz).
 * Copyright (C) 2025 Buzz Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingObserver holds the dispatcher on the first event until released
type blockingObserver struct {
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	got  []Event
	once sync.Once
}

func newBlockingObserver() *blockingObserver {
	return &blockingObserver{started: make(chan struct{}), release: make(chan struct{})}
}

func (o *blockingObserver) OnEvent(e Event) {
	o.once.Do(func() {
		close(o.started)
		<-o.release
	})
	o.mu.Lock()
	o.got = append(o.got, e)
	o.mu.Unlock()
}

func (o *blockingObserver) events() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Event(nil), o.got...)
}

func progress(task string, p float64) Event {
	return Event{Kind: TaskProgress, TaskID: task, Progress: p}
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus(0)
	ch, sub := bus.SubscribeChan(64)

	for i := 0; i < 10; i++ {
		bus.Publish(progress("t1", float64(i)/10))
	}
	bus.Publish(Event{Kind: TaskCompleted, TaskID: "t1"})

	var got []Event
	for e := range ch {
		got = append(got, e)
		if e.Kind.IsTerminal() {
			break
		}
	}
	sub.Close()

	require.Len(t, got, 11)
	for i := 0; i < 10; i++ {
		assert.Equal(t, float64(i)/10, got[i].Progress)
		assert.False(t, got[i].Timestamp.IsZero(), "timestamp should be stamped on publish")
	}
	assert.Equal(t, TaskCompleted, got[10].Kind)
}

func TestBus_OverflowDropsOldestProgressButNeverTerminal(t *testing.T) {
	bus := NewBus(4)
	obs := newBlockingObserver()
	sub := bus.Subscribe(obs)

	bus.Publish(progress("t1", 0.0))
	<-obs.started

	for i := 1; i <= 4; i++ {
		bus.Publish(progress("t1", float64(i)/10))
	}
	bus.Publish(Event{Kind: TaskCompleted, TaskID: "t1"})
	bus.Publish(progress("t2", 0.5))

	close(obs.release)
	sub.Close()

	got := obs.events()
	require.Len(t, got, 5)
	assert.Equal(t, 0.0, got[0].Progress)
	assert.Equal(t, 0.3, got[1].Progress)
	assert.Equal(t, 0.4, got[2].Progress)
	assert.Equal(t, TaskCompleted, got[3].Kind)
	assert.Equal(t, "t2", got[4].TaskID)
	assert.Equal(t, int64(2), sub.Dropped())
}

func TestBus_NonDroppableEventsExceedLimit(t *testing.T) {
	bus := NewBus(2)
	obs := newBlockingObserver()
	sub := bus.Subscribe(obs)

	bus.Publish(Event{Kind: TaskQueued, TaskID: "a"})
	<-obs.started

	bus.Publish(Event{Kind: TaskQueued, TaskID: "b"})
	bus.Publish(Event{Kind: TaskQueued, TaskID: "c"})
	bus.Publish(Event{Kind: TaskFailed, TaskID: "b"})
	bus.Publish(progress("c", 0.1)) // nothing droppable queued, the newcomer goes

	close(obs.release)
	sub.Close()

	got := obs.events()
	require.Len(t, got, 4)
	assert.Equal(t, TaskFailed, got[3].Kind)
	assert.Equal(t, int64(1), sub.Dropped())
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus(8)
	obs := newBlockingObserver()
	sub := bus.Subscribe(obs)
	defer func() {
		close(obs.release)
		sub.Close()
	}()

	bus.Publish(progress("t", 0))
	<-obs.started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(progress("t", 0.5))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
}

func TestBus_ObserverPanicIsContained(t *testing.T) {
	bus := NewBus(0)
	var calls int
	var mu sync.Mutex
	sub := bus.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		if e.TaskID == "boom" {
			panic("observer failure")
		}
	}))

	bus.Publish(Event{Kind: TaskQueued, TaskID: "boom"})
	bus.Publish(Event{Kind: TaskQueued, TaskID: "fine"})
	sub.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("calls = %d, want %d", calls, 2)
	}
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	bus := NewBus(0)
	ch, _ := bus.SubscribeChan(4)
	bus.Close()

	bus.Publish(Event{Kind: TaskQueued, TaskID: "late"})
	for e := range ch {
		t.Errorf("unexpected event after Close: %+v", e)
	}

	// subscribing to a closed bus yields an already finished subscription
	sub := bus.Subscribe(ObserverFunc(func(Event) {}))
	select {
	case <-sub.Done():
	default:
		t.Error("subscription on closed bus should be done")
	}
}

func TestSubscription_StopFromOwnObserver(t *testing.T) {
	bus := NewBus(0)
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []string
		sub *Subscription
	)
	ready := make(chan struct{})
	sub = bus.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		got = append(got, e.TaskID)
		mu.Unlock()
		if e.TaskID == "last" {
			<-ready
			sub.Stop()
		}
	}))
	close(ready)

	bus.Publish(Event{Kind: TaskQueued, TaskID: "first"})
	bus.Publish(Event{Kind: TaskQueued, TaskID: "last"})

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher still running after Stop from its observer")
	}
	bus.Publish(Event{Kind: TaskQueued, TaskID: "after"})
	sub.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "last"}, got)
}

func TestKind_Classification(t *testing.T) {
	tests := []struct {
		kind      Kind
		terminal  bool
		droppable bool
	}{
		{TaskQueued, false, false},
		{TaskStatusChanged, false, false},
		{TaskProgress, false, true},
		{TaskSegmentsAppended, false, false},
		{TaskCompleted, true, false},
		{TaskFailed, true, false},
		{TaskCanceled, true, false},
		{LivePartial, false, true},
		{LiveCommitted, false, false},
		{DownloadProgress, false, true},
	}
	for _, tt := range tests {
		if got := tt.kind.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.kind, got, tt.terminal)
		}
		if got := tt.kind.Droppable(); got != tt.droppable {
			t.Errorf("%s.Droppable() = %v, want %v", tt.kind, got, tt.droppable)
		}
	}
}
