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
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/logging"
)

// DefaultQueueSize bounds each subscriber's pending queue
const DefaultQueueSize = 256

// Observer receives events from the bus
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

// OnEvent calls f(e)
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Bus is an in-process publish/subscribe hub. Each subscriber has its own
// bounded queue and dispatcher goroutine, so Publish never blocks on a
// slow observer. Events published for one task are delivered to every
// subscriber in publish order.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	now       func() time.Time
	closed    bool
}

// NewBus creates a bus whose subscribers buffer up to queueSize events
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
		now:       time.Now,
	}
}

// SetClock replaces the timestamp source
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Subscribe registers an observer until the returned subscription is closed
func (b *Bus) Subscribe(o Observer) *Subscription {
	sub := b.newSubscription()
	sub.observer = o
	b.register(sub)
	return sub
}

// SubscribeChan delivers events into a channel that is closed with the
// subscription. Events still pending when the subscription closes are
// discarded if the reader has stopped receiving.
func (b *Bus) SubscribeChan(buffer int) (<-chan Event, *Subscription) {
	ch := make(chan Event, buffer)
	sub := b.newSubscription()
	sub.observer = ObserverFunc(func(e Event) {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case ch <- e:
		case <-sub.stop:
		}
	})
	b.register(sub)
	go func() {
		<-sub.done
		close(ch)
	}()
	return ch, sub
}

func (b *Bus) newSubscription() *Subscription {
	return &Subscription{
		bus:    b,
		limit:  b.queueSize,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (b *Bus) register(sub *Subscription) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.dispatch()
}

// Publish enqueues e for every current subscriber
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	for _, sub := range b.subs {
		sub.push(e)
	}
}

// Close drains and stops every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[uint64]*Subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one observer's registration on the bus
type Subscription struct {
	id       uint64
	bus      *Bus
	observer Observer
	limit    int

	mu      sync.Mutex
	queue   []Event
	dropped atomic.Int64

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Close unregisters the observer and waits until what is already queued
// has been delivered. It must not be called from the observer's own
// OnEvent, which runs on the goroutine Close waits for; use Stop there.
func (s *Subscription) Close() {
	s.Stop()
	<-s.done
}

// Stop unregisters the observer without waiting for the dispatcher, so an
// observer may end its own subscription. Events already queued are still
// delivered; Done reports when the dispatcher has exited.
func (s *Subscription) Stop() {
	if s.bus != nil {
		s.bus.remove(s.id)
	}
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the dispatcher has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many events were discarded for this subscriber
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// push appends e, evicting the oldest droppable event when the queue is full.
// Non-droppable events are always queued, even past the limit.
func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		victim := -1
		for i, queued := range s.queue {
			if queued.Kind.Droppable() {
				victim = i
				break
			}
		}
		switch {
		case victim >= 0:
			s.queue = append(s.queue[:victim], s.queue[victim+1:]...)
			s.dropped.Add(1)
		case e.Kind.Droppable():
			s.mu.Unlock()
			s.dropped.Add(1)
			return
		}
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) take() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

func (s *Subscription) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.notify:
			s.deliver(s.take())
		case <-s.stop:
			s.deliver(s.take())
			return
		}
	}
}

func (s *Subscription) deliver(batch []Event) {
	for _, e := range batch {
		s.safeCall(e)
	}
}

func (s *Subscription) safeCall(e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWarn("⚠️ Event observer panicked",
				zap.String("kind", string(e.Kind)),
				zap.Any("panic", r))
		}
	}()
	s.observer.OnEvent(e)
}
