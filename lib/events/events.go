// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events implements the typed publish/subscribe bus that the rest
// of cconnect uses to signal state changes without components holding
// direct references to each other (see design note on breaking the
// Connection Manager / Plugin Dispatch cycle).
package events

import (
	"log/slog"
	"sync"
	"time"
)

// BufferSize is the default per-subscriber channel depth. A subscriber
// that falls this far behind starts losing events.
const BufferSize = 64

// Envelope wraps a published value with bookkeeping shared by every
// family's bus.
type Envelope[T any] struct {
	ID      uint64
	Time    time.Time
	Payload T
}

// Bus is a multi-producer, multi-consumer broadcast channel for one event
// family. Subscribers only receive events published from the point of
// subscription forward; there is no replay. A lagging subscriber loses
// its oldest pending events rather than blocking the publisher.
type Bus[T any] struct {
	name   string
	log    *slog.Logger
	mu     sync.Mutex
	nextID int
	nextEv uint64
	subs   map[int]chan Envelope[T]
}

// NewBus creates an empty bus for one event family. name is used only in
// log lines (e.g. "discovery", "connection", "pairing").
func NewBus[T any](name string) *Bus[T] {
	return &Bus[T]{
		name: name,
		log:  slog.With("component", "events", "family", name),
		subs: make(map[int]chan Envelope[T]),
	}
}

// Publish delivers v to every current subscriber. It never blocks: a
// subscriber whose buffer is full loses its oldest pending event to
// make room for the new one, and a warning is logged.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	env := Envelope[T]{ID: b.nextEv, Time: time.Now(), Payload: v}
	b.nextEv++

	for id, ch := range b.subs {
		select {
		case ch <- env:
			continue
		default:
		}
		// Full: evict the oldest pending event. Only Publish sends on
		// ch and it holds b.mu, so the retry cannot race another send.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- env:
		default:
		}
		b.log.Warn("subscriber lagging, dropping oldest event", "subscriber", id)
	}
}

// Subscribe registers a new listener and returns a handle and the receive
// end of its channel. Callers must call Unsubscribe when done to avoid
// leaking the channel.
func (b *Bus[T]) Subscribe() (*Subscription[T], <-chan Envelope[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Envelope[T], BufferSize)
	b.subs[id] = ch

	return &Subscription[T]{bus: b, id: id}, ch
}

// Subscription is the handle returned by Subscribe, used only to
// unsubscribe.
type Subscription[T any] struct {
	bus *Bus[T]
	id  int
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call once; a second call is a no-op.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	ch, ok := s.bus.subs[s.id]
	if !ok {
		return
	}
	delete(s.bus.subs, s.id)
	close(ch)
}
