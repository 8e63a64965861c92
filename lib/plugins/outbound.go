// Copyright (C) 2026 The cconnect Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package plugins

import (
	"log/slog"
	"sync"

	"github.com/cconnectd/cconnect/lib/packet"
)

// outboundWarnThreshold is the soft-warn depth for a device's outbound
// queue: past this, a plugin is very likely bugged, but packets are
// never dropped.
const outboundWarnThreshold = 4096

// outboundQueue is the unbounded MPSC queue between plugin instances
// and the goroutine that drains it into the connection manager. A
// slice-backed queue behind a condition variable gives genuinely
// unbounded capacity, unlike a buffered channel.
type outboundQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*packet.Packet
	closed bool
	warned bool
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send implements OutboundSink. Safe for concurrent use by multiple
// plugin instances on the same device.
func (q *outboundQueue) Send(p *packet.Packet) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, p)
	depth := len(q.items)
	warn := depth >= outboundWarnThreshold && !q.warned
	if warn {
		q.warned = true
	}
	q.mu.Unlock()

	if warn {
		slog.Warn("plugin outbound queue very deep, likely a plugin bug", "depth", depth)
	}
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed and
// drained.
func (q *outboundQueue) pop() (*packet.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// drain routes every queued packet to sender until the queue is closed
// and empty.
func (q *outboundQueue) drain(sender Sender, deviceID string, log *slog.Logger) {
	for {
		p, ok := q.pop()
		if !ok {
			return
		}
		if err := sender.SendPacket(deviceID, p); err != nil {
			log.Warn("failed to send plugin-originated packet", "device_id", deviceID, "type", p.Type, "error", err)
		}
	}
}
