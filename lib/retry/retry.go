// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package retry tracks requests that expect a platform response and
// republishes them until the response arrives or the retries run out. One
// tracker serves all request/response flows of the gateway: registrations,
// deletions, and anything else keyed by a concrete response channel.
package retry

import (
	"context"
	"time"

	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/sync"
)

const (
	// DefaultTimeout is how long a request waits for its response before it
	// is republished.
	DefaultTimeout = 5 * time.Second
	// DefaultRetries is how many times a request is republished before the
	// tracker gives up.
	DefaultRetries = 3

	scanInterval = 500 * time.Millisecond
)

type pending struct {
	msg         protocol.Message
	retriesLeft int
	deadline    time.Time
	onGiveUp    func()
}

// Tracker is the table of in-flight requests keyed by the channel their
// response will arrive on. A timer republishes expired entries; inbound
// traffic settles them through Settle, which the routers call before
// dispatching any message.
type Tracker struct {
	publish func(msg protocol.Message)
	timeout time.Duration
	retries int
	now     func() time.Time

	mut   sync.Mutex
	table map[string]*pending
}

// NewTracker creates a tracker that republishes through the given function,
// typically the platform publisher's AddMessage.
func NewTracker(publish func(msg protocol.Message)) *Tracker {
	return &Tracker{
		publish: publish,
		timeout: DefaultTimeout,
		retries: DefaultRetries,
		now:     time.Now,
		mut:     sync.NewMutex(),
		table:   make(map[string]*pending),
	}
}

// Expect publishes the message and begins tracking it. If no message arrives
// on responseChannel within the timeout the message is republished, up to
// the retry limit; then onGiveUp runs (may be nil) and the entry is dropped.
// A second Expect for the same response channel replaces the first.
func (t *Tracker) Expect(responseChannel string, msg protocol.Message, onGiveUp func()) {
	t.mut.Lock()
	t.table[responseChannel] = &pending{
		msg:         msg,
		retriesLeft: t.retries,
		deadline:    t.now().Add(t.timeout),
		onGiveUp:    onGiveUp,
	}
	t.mut.Unlock()

	l.Debugf("expecting response on %s within %v", responseChannel, t.timeout)
	t.publish(msg)
}

// Settle erases the entry waiting for the given channel, reporting whether
// there was one. The message itself still goes to its handler; the tracker
// only stops republishing.
func (t *Tracker) Settle(ch string) bool {
	t.mut.Lock()
	_, ok := t.table[ch]
	if ok {
		delete(t.table, ch)
	}
	t.mut.Unlock()

	if ok {
		l.Debugln("settled response on", ch)
	}
	return ok
}

// Cancel drops the entry for a response channel without treating it as
// settled or given up.
func (t *Tracker) Cancel(ch string) {
	t.mut.Lock()
	delete(t.table, ch)
	t.mut.Unlock()
}

// Pending returns the number of tracked requests.
func (t *Tracker) Pending() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.table)
}

// Serve scans the table until the context is cancelled.
func (t *Tracker) Serve(ctx context.Context) error {
	timer := time.NewTimer(scanInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			t.scan()
			timer.Reset(scanInterval)
		}
	}
}

// scan republishes expired entries and gives up on exhausted ones. Give-up
// callbacks and republications run outside the lock.
func (t *Tracker) scan() {
	now := t.now()

	t.mut.Lock()
	var republish []protocol.Message
	var expired []*pending
	for ch, p := range t.table {
		if now.Before(p.deadline) {
			continue
		}
		if p.retriesLeft > 0 {
			p.retriesLeft--
			p.deadline = now.Add(t.timeout)
			republish = append(republish, p.msg)
			l.Debugf("republishing request awaiting %s, %d retries left", ch, p.retriesLeft)
		} else {
			l.Warnf("No response on %s after %d retries, giving up", ch, t.retries)
			expired = append(expired, p)
			delete(t.table, ch)
		}
	}
	t.mut.Unlock()

	for _, msg := range republish {
		metricRepublished.Inc()
		t.publish(msg)
	}
	for _, p := range expired {
		metricGivenUp.Inc()
		if p.onGiveUp != nil {
			p.onGiveUp()
		}
	}
}

func (*Tracker) String() string {
	return "retry.Tracker"
}
