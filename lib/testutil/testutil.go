// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package testutil provides test doubles shared by the package tests, most
// importantly an in-memory Transport.
package testutil

import (
	"sync"
	"testing"

	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/transport"
)

// FakeTransport is an in-memory transport.Transport. It records published
// messages and subscriptions, and lets tests inject inbound messages and
// connection loss.
type FakeTransport struct {
	mut       sync.Mutex
	connected bool
	failNext  int
	pubErr    error
	published []protocol.Message
	subs      map[string]struct{}
	will      *protocol.Message
	receive   func(channel string, payload []byte)
	lost      func(err error)

	// ConnectCalls counts Connect attempts, including failed ones.
	ConnectCalls int
}

var _ transport.Transport = (*FakeTransport)(nil)

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{subs: make(map[string]struct{})}
}

func (f *FakeTransport) Connect() error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.ConnectCalls++
	if f.failNext > 0 {
		f.failNext--
		return transport.ErrTimeout
	}
	f.connected = true
	return nil
}

func (f *FakeTransport) Disconnect() {
	f.mut.Lock()
	f.connected = false
	f.mut.Unlock()
}

func (f *FakeTransport) IsConnected() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.connected
}

func (f *FakeTransport) SetLastWill(channel string, payload []byte) {
	f.mut.Lock()
	f.will = &protocol.Message{Channel: channel, Payload: payload}
	f.mut.Unlock()
}

func (f *FakeTransport) Subscribe(channel string) error {
	f.mut.Lock()
	f.subs[channel] = struct{}{}
	f.mut.Unlock()
	return nil
}

func (f *FakeTransport) Publish(channel string, payload []byte) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, protocol.Message{Channel: channel, Payload: payload})
	return nil
}

func (f *FakeTransport) HandleMessage(fn func(channel string, payload []byte)) {
	f.mut.Lock()
	f.receive = fn
	f.mut.Unlock()
}

func (f *FakeTransport) HandleConnectionLost(fn func(err error)) {
	f.mut.Lock()
	f.lost = fn
	f.mut.Unlock()
}

// FailConnects makes the next n Connect calls fail.
func (f *FakeTransport) FailConnects(n int) {
	f.mut.Lock()
	f.failNext = n
	f.mut.Unlock()
}

// FailPublishes makes Publish return err until reset with nil.
func (f *FakeTransport) FailPublishes(err error) {
	f.mut.Lock()
	f.pubErr = err
	f.mut.Unlock()
}

// Deliver hands an inbound message to the installed receive handler,
// synchronously.
func (f *FakeTransport) Deliver(channel string, payload []byte) {
	f.mut.Lock()
	receive := f.receive
	f.mut.Unlock()
	if receive != nil {
		receive(channel, payload)
	}
}

// LoseConnection drops the connection and fires the loss handler.
func (f *FakeTransport) LoseConnection(err error) {
	f.mut.Lock()
	f.connected = false
	lost := f.lost
	f.mut.Unlock()
	if lost != nil {
		lost(err)
	}
}

// Published returns a snapshot of everything published so far, in order.
func (f *FakeTransport) Published() []protocol.Message {
	f.mut.Lock()
	defer f.mut.Unlock()
	out := make([]protocol.Message, len(f.published))
	copy(out, f.published)
	return out
}

// PublishedOn returns the payloads published on one channel, in order.
func (f *FakeTransport) PublishedOn(channel string) [][]byte {
	f.mut.Lock()
	defer f.mut.Unlock()
	var out [][]byte
	for _, m := range f.published {
		if m.Channel == channel {
			out = append(out, m.Payload)
		}
	}
	return out
}

// ClearPublished forgets everything published so far.
func (f *FakeTransport) ClearPublished() {
	f.mut.Lock()
	f.published = nil
	f.mut.Unlock()
}

// Subscribed reports whether Subscribe was called for the channel.
func (f *FakeTransport) Subscribed(channel string) bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	_, ok := f.subs[channel]
	return ok
}

// LastWill returns the registered last will, or nil.
func (f *FakeTransport) LastWill() *protocol.Message {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.will
}

func (*FakeTransport) String() string { return "testutil.FakeTransport" }

func FatalErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
