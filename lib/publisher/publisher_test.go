// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/persistence"
	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/testutil"
)

func newTestPublisher(t *testing.T) (*Publisher, *testutil.FakeTransport, *persistence.FileStore) {
	t.Helper()
	store, err := persistence.NewFileStore(t.TempDir(), persistence.FIFO, 0)
	if err != nil {
		t.Fatal(err)
	}
	ft := testutil.NewFakeTransport()
	p := New("test", ft, store, 50*time.Millisecond, events.NewLogger())
	return p, ft, store
}

func startPublisher(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for", what)
}

func TestDirectPublishWhenConnected(t *testing.T) {
	p, ft, store := newTestPublisher(t)
	startPublisher(t, p)
	waitFor(t, "connection", ft.IsConnected)

	p.AddMessage(protocol.NewMessage("d2p/status/g/GW", []byte("hi")))

	waitFor(t, "publication", func() bool { return len(ft.Published()) == 1 })
	if !store.Empty() {
		t.Error("direct publish should not touch the queue")
	}
}

func TestPersistedWhileOfflineDrainedInOrder(t *testing.T) {
	p, ft, store := newTestPublisher(t)

	// Not serving yet, transport disconnected: everything is buffered.
	for _, ch := range []string{"ch/1", "ch/2", "ch/3"} {
		p.AddMessage(protocol.NewMessage(ch, []byte(ch)))
	}
	if store.Len() != 3 {
		t.Fatalf("%d buffered, expected 3", store.Len())
	}

	startPublisher(t, p)
	waitFor(t, "drain", store.Empty)

	pub := ft.Published()
	if len(pub) != 3 {
		t.Fatalf("%d published, expected 3", len(pub))
	}
	for i, ch := range []string{"ch/1", "ch/2", "ch/3"} {
		if pub[i].Channel != ch {
			t.Errorf("position %d published on %s, expected %s", i, pub[i].Channel, ch)
		}
	}
}

func TestFailedPublishStaysQueued(t *testing.T) {
	p, ft, store := newTestPublisher(t)
	startPublisher(t, p)
	waitFor(t, "connection", ft.IsConnected)

	pubErr := errors.New("broker sulking")
	ft.FailPublishes(pubErr)
	p.AddMessage(protocol.NewMessage("ch/1", []byte("one")))

	// The direct publish fails, the message lands in the queue, and the
	// worker cannot drain it either.
	waitFor(t, "buffering", func() bool { return store.Len() == 1 })
	time.Sleep(100 * time.Millisecond)
	if store.Len() != 1 {
		t.Fatalf("%d buffered after failed drain, expected 1", store.Len())
	}

	ft.FailPublishes(nil)
	p.Flush()
	waitFor(t, "drain", store.Empty)

	msgs := ft.PublishedOn("ch/1")
	if len(msgs) != 1 || string(msgs[0]) != "one" {
		t.Errorf("published %q", msgs)
	}
}

func TestReconnectAfterFailure(t *testing.T) {
	p, ft, _ := newTestPublisher(t)
	ft.FailConnects(1)
	startPublisher(t, p)

	// First attempt fails, the worker waits ReconnectDelay and tries again.
	waitFor(t, "reconnection", ft.IsConnected)
	if ft.ConnectCalls < 2 {
		t.Errorf("%d connect calls, expected at least 2", ft.ConnectCalls)
	}
}

func TestOnConnectRuns(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	connected := make(chan struct{}, 1)
	p.OnConnect(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	startPublisher(t, p)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConnect callback never ran")
	}
}
