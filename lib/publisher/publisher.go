// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package publisher implements the store and forward pipelines that move
// outbound messages onto a broker. Each direction has its own pipeline with
// its own worker; a platform outage never stalls local publishing and the
// other way around.
package publisher

import (
	"context"
	"time"

	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/persistence"
	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/sync"
	"github.com/edgegate/edgegate/lib/transport"
)

// ReconnectDelay is the pause between broker connection attempts. Retries
// are unbounded.
const ReconnectDelay = 2 * time.Second

// Publisher delivers messages at least once: a message leaves the queue only
// after the transport confirms the handoff. Messages that cannot be
// delivered immediately are persisted and drained in order once the broker
// is back.
type Publisher struct {
	name      string
	transport transport.Transport
	store     persistence.Store
	interval  time.Duration
	evLogger  *events.Logger

	flushC chan struct{}

	mut       sync.Mutex
	onConnect []func()
}

// New creates a pipeline named for its direction ("platform" or "local"),
// publishing through the transport and buffering in the store. The interval
// bounds how long the worker sleeps between drain cycles.
func New(name string, t transport.Transport, store persistence.Store, interval time.Duration, evLogger *events.Logger) *Publisher {
	return &Publisher{
		name:      name,
		transport: t,
		store:     store,
		interval:  interval,
		evLogger:  evLogger,
		flushC:    make(chan struct{}, 1),
		mut:       sync.NewMutex(),
	}
}

// OnConnect registers a function invoked from the worker after every
// successful broker connection, reconnections included.
func (p *Publisher) OnConnect(fn func()) {
	p.mut.Lock()
	p.onConnect = append(p.onConnect, fn)
	p.mut.Unlock()
}

// AddMessage queues a message for delivery. When the broker is reachable and
// nothing is buffered ahead of it, the message is published directly;
// otherwise it is persisted for the worker to drain.
func (p *Publisher) AddMessage(msg protocol.Message) {
	if p.transport.IsConnected() && p.store.Empty() {
		if err := p.transport.Publish(msg.Channel, msg.Payload); err == nil {
			p.published(msg)
			return
		} else {
			l.Debugf("%s: direct publish on %s failed, persisting: %v", p.name, msg.Channel, err)
		}
	}

	if err := p.store.Push(msg); err != nil {
		l.Warnf("Buffering message on %s for %s: %v", msg.Channel, p.name, err)
		metricMessagesDropped.WithLabelValues(p.name).Inc()
		return
	}
	metricMessagesPersisted.WithLabelValues(p.name).Inc()
	p.evLogger.Log(events.MessageQueued, map[string]string{
		"publisher": p.name,
		"channel":   msg.Channel,
	})
	p.Flush()
}

// Flush wakes the worker before its interval elapses.
func (p *Publisher) Flush() {
	select {
	case p.flushC <- struct{}{}:
	default:
	}
}

// Serve runs the reconnect and drain loop until the context is cancelled.
func (p *Publisher) Serve(ctx context.Context) error {
	for {
		if !p.transport.IsConnected() {
			if err := p.transport.Connect(); err != nil {
				l.Debugf("%s: connecting: %v", p.name, err)
				metricConnectFailures.WithLabelValues(p.name).Inc()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(ReconnectDelay):
				}
				continue
			}
			p.connected()
		}

		p.drain()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval):
		case <-p.flushC:
		}
	}
}

// drain publishes buffered messages in queue order until the queue is empty
// or a publish fails. A failure leaves the message at the front for the next
// cycle.
func (p *Publisher) drain() {
	for {
		msg, ok := p.store.Front()
		if !ok {
			return
		}
		if err := p.transport.Publish(msg.Channel, msg.Payload); err != nil {
			l.Debugf("%s: publishing queued message on %s: %v", p.name, msg.Channel, err)
			return
		}
		if err := p.store.Pop(); err != nil {
			l.Warnf("Dequeueing published message on %s: %v", msg.Channel, err)
		}
		p.published(msg)
	}
}

func (p *Publisher) published(msg protocol.Message) {
	metricMessagesPublished.WithLabelValues(p.name).Inc()
	p.evLogger.Log(events.MessagePublished, map[string]string{
		"publisher": p.name,
		"channel":   msg.Channel,
	})
}

func (p *Publisher) connected() {
	l.Infof("Publisher %s connected to its broker", p.name)
	p.mut.Lock()
	fns := make([]func(), len(p.onConnect))
	copy(fns, p.onConnect)
	p.mut.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *Publisher) String() string {
	return "publisher/" + p.name
}
