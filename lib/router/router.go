// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package router dispatches inbound broker messages to the services that
// subscribed to their channels. Each router owns one worker that executes
// handler calls serially, in arrival order, so no handler ever runs on a
// transport's receive goroutine.
package router

import (
	"context"
	stdsync "sync"

	"github.com/edgegate/edgegate/lib/channel"
	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/sync"
	"github.com/edgegate/edgegate/lib/transport"
)

// Handler consumes messages on the channels it registered for. Calls arrive
// one at a time on the router's worker; handlers must not block for long.
type Handler interface {
	HandleMessage(msg protocol.Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(msg protocol.Message)

func (fn HandlerFunc) HandleMessage(msg protocol.Message) { fn(msg) }

// HandlerID identifies one registration. A deregistered id left in the
// dispatch table is silently skipped.
type HandlerID int

type registration struct {
	pattern string
	id      HandlerID
}

type job struct {
	id  HandlerID
	msg protocol.Message
}

// Router matches inbound messages against registered channel patterns and
// queues them for its worker. The first registered pattern that matches wins.
type Router struct {
	name   string
	binary func(ch string) bool // suppresses logging for raw payloads

	mut       sync.Mutex
	cond      *stdsync.Cond
	queue     []job
	order     []registration
	handlers  map[HandlerID]Handler
	nextID    HandlerID
	intercept func(ch string)
	lost      func(err error)
}

// New creates a router. The binary predicate marks channels whose payloads
// are raw bytes and must stay out of the logs; nil means no such channels.
func New(name string, binary func(ch string) bool) *Router {
	r := &Router{
		name:     name,
		binary:   binary,
		mut:      sync.NewMutex(),
		handlers: make(map[HandlerID]Handler),
		nextID:   1,
	}
	r.cond = stdsync.NewCond(r.mut)
	return r
}

// Register adds a handler for the given channel patterns. Patterns are
// consulted in registration order; wildcards follow the channel package
// rules.
func (r *Router) Register(h Handler, patterns ...string) HandlerID {
	r.mut.Lock()
	defer r.mut.Unlock()

	id := r.nextID
	r.nextID++
	r.handlers[id] = h
	for _, p := range patterns {
		r.order = append(r.order, registration{pattern: p, id: id})
	}
	l.Debugf("%s: registered handler %d for %v", r.name, id, patterns)
	return id
}

// Deregister removes a handler. Messages already queued for it are skipped
// at dispatch.
func (r *Router) Deregister(id HandlerID) {
	r.mut.Lock()
	delete(r.handlers, id)
	r.mut.Unlock()
}

// SetIntercept installs a function invoked from the worker with every
// matched channel before its handler runs, whether or not the handler is
// still live. The retry tracker uses this to settle pending requests.
func (r *Router) SetIntercept(fn func(ch string)) {
	r.mut.Lock()
	r.intercept = fn
	r.mut.Unlock()
}

// SetConnectionLostAction installs the single action invoked when the
// underlying transport loses its connection.
func (r *Router) SetConnectionLostAction(fn func(err error)) {
	r.mut.Lock()
	r.lost = fn
	r.mut.Unlock()
}

// ConnectionLost forwards a transport connection loss to the configured
// action. Wire transport.HandleConnectionLost to this method.
func (r *Router) ConnectionLost(err error) {
	r.mut.Lock()
	lost := r.lost
	r.mut.Unlock()
	if lost != nil {
		lost(err)
	}
}

// Patterns returns the union of all registered channel patterns, duplicates
// removed, in registration order.
func (r *Router) Patterns() []string {
	r.mut.Lock()
	defer r.mut.Unlock()

	seen := make(map[string]struct{}, len(r.order))
	patterns := make([]string, 0, len(r.order))
	for _, reg := range r.order {
		if _, ok := seen[reg.pattern]; ok {
			continue
		}
		seen[reg.pattern] = struct{}{}
		patterns = append(patterns, reg.pattern)
	}
	return patterns
}

// SubscribeAll subscribes the transport to every registered pattern.
func (r *Router) SubscribeAll(t transport.Transport) error {
	for _, p := range r.Patterns() {
		if err := t.Subscribe(p); err != nil {
			return err
		}
	}
	return nil
}

// Receive accepts one inbound message from the transport and queues it for
// dispatch. Messages matching no pattern are dropped. Wire
// transport.HandleMessage to this method.
func (r *Router) Receive(ch string, payload []byte) {
	loggable := r.binary == nil || !r.binary(ch)

	r.mut.Lock()
	for _, reg := range r.order {
		if !channel.Matches(reg.pattern, ch) {
			continue
		}
		r.queue = append(r.queue, job{id: reg.id, msg: protocol.NewMessage(ch, payload)})
		r.cond.Signal()
		r.mut.Unlock()

		metricMessagesRouted.WithLabelValues(r.name).Inc()
		if loggable {
			l.Debugf("%s: queued message on %s (%d bytes)", r.name, ch, len(payload))
		}
		return
	}
	r.mut.Unlock()

	metricMessagesUnmatched.WithLabelValues(r.name).Inc()
	if loggable {
		l.Debugf("%s: no handler for message on %s, dropped", r.name, ch)
	}
}

// Serve runs the dispatch worker until the context is cancelled. Jobs still
// queued at cancellation are dispatched before returning.
func (r *Router) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.mut.Lock()
		r.cond.Broadcast()
		r.mut.Unlock()
	}()

	for {
		r.mut.Lock()
		for len(r.queue) == 0 {
			if ctx.Err() != nil {
				r.mut.Unlock()
				return ctx.Err()
			}
			r.cond.Wait()
		}
		j := r.queue[0]
		r.queue = r.queue[1:]
		h := r.handlers[j.id]
		intercept := r.intercept
		r.mut.Unlock()

		if intercept != nil {
			intercept(j.msg.Channel)
		}
		if h == nil {
			l.Debugf("%s: handler %d gone, skipping message on %s", r.name, j.id, j.msg.Channel)
			continue
		}
		h.HandleMessage(j.msg)
	}
}

// Pending returns the number of queued, not yet dispatched messages.
func (r *Router) Pending() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.queue)
}

func (r *Router) String() string {
	return "router/" + r.name
}
