// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package status

import (
	"context"
	"time"

	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/sync"
)

// KeepAlive pings the platform on a fixed interval so the connection is kept
// open through NATs and idle timeouts, and records the platform's answers.
type KeepAlive struct {
	proto    *protocol.PingProtocol
	platform Outbound
	interval time.Duration

	mut      sync.Mutex
	lastPong time.Time
}

func NewKeepAlive(proto *protocol.PingProtocol, platform Outbound, interval time.Duration) *KeepAlive {
	return &KeepAlive{
		proto:    proto,
		platform: platform,
		interval: interval,
		mut:      sync.NewMutex(),
	}
}

// PlatformChannels are the platform broker patterns this service consumes.
func (k *KeepAlive) PlatformChannels() []string {
	return k.proto.PlatformInboundChannels()
}

// HandlePlatformMessage consumes pong answers.
func (k *KeepAlive) HandlePlatformMessage(msg protocol.Message) {
	if !k.proto.IsPong(msg.Channel) {
		l.Debugln("unexpected platform message on", msg.Channel)
		return
	}
	k.mut.Lock()
	k.lastPong = time.Now()
	k.mut.Unlock()
	l.Debugln("pong received on", msg.Channel)
}

// LastPong returns the arrival time of the most recent pong, with ok false
// when none has arrived yet.
func (k *KeepAlive) LastPong() (time.Time, bool) {
	k.mut.Lock()
	defer k.mut.Unlock()
	return k.lastPong, !k.lastPong.IsZero()
}

// Serve pings the platform on the configured interval until the context is
// cancelled. The first ping goes out immediately.
func (k *KeepAlive) Serve(ctx context.Context) error {
	k.ping()

	timer := time.NewTimer(k.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			k.ping()
			timer.Reset(k.interval)
		}
	}
}

func (k *KeepAlive) ping() {
	l.Debugln("pinging the platform")
	metricPingsSent.Inc()
	k.platform.AddMessage(k.proto.PingMessage())
}

func (*KeepAlive) String() string {
	return "status.KeepAlive"
}
