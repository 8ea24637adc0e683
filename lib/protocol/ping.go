// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import "github.com/edgegate/edgegate/lib/channel"

// PingProtocol translates the keep alive family. Pings carry no payload and
// are answered by the platform on the pong channel.
type PingProtocol struct {
	gatewayKey string
}

func NewPingProtocol(gatewayKey string) *PingProtocol {
	return &PingProtocol{gatewayKey: gatewayKey}
}

// PlatformInboundChannels are the platform broker subscriptions of this
// family.
func (*PingProtocol) PlatformInboundChannels() []string {
	return []string{
		channel.Join(channel.Pong, channel.MultiLevelWildcard),
	}
}

// PingMessage encodes a keep alive ping.
func (p *PingProtocol) PingMessage() Message {
	return NewMessage(channel.Join(channel.Ping, p.gatewayKey), nil)
}

// IsPong reports whether the channel carries a keep alive answer.
func (*PingProtocol) IsPong(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) >= 1 && parts[0] == channel.Pong
}
