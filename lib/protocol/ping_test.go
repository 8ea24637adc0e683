// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import "testing"

func TestPingMessage(t *testing.T) {
	p := NewPingProtocol("gw")

	msg := p.PingMessage()
	if msg.Channel != "ping/gw" {
		t.Errorf("unexpected channel %q", msg.Channel)
	}
	if len(msg.Payload) != 0 {
		t.Errorf("ping payload should be empty, got %s", msg.Payload)
	}

	if !p.IsPong("pong/gw") || !p.IsPong("pong") {
		t.Error("expected pong channels to be recognized")
	}
	if p.IsPong("ping/gw") {
		t.Error("ping is not pong")
	}
}
