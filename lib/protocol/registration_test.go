// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"errors"
	"testing"

	"github.com/d4l3k/messagediff"
)

func TestRegistrationRequestMessage(t *testing.T) {
	p := NewRegistrationProtocol("gw")
	manifest := Manifest{
		Protocol: "JsonProtocol",
		Feeds:    []Feed{{Reference: "temp", Name: "Temperature", Type: "NUMERIC", Unit: "CELSIUS"}},
	}

	// Subdevice requests are addressed through the gateway.
	msg, err := p.RegistrationRequestMessage(NewRegistrationRequest("dev", "Device", manifest))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel != "d2p/register_subdevice_request/g/gw/d/dev" {
		t.Errorf("unexpected channel %q", msg.Channel)
	}
	exp := `{"device":{"name":"Device","key":"dev"},"manifest":{"protocol":"JsonProtocol","feeds":[{"reference":"temp","name":"Temperature","type":"NUMERIC","unit":"CELSIUS"}]}}`
	if string(msg.Payload) != exp {
		t.Errorf("payload %s, expected %s", msg.Payload, exp)
	}

	// The gateway's own request has no device level.
	msg, err = p.RegistrationRequestMessage(NewRegistrationRequest("gw", "Gateway", manifest))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel != "d2p/register_subdevice_request/g/gw" {
		t.Errorf("unexpected channel %q", msg.Channel)
	}
}

func TestParseRegistrationRequest(t *testing.T) {
	p := NewRegistrationProtocol("gw")

	msg := NewMessage("d2p/register_subdevice_request/d/dev",
		[]byte(`{"device":{"name":"Device","key":"dev"},"manifest":{"protocol":"JsonProtocol"}}`))
	req, err := p.ParseRegistrationRequest(msg)
	if err != nil {
		t.Fatal(err)
	}
	expect := NewRegistrationRequest("dev", "Device", Manifest{Protocol: "JsonProtocol"})
	if diff, equal := messagediff.PrettyDiff(expect, req); !equal {
		t.Error(diff)
	}

	cases := []struct {
		channel string
		payload string
	}{
		// Key and name are required
		{"d2p/register_subdevice_request/d/dev", `{"device":{"name":"Device"}}`},
		{"d2p/register_subdevice_request/d/dev", `{"device":{"key":"dev"}}`},
		// Channel key and payload key must agree
		{"d2p/register_subdevice_request/d/other", `{"device":{"name":"Device","key":"dev"}}`},
		{"d2p/register_subdevice_request/d/dev", `garbage`},
	}
	for _, tc := range cases {
		if _, err := p.ParseRegistrationRequest(NewMessage(tc.channel, []byte(tc.payload))); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("ParseRegistrationRequest(%q, %s): expected malformed payload, got %v", tc.channel, tc.payload, err)
		}
	}
}

func TestParseRegistrationResponse(t *testing.T) {
	p := NewRegistrationProtocol("gw")

	resp, err := p.ParseRegistrationResponse(NewMessage("p2d/register_subdevice_response/g/gw/d/dev", []byte(`{"result":"OK"}`)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.DeviceKey != "dev" || resp.Result != RegistrationOK {
		t.Errorf("unexpected response %+v", resp)
	}

	// A response without a device level is for the gateway itself.
	resp, err = p.ParseRegistrationResponse(NewMessage("p2d/register_subdevice_response/g/gw", []byte(`{"result":"ERROR_KEY_CONFLICT"}`)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.DeviceKey != "gw" || resp.Result != RegistrationErrorKeyConflict {
		t.Errorf("unexpected response %+v", resp)
	}

	if _, err := p.ParseRegistrationResponse(NewMessage("p2d/register_subdevice_response/g/gw/d/dev", []byte(`{}`))); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected malformed payload, got %v", err)
	}
}

func TestDeletionMessages(t *testing.T) {
	p := NewRegistrationProtocol("gw")

	msg := p.DeletionRequestMessage("dev")
	if msg.Channel != "d2p/delete_device/g/gw/d/dev" {
		t.Errorf("unexpected channel %q", msg.Channel)
	}
	if len(msg.Payload) != 0 {
		t.Errorf("deletion request payload should be empty, got %s", msg.Payload)
	}

	if ch := p.DeletionResponseChannel("dev"); ch != "p2d/delete_device/g/gw/d/dev" {
		t.Errorf("unexpected response channel %q", ch)
	}
}

func TestReregistrationMessages(t *testing.T) {
	p := NewRegistrationProtocol("gw")

	msg, err := p.ReregistrationAckMessage()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel != "d2p/reregister_device/g/gw" {
		t.Errorf("unexpected channel %q", msg.Channel)
	}
	if exp := `{"result":"OK"}`; string(msg.Payload) != exp {
		t.Errorf("payload %s, expected %s", msg.Payload, exp)
	}

	// The broadcast addresses all subdevices at once with an empty key level.
	msg = p.ReregistrationBroadcastMessage()
	if msg.Channel != "p2d/reregister_device/d/" {
		t.Errorf("unexpected channel %q", msg.Channel)
	}
}

func TestManifestsEqual(t *testing.T) {
	a := Manifest{Protocol: "JsonProtocol", Feeds: []Feed{{Reference: "temp", Name: "T", Type: "NUMERIC"}}}
	b := Manifest{Protocol: "JsonProtocol", Feeds: []Feed{{Reference: "temp", Name: "T", Type: "NUMERIC"}}}
	if !ManifestsEqual(a, b) {
		t.Error("identical manifests should compare equal")
	}

	b.Feeds[0].Unit = "CELSIUS"
	if ManifestsEqual(a, b) {
		t.Error("different manifests should not compare equal")
	}
}

func TestRegistrationChannelPredicates(t *testing.T) {
	p := NewRegistrationProtocol("gw")

	if !p.IsRegistrationRequest("d2p/register_subdevice_request/d/dev") {
		t.Error("expected registration request")
	}
	if !p.IsRegistrationResponse("p2d/register_subdevice_response/g/gw/d/dev") {
		t.Error("expected registration response")
	}
	if !p.IsReregistration("p2d/reregister_device/g/gw") {
		t.Error("expected reregistration")
	}
	if !p.IsDeletionResponse("p2d/delete_device/g/gw/d/dev") {
		t.Error("expected deletion response")
	}
	if p.IsReregistration("d2p/reregister_device/g/gw") {
		t.Error("own ack is not a reregistration request")
	}
}
