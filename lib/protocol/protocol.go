// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol implements the message families spoken between devices,
// the gateway and the platform. For every family there is a protocol type
// that knows the channels of the family, builds outbound messages and
// decodes inbound ones.
//
// Payloads are UTF-8 JSON throughout, except file chunk payloads which are
// raw bytes (see FileProtocol). SHA-256 hashes are base64 in file initiation
// payloads, lowercase hex in file lists, and raw bytes inside chunks.
package protocol

import (
	"errors"
	"fmt"
)

// Message is the wire envelope: a channel string plus an opaque payload.
type Message struct {
	Channel string
	Payload []byte
}

func NewMessage(channel string, payload []byte) Message {
	return Message{Channel: channel, Payload: payload}
}

func (m Message) String() string {
	return fmt.Sprintf("message on %s (%d bytes)", m.Channel, len(m.Payload))
}

var (
	// ErrMalformedPayload is returned when a JSON payload cannot be decoded
	// or lacks a required field.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrChannelMismatch is returned when a message is offered to a decoder
	// of a different family.
	ErrChannelMismatch = errors.New("channel does not belong to this family")
)

// DeviceState is the lifecycle state a device reports or is assigned.
type DeviceState string

const (
	StateConnected DeviceState = "CONNECTED"
	StateOffline   DeviceState = "OFFLINE"
	StateSleep     DeviceState = "SLEEP"
	StateService   DeviceState = "SERVICE"
)

// Valid reports whether the state is one of the four defined values.
func (s DeviceState) Valid() bool {
	switch s {
	case StateConnected, StateOffline, StateSleep, StateService:
		return true
	}
	return false
}
