// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/edgegate/edgegate/lib/channel"
)

// StatusProtocol translates the device status family, including last wills.
type StatusProtocol struct {
	gatewayKey string
}

func NewStatusProtocol(gatewayKey string) *StatusProtocol {
	return &StatusProtocol{gatewayKey: gatewayKey}
}

// DeviceInboundChannels are the local broker subscriptions of this family.
// The lastwill wildcard covers both the bare broker level form and the per
// device form.
func (*StatusProtocol) DeviceInboundChannels() []string {
	return []string{
		channel.Device(channel.DeviceToPlatform, channel.Status, channel.SingleLevelWildcard),
		channel.Device(channel.DeviceToPlatform, channel.SubdeviceStatusResponse, channel.SingleLevelWildcard),
		channel.Join(channel.LastWill, channel.MultiLevelWildcard),
	}
}

// PlatformInboundChannels are the platform broker subscriptions of this
// family.
func (p *StatusProtocol) PlatformInboundChannels() []string {
	return []string{
		channel.Join(channel.Gateway(channel.PlatformToDevice, channel.SubdeviceStatusRequest, p.gatewayKey), channel.DevicePrefix, channel.MultiLevelWildcard),
	}
}

func (*StatusProtocol) ExtractDeviceKey(ch string) string {
	return channel.DeviceKey(ch)
}

// StatusUpdateMessage encodes a device status update for the platform.
func (p *StatusProtocol) StatusUpdateMessage(deviceKey string, state DeviceState) (Message, error) {
	bs, err := json.Marshal(map[string]string{"state": string(state)})
	if err != nil {
		return Message{}, err
	}
	ch := channel.GatewayDevice(channel.DeviceToPlatform, channel.SubdeviceStatusUpdate, p.gatewayKey, deviceKey)
	return NewMessage(ch, bs), nil
}

// OfflineStatusMessage encodes the synthesized OFFLINE status published when
// a last will arrives or the local broker connection is lost.
func (p *StatusProtocol) OfflineStatusMessage(deviceKey string) (Message, error) {
	bs, err := json.Marshal(map[string]string{"state": string(StateOffline)})
	if err != nil {
		return Message{}, err
	}
	ch := channel.GatewayDevice(channel.DeviceToPlatform, channel.Status, p.gatewayKey, deviceKey)
	return NewMessage(ch, bs), nil
}

// StatusRequestMessage encodes a status poll for one subdevice on the local
// broker.
func (*StatusProtocol) StatusRequestMessage(deviceKey string) Message {
	return NewMessage(channel.Device(channel.PlatformToDevice, channel.SubdeviceStatusRequest, deviceKey), nil)
}

// RouteStatusRequestToDevice rewrites a platform status request into its
// device side form.
func (p *StatusProtocol) RouteStatusRequestToDevice(m Message) (Message, bool) {
	routed := channel.RoutePlatformToDevice(m.Channel, p.gatewayKey)
	if routed == "" {
		return Message{}, false
	}
	return NewMessage(routed, m.Payload), true
}

// ParseStatus decodes a device's own status message.
func (*StatusProtocol) ParseStatus(m Message) (string, DeviceState, error) {
	key := channel.DeviceKey(m.Channel)
	if key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrChannelMismatch, m.Channel)
	}
	var body struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return key, "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	state := DeviceState(body.State)
	if !state.Valid() {
		return key, "", fmt.Errorf("%w: unknown state %q", ErrMalformedPayload, body.State)
	}
	return key, state, nil
}

// IsLastWill reports whether the channel is a last will, either broker level
// or per device.
func (*StatusProtocol) IsLastWill(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) >= 1 && parts[0] == channel.LastWill && len(parts) <= 2
}

// ParseLastWill returns the device keys affected by a last will message. A
// bare "lastwill" channel carries a JSON array of keys; "lastwill/<key>"
// names its single key directly, the payload is irrelevant.
func (p *StatusProtocol) ParseLastWill(m Message) ([]string, error) {
	parts := channel.Split(m.Channel)
	switch {
	case len(parts) == 2 && parts[0] == channel.LastWill && parts[1] != "":
		return []string{parts[1]}, nil
	case len(parts) == 1 && parts[0] == channel.LastWill:
		var keys []string
		if err := json.Unmarshal(m.Payload, &keys); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return keys, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrChannelMismatch, m.Channel)
}

// IsStatus reports whether the channel carries a device status or status
// response.
func (*StatusProtocol) IsStatus(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && (parts[1] == channel.Status || parts[1] == channel.SubdeviceStatusResponse)
}

// IsStatusRequest reports whether the channel carries a platform status
// request.
func (*StatusProtocol) IsStatusRequest(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.SubdeviceStatusRequest
}
