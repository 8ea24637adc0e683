// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/edgegate/edgegate/lib/channel"
)

// Device is the repository entity for a registered device, the gateway
// included.
type Device struct {
	Key      string   `json:"key"`
	Name     string   `json:"name"`
	Password string   `json:"password,omitempty"`
	Manifest Manifest `json:"manifest"`
}

// Manifest describes what a device is made of. Protocol names the data
// protocol the device speaks; a subdevice registration is rejected when it
// does not match the gateway's own.
type Manifest struct {
	Protocol          string      `json:"protocol"`
	TemplateReference string      `json:"templateReference,omitempty"`
	Feeds             []Feed      `json:"feeds,omitempty"`
	Attributes        []Attribute `json:"attributes,omitempty"`
	Parameters        []Parameter `json:"parameters,omitempty"`
}

// Feed is a named data stream of a device, immutable once registered.
type Feed struct {
	Reference string `json:"reference"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Unit      string `json:"unit,omitempty"`
}

type Attribute struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ManifestsEqual compares two manifests by their canonical JSON encoding.
func ManifestsEqual(a, b Manifest) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// RegistrationRequest asks the platform to create a device.
type RegistrationRequest struct {
	Device struct {
		Name string `json:"name"`
		Key  string `json:"key"`
	} `json:"device"`
	Manifest Manifest `json:"manifest"`
}

func NewRegistrationRequest(key, name string, manifest Manifest) RegistrationRequest {
	var req RegistrationRequest
	req.Device.Key = key
	req.Device.Name = name
	req.Manifest = manifest
	return req
}

// RegistrationResult is the platform's verdict on a registration request.
type RegistrationResult string

const (
	RegistrationOK                      RegistrationResult = "OK"
	RegistrationErrorKeyConflict        RegistrationResult = "ERROR_KEY_CONFLICT"
	RegistrationErrorManifestConflict   RegistrationResult = "ERROR_MANIFEST_CONFLICT"
	RegistrationErrorMaxDevicesExceeded RegistrationResult = "ERROR_MAXIMUM_NUMBER_OF_DEVICES_EXCEEDED"
	RegistrationErrorReadingPayload     RegistrationResult = "ERROR_READING_PAYLOAD"
	RegistrationErrorGatewayNotFound    RegistrationResult = "ERROR_GATEWAY_NOT_FOUND"
	RegistrationErrorNoGatewayManifest  RegistrationResult = "ERROR_NO_GATEWAY_MANIFEST"
)

// RegistrationResponse is the platform's reply to a registration request.
type RegistrationResponse struct {
	DeviceKey string
	Result    RegistrationResult
}

// RegistrationProtocol translates the device lifecycle family: registration,
// deletion and reregistration.
type RegistrationProtocol struct {
	gatewayKey string
}

func NewRegistrationProtocol(gatewayKey string) *RegistrationProtocol {
	return &RegistrationProtocol{gatewayKey: gatewayKey}
}

// DeviceInboundChannels are the local broker subscriptions of this family.
func (*RegistrationProtocol) DeviceInboundChannels() []string {
	return []string{
		channel.Device(channel.DeviceToPlatform, channel.RegisterSubdeviceRequest, channel.SingleLevelWildcard),
	}
}

// PlatformInboundChannels are the platform broker subscriptions of this
// family.
func (p *RegistrationProtocol) PlatformInboundChannels() []string {
	return []string{
		channel.Join(channel.Gateway(channel.PlatformToDevice, channel.RegisterSubdeviceResponse, p.gatewayKey), channel.MultiLevelWildcard),
		channel.Join(channel.Gateway(channel.PlatformToDevice, channel.ReregisterDevice, p.gatewayKey), channel.MultiLevelWildcard),
		channel.Join(channel.Gateway(channel.PlatformToDevice, channel.DeleteDevice, p.gatewayKey), channel.MultiLevelWildcard),
	}
}

func (*RegistrationProtocol) ExtractDeviceKey(ch string) string {
	return channel.DeviceKey(ch)
}

// RegistrationRequestMessage encodes a registration request for the
// platform. A request for the gateway itself is addressed without a device
// level.
func (p *RegistrationProtocol) RegistrationRequestMessage(req RegistrationRequest) (Message, error) {
	bs, err := json.Marshal(req)
	if err != nil {
		return Message{}, err
	}
	var ch string
	if req.Device.Key == p.gatewayKey {
		ch = channel.Gateway(channel.DeviceToPlatform, channel.RegisterSubdeviceRequest, p.gatewayKey)
	} else {
		ch = channel.GatewayDevice(channel.DeviceToPlatform, channel.RegisterSubdeviceRequest, p.gatewayKey, req.Device.Key)
	}
	return NewMessage(ch, bs), nil
}

// RegistrationResponseChannel is the platform channel on which the response
// for the given key will arrive, used for retry tracking.
func (p *RegistrationProtocol) RegistrationResponseChannel(deviceKey string) string {
	if deviceKey == p.gatewayKey {
		return channel.Gateway(channel.PlatformToDevice, channel.RegisterSubdeviceResponse, p.gatewayKey)
	}
	return channel.GatewayDevice(channel.PlatformToDevice, channel.RegisterSubdeviceResponse, p.gatewayKey, deviceKey)
}

// DeviceRegistrationResponseMessage encodes a registration response for
// forwarding down to the originating subdevice.
func (*RegistrationProtocol) DeviceRegistrationResponseMessage(deviceKey string, result RegistrationResult) (Message, error) {
	bs, err := json.Marshal(map[string]string{"result": string(result)})
	if err != nil {
		return Message{}, err
	}
	return NewMessage(channel.Device(channel.PlatformToDevice, channel.RegisterSubdeviceResponse, deviceKey), bs), nil
}

// DeletionRequestMessage encodes a device deletion request for the platform.
func (p *RegistrationProtocol) DeletionRequestMessage(deviceKey string) Message {
	return NewMessage(channel.GatewayDevice(channel.DeviceToPlatform, channel.DeleteDevice, p.gatewayKey, deviceKey), nil)
}

// DeletionResponseChannel is the platform channel acknowledging a deletion.
func (p *RegistrationProtocol) DeletionResponseChannel(deviceKey string) string {
	return channel.GatewayDevice(channel.PlatformToDevice, channel.DeleteDevice, p.gatewayKey, deviceKey)
}

// ReregistrationAckMessage encodes the gateway's ack of a platform
// reregistration request.
func (p *RegistrationProtocol) ReregistrationAckMessage() (Message, error) {
	bs, err := json.Marshal(map[string]string{"result": string(RegistrationOK)})
	if err != nil {
		return Message{}, err
	}
	return NewMessage(channel.Gateway(channel.DeviceToPlatform, channel.ReregisterDevice, p.gatewayKey), bs), nil
}

// ReregistrationBroadcastMessage encodes the device side broadcast that asks
// every attached subdevice to register again. The channel deliberately has
// an empty key level so it addresses no device in particular.
func (*RegistrationProtocol) ReregistrationBroadcastMessage() Message {
	return NewMessage(channel.Device(channel.PlatformToDevice, channel.ReregisterDevice, ""), nil)
}

// ParseRegistrationRequest decodes a registration request arriving from a
// subdevice. The device key must be present in both payload and channel and
// agree.
func (*RegistrationProtocol) ParseRegistrationRequest(m Message) (RegistrationRequest, error) {
	var req RegistrationRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if req.Device.Key == "" || req.Device.Name == "" {
		return req, fmt.Errorf("%w: device key or name missing", ErrMalformedPayload)
	}
	if ck := channel.DeviceKey(m.Channel); ck != "" && ck != req.Device.Key {
		return req, fmt.Errorf("%w: channel key %q does not match payload key %q", ErrMalformedPayload, ck, req.Device.Key)
	}
	return req, nil
}

// ParseRegistrationResponse decodes a platform registration response. The
// addressed key comes from the channel; a response without a device level is
// for the gateway itself.
func (p *RegistrationProtocol) ParseRegistrationResponse(m Message) (RegistrationResponse, error) {
	resp := RegistrationResponse{DeviceKey: channel.DeviceKey(m.Channel)}
	if resp.DeviceKey == "" {
		return resp, fmt.Errorf("%w: %s", ErrChannelMismatch, m.Channel)
	}
	var body struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.Result == "" {
		return resp, fmt.Errorf("%w: result missing", ErrMalformedPayload)
	}
	resp.Result = RegistrationResult(body.Result)
	return resp, nil
}

// IsRegistrationRequest reports whether the channel carries a subdevice
// registration request.
func (*RegistrationProtocol) IsRegistrationRequest(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.RegisterSubdeviceRequest
}

// IsRegistrationResponse reports whether the channel carries a platform
// registration response.
func (*RegistrationProtocol) IsRegistrationResponse(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.RegisterSubdeviceResponse
}

// IsReregistration reports whether the channel carries a platform
// reregistration request.
func (*RegistrationProtocol) IsReregistration(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[0] == channel.PlatformToDevice && parts[1] == channel.ReregisterDevice
}

// IsDeletionResponse reports whether the channel carries a platform deletion
// ack.
func (*RegistrationProtocol) IsDeletionResponse(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[0] == channel.PlatformToDevice && parts[1] == channel.DeleteDevice
}
