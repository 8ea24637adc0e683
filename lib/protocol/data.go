// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/edgegate/edgegate/lib/channel"
)

// Reading is one timestamped sample for a feed reference. UTC is in
// milliseconds since the epoch; zero means "stamp at send time". A reading
// carries one or more values; single values are encoded as a plain string,
// multiple as an array.
type Reading struct {
	Reference string
	UTC       int64
	Values    []string
}

// Alarm is a timestamped alarm state change for a feed reference.
type Alarm struct {
	Reference string
	UTC       int64
	Active    bool
}

// ActuatorState is the actuation lifecycle state reported with each
// actuator status.
type ActuatorState string

const (
	ActuatorReady ActuatorState = "READY"
	ActuatorBusy  ActuatorState = "BUSY"
	ActuatorError ActuatorState = "ERROR"
)

// ActuatorStatus is the current state and value of one actuator reference.
// The wire format carries exactly one status per message.
type ActuatorStatus struct {
	Reference string
	State     ActuatorState
	Value     string
}

// ActuatorCommand is an inbound set or get for one actuator reference.
type ActuatorCommand struct {
	DeviceKey string
	Reference string
	Value     string // empty for get
}

// Configuration is a set of reference to value assignments for one device.
type Configuration struct {
	DeviceKey string
	Values    map[string]string
}

type readingPayload struct {
	UTC  int64       `json:"utc"`
	Data interface{} `json:"data"`
}

func (r Reading) payload(now func() time.Time) readingPayload {
	utc := r.UTC
	if utc == 0 {
		utc = now().UnixMilli()
	}
	var data interface{}
	if len(r.Values) == 1 {
		data = r.Values[0]
	} else {
		data = r.Values
	}
	return readingPayload{UTC: utc, Data: data}
}

func decodeReadingPayload(p readingPayload, reference string) (Reading, error) {
	r := Reading{Reference: reference, UTC: p.UTC}
	switch v := p.Data.(type) {
	case string:
		r.Values = []string{v}
	case []interface{}:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return r, fmt.Errorf("%w: reading data must be strings", ErrMalformedPayload)
			}
			r.Values = append(r.Values, s)
		}
	default:
		return r, fmt.Errorf("%w: reading data missing", ErrMalformedPayload)
	}
	return r, nil
}

// DataProtocol translates the telemetry family: sensor readings, alarm
// events, actuator statuses and commands, and configuration exchange.
type DataProtocol struct {
	gatewayKey string
	now        func() time.Time
}

func NewDataProtocol(gatewayKey string) *DataProtocol {
	return &DataProtocol{gatewayKey: gatewayKey, now: time.Now}
}

// DeviceInboundChannels are the local broker subscriptions of this family.
func (*DataProtocol) DeviceInboundChannels() []string {
	return []string{
		channel.Join(channel.DeviceToPlatform, channel.SensorReading, channel.DevicePrefix, channel.SingleLevelWildcard, channel.ReferencePrefix, channel.SingleLevelWildcard),
		channel.Join(channel.DeviceToPlatform, channel.Events, channel.DevicePrefix, channel.SingleLevelWildcard, channel.ReferencePrefix, channel.SingleLevelWildcard),
		channel.Join(channel.DeviceToPlatform, channel.ActuatorStatus, channel.DevicePrefix, channel.SingleLevelWildcard, channel.ReferencePrefix, channel.SingleLevelWildcard),
		channel.Join(channel.DeviceToPlatform, channel.ConfigurationGet, channel.DevicePrefix, channel.SingleLevelWildcard),
	}
}

// PlatformInboundChannels are the platform broker subscriptions of this
// family.
func (p *DataProtocol) PlatformInboundChannels() []string {
	return []string{
		channel.WithReference(channel.GatewayDevice(channel.PlatformToDevice, channel.ActuatorSet, p.gatewayKey, channel.SingleLevelWildcard), channel.SingleLevelWildcard),
		channel.WithReference(channel.GatewayDevice(channel.PlatformToDevice, channel.ActuatorGet, p.gatewayKey, channel.SingleLevelWildcard), channel.SingleLevelWildcard),
		channel.GatewayDevice(channel.PlatformToDevice, channel.ConfigurationSet, p.gatewayKey, channel.SingleLevelWildcard),
		channel.GatewayDevice(channel.PlatformToDevice, channel.ConfigurationGet, p.gatewayKey, channel.SingleLevelWildcard),
	}
}

func (*DataProtocol) ExtractDeviceKey(ch string) string {
	return channel.DeviceKey(ch)
}

// ReadingMessage encodes a single reading for the platform.
func (p *DataProtocol) ReadingMessage(deviceKey string, r Reading) (Message, error) {
	bs, err := json.Marshal(r.payload(p.now))
	if err != nil {
		return Message{}, err
	}
	ch := channel.WithReference(channel.GatewayDevice(channel.DeviceToPlatform, channel.SensorReading, p.gatewayKey, deviceKey), r.Reference)
	return NewMessage(ch, bs), nil
}

// ReadingsMessage encodes a batch of readings for one reference as a JSON
// array of rows.
func (p *DataProtocol) ReadingsMessage(deviceKey, reference string, rs []Reading) (Message, error) {
	if len(rs) == 1 {
		r := rs[0]
		r.Reference = reference
		return p.ReadingMessage(deviceKey, r)
	}
	rows := make([]readingPayload, len(rs))
	for i, r := range rs {
		rows[i] = r.payload(p.now)
	}
	bs, err := json.Marshal(rows)
	if err != nil {
		return Message{}, err
	}
	ch := channel.WithReference(channel.GatewayDevice(channel.DeviceToPlatform, channel.SensorReading, p.gatewayKey, deviceKey), reference)
	return NewMessage(ch, bs), nil
}

// AlarmMessage encodes an alarm event for the platform.
func (p *DataProtocol) AlarmMessage(deviceKey string, a Alarm) (Message, error) {
	utc := a.UTC
	if utc == 0 {
		utc = p.now().UnixMilli()
	}
	bs, err := json.Marshal(map[string]interface{}{
		"utc":    utc,
		"active": a.Active,
	})
	if err != nil {
		return Message{}, err
	}
	ch := channel.WithReference(channel.GatewayDevice(channel.DeviceToPlatform, channel.Events, p.gatewayKey, deviceKey), a.Reference)
	return NewMessage(ch, bs), nil
}

// ActuatorStatusMessage encodes one actuator status for the platform.
func (p *DataProtocol) ActuatorStatusMessage(deviceKey string, s ActuatorStatus) (Message, error) {
	bs, err := json.Marshal(map[string]string{
		"status": string(s.State),
		"value":  s.Value,
	})
	if err != nil {
		return Message{}, err
	}
	ch := channel.WithReference(channel.GatewayDevice(channel.DeviceToPlatform, channel.ActuatorStatus, p.gatewayKey, deviceKey), s.Reference)
	return NewMessage(ch, bs), nil
}

// ConfigurationMessage encodes the current configuration values of a device
// for the platform.
func (p *DataProtocol) ConfigurationMessage(deviceKey string, values map[string]string) (Message, error) {
	bs, err := json.Marshal(map[string]interface{}{"values": values})
	if err != nil {
		return Message{}, err
	}
	ch := channel.GatewayDevice(channel.DeviceToPlatform, channel.ConfigurationGet, p.gatewayKey, deviceKey)
	return NewMessage(ch, bs), nil
}

// RouteToPlatform rewrites a device side telemetry channel into its platform
// form, leaving the payload untouched. It returns false when the channel
// cannot be rewritten.
func (p *DataProtocol) RouteToPlatform(m Message) (Message, bool) {
	routed := channel.RouteDeviceToPlatform(m.Channel, p.gatewayKey)
	if routed == "" {
		return Message{}, false
	}
	return NewMessage(routed, m.Payload), true
}

// RouteToDevice rewrites a platform side command channel into its device
// form, leaving the payload untouched. It returns false when the channel is
// not addressed through this gateway.
func (p *DataProtocol) RouteToDevice(m Message) (Message, bool) {
	routed := channel.RoutePlatformToDevice(m.Channel, p.gatewayKey)
	if routed == "" {
		return Message{}, false
	}
	return NewMessage(routed, m.Payload), true
}

// ParseReadings decodes a reading payload, either a single row or an array
// of rows, with the reference taken from the channel.
func (*DataProtocol) ParseReadings(m Message) ([]Reading, error) {
	ref := channel.Reference(m.Channel)
	if ref == "" {
		return nil, fmt.Errorf("%w: %s", ErrChannelMismatch, m.Channel)
	}

	var single readingPayload
	if err := json.Unmarshal(m.Payload, &single); err == nil {
		r, err := decodeReadingPayload(single, ref)
		if err != nil {
			return nil, err
		}
		return []Reading{r}, nil
	}

	var rows []readingPayload
	if err := json.Unmarshal(m.Payload, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	rs := make([]Reading, 0, len(rows))
	for _, row := range rows {
		r, err := decodeReadingPayload(row, ref)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, nil
}

// ParseActuatorCommand decodes an inbound actuator_set or actuator_get.
func (*DataProtocol) ParseActuatorCommand(m Message) (ActuatorCommand, error) {
	cmd := ActuatorCommand{
		DeviceKey: channel.DeviceKey(m.Channel),
		Reference: channel.Reference(m.Channel),
	}
	if cmd.DeviceKey == "" || cmd.Reference == "" {
		return cmd, fmt.Errorf("%w: %s", ErrChannelMismatch, m.Channel)
	}
	if len(m.Payload) == 0 {
		return cmd, nil // get
	}
	var body struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.Value != nil {
		cmd.Value = *body.Value
	}
	return cmd, nil
}

// ParseConfiguration decodes an inbound configuration_set or a device's
// configuration report.
func (*DataProtocol) ParseConfiguration(m Message) (Configuration, error) {
	cfg := Configuration{DeviceKey: channel.DeviceKey(m.Channel)}
	if cfg.DeviceKey == "" {
		return cfg, fmt.Errorf("%w: %s", ErrChannelMismatch, m.Channel)
	}
	var body struct {
		Values map[string]string `json:"values"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.Values == nil {
		return cfg, fmt.Errorf("%w: values missing", ErrMalformedPayload)
	}
	cfg.Values = body.Values
	return cfg, nil
}

// IsReading reports whether the channel carries sensor readings.
func (*DataProtocol) IsReading(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.SensorReading
}

// IsActuatorCommand reports whether the channel carries an actuator set or
// get.
func (*DataProtocol) IsActuatorCommand(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && (parts[1] == channel.ActuatorSet || parts[1] == channel.ActuatorGet)
}

// IsConfigurationSet reports whether the channel carries a configuration
// update.
func (*DataProtocol) IsConfigurationSet(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.ConfigurationSet
}

// IsConfigurationGet reports whether the channel carries a configuration
// request.
func (*DataProtocol) IsConfigurationGet(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.ConfigurationGet
}
