// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package channel

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		pattern string
		channel string
		match   bool
	}{
		// Literal matching
		{"d2p/sensor_reading/d/dev/r/temp", "d2p/sensor_reading/d/dev/r/temp", true},
		{"d2p/sensor_reading/d/dev/r/temp", "d2p/sensor_reading/d/dev/r/hum", false},
		{"d2p/sensor_reading", "d2p/sensor_reading/d/dev", false},
		{"d2p/sensor_reading/d/dev", "d2p/sensor_reading", false},

		// Single level wildcard
		{"p2d/actuator_set/d/+/r/+", "p2d/actuator_set/d/dev/r/switch", true},
		{"p2d/actuator_set/d/+/r/+", "p2d/actuator_set/d/dev/r", false},
		{"p2d/actuator_set/d/+", "p2d/actuator_set/d/dev/r/switch", false},
		{"d2p/+/d/dev", "d2p/status/d/dev", true},
		{"d2p/+/d/dev", "d2p//d/dev", false}, // + must match a non-empty level

		// Multi level wildcard, trailing levels optional
		{"p2d/register_subdevice_response/g/gw/#", "p2d/register_subdevice_response/g/gw/d/dev", true},
		{"p2d/register_subdevice_response/g/gw/#", "p2d/register_subdevice_response/g/gw", true},
		{"p2d/file/#", "p2d/file/upload_initiate/g/gw", true},
		{"pong/#", "pong/gw", true},
		{"pong/#", "pong", true},
		{"lastwill/#", "lastwill", true},
		{"lastwill/#", "lastwill/dev", true},
		{"p2d/file/#", "d2p/file/list/g/gw", false},

		// '#' must be the final level
		{"p2d/#/g/gw", "p2d/delete_device/g/gw", false},

		// Mixed
		{"p2d/subdevice_status_request/g/+/d/#", "p2d/subdevice_status_request/g/gw/d/dev", true},
		{"p2d/subdevice_status_request/g/+/d/#", "p2d/subdevice_status_request/g/gw/d", true},
	}

	for _, tc := range cases {
		if res := Matches(tc.pattern, tc.channel); res != tc.match {
			t.Errorf("Matches(%q, %q) = %v, expected %v", tc.pattern, tc.channel, res, tc.match)
		}
	}
}

func TestRoutePlatformToDevice(t *testing.T) {
	cases := []struct {
		channel string
		gateway string
		routed  string
	}{
		{"p2d/actuator_set/g/gw/d/dev/r/switch", "gw", "p2d/actuator_set/d/dev/r/switch"},
		{"p2d/configuration_set/g/gw/d/dev", "gw", "p2d/configuration_set/d/dev"},
		{"p2d/delete_device/g/gw/d/dev", "gw", "p2d/delete_device/d/dev"},
		{"p2d/reregister_device/g/gw", "gw", "p2d/reregister_device"},

		// Wrong or absent gateway key
		{"p2d/actuator_set/g/other/d/dev/r/switch", "gw", ""},
		{"p2d/actuator_set/d/dev/r/switch", "gw", ""},
	}

	for _, tc := range cases {
		if res := RoutePlatformToDevice(tc.channel, tc.gateway); res != tc.routed {
			t.Errorf("RoutePlatformToDevice(%q, %q) = %q, expected %q", tc.channel, tc.gateway, res, tc.routed)
		}
	}
}

func TestRouteDeviceToPlatform(t *testing.T) {
	cases := []struct {
		channel string
		gateway string
		routed  string
	}{
		{"d2p/sensor_reading/d/dev/r/temp", "gw", "d2p/sensor_reading/g/gw/d/dev/r/temp"},
		{"d2p/register_subdevice_request/d/dev", "gw", "d2p/register_subdevice_request/g/gw/d/dev"},
		{"d2p/status/d/dev", "gw", "d2p/status/g/gw/d/dev"},

		// No device level to address
		{"d2p/reregister_device", "gw", ""},
	}

	for _, tc := range cases {
		if res := RouteDeviceToPlatform(tc.channel, tc.gateway); res != tc.routed {
			t.Errorf("RouteDeviceToPlatform(%q, %q) = %q, expected %q", tc.channel, tc.gateway, res, tc.routed)
		}
	}
}

func TestRouteRoundTrip(t *testing.T) {
	// Any platform channel carrying both gateway and device levels must
	// survive the round trip unchanged.
	channels := []string{
		"p2d/actuator_set/g/gw/d/dev/r/switch",
		"p2d/actuator_get/g/gw/d/dev/r/switch",
		"p2d/configuration_set/g/gw/d/dev",
		"p2d/subdevice_status_request/g/gw/d/dev",
		"p2d/register_subdevice_response/g/gw/d/dev",
	}

	for _, ch := range channels {
		deviceCh := RoutePlatformToDevice(ch, "gw")
		if deviceCh == "" {
			t.Errorf("RoutePlatformToDevice(%q) unexpectedly failed", ch)
			continue
		}
		if back := RouteDeviceToPlatform(deviceCh, "gw"); back != ch {
			t.Errorf("round trip of %q via %q gave %q", ch, deviceCh, back)
		}
	}
}

func TestDeviceKey(t *testing.T) {
	cases := []struct {
		channel string
		key     string
	}{
		{"d2p/sensor_reading/d/dev/r/temp", "dev"},
		{"p2d/actuator_set/g/gw/d/dev/r/switch", "dev"},
		{"d2p/register_subdevice_request/g/gw", "gw"},
		{"lastwill/dev", "dev"},
		{"lastwill", ""},
		{"d2p/reregister_device", ""},
	}

	for _, tc := range cases {
		if res := DeviceKey(tc.channel); res != tc.key {
			t.Errorf("DeviceKey(%q) = %q, expected %q", tc.channel, res, tc.key)
		}
	}
}

func TestReference(t *testing.T) {
	if ref := Reference("d2p/sensor_reading/g/gw/d/dev/r/temp"); ref != "temp" {
		t.Errorf("unexpected reference %q", ref)
	}
	if ref := Reference("d2p/status/d/dev"); ref != "" {
		t.Errorf("unexpected reference %q", ref)
	}
}

func TestBuilders(t *testing.T) {
	if ch := Gateway(DeviceToPlatform, ReregisterDevice, "gw"); ch != "d2p/reregister_device/g/gw" {
		t.Errorf("unexpected channel %q", ch)
	}
	if ch := GatewayDevice(DeviceToPlatform, SensorReading, "gw", "dev"); ch != "d2p/sensor_reading/g/gw/d/dev" {
		t.Errorf("unexpected channel %q", ch)
	}
	if ch := Device(PlatformToDevice, FirmwareUpdateInstall, "dev"); ch != "p2d/firmware_update_install/d/dev" {
		t.Errorf("unexpected channel %q", ch)
	}
	if ch := WithReference(GatewayDevice(DeviceToPlatform, SensorReading, "gw", "dev"), "temp"); ch != "d2p/sensor_reading/g/gw/d/dev/r/temp" {
		t.Errorf("unexpected channel %q", ch)
	}
	if ch := Gateway(DeviceToPlatform, Join(File, FileBinaryRequest), "gw"); ch != "d2p/file/binary_request/g/gw" {
		t.Errorf("unexpected channel %q", ch)
	}
}
