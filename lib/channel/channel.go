// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package channel defines the MQTT channel dialect spoken on both sides of
// the gateway: the stable path tokens, wildcard matching, and the rewriting
// between device addressed and platform addressed channel forms.
package channel

import "strings"

const Separator = "/"

// Direction prefixes. Channels flow either from a device (or the gateway
// acting as one) up to the platform, or from the platform down.
const (
	DeviceToPlatform = "d2p"
	PlatformToDevice = "p2d"
)

// Addressing prefixes preceding a key or reference level.
const (
	GatewayPrefix   = "g"
	DevicePrefix    = "d"
	ReferencePrefix = "r"
)

// Subscription wildcards. SingleLevelWildcard matches exactly one non-empty
// level; MultiLevelWildcard matches zero or more trailing levels and is only
// valid as the final level of a pattern.
const (
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
)

// Message type segments.
const (
	SensorReading             = "sensor_reading"
	Events                    = "events"
	ActuatorStatus            = "actuator_status"
	ActuatorSet               = "actuator_set"
	ActuatorGet               = "actuator_get"
	ConfigurationSet          = "configuration_set"
	ConfigurationGet          = "configuration_get"
	RegisterSubdeviceRequest  = "register_subdevice_request"
	RegisterSubdeviceResponse = "register_subdevice_response"
	ReregisterDevice          = "reregister_device"
	DeleteDevice              = "delete_device"
	Status                    = "status"
	SubdeviceStatusRequest    = "subdevice_status_request"
	SubdeviceStatusResponse   = "subdevice_status_response"
	SubdeviceStatusUpdate     = "subdevice_status_update"
	FirmwareUpdateInstall     = "firmware_update_install"
	FirmwareUpdateAbort       = "firmware_update_abort"
	FirmwareUpdateStatus      = "firmware_update_status"
	FirmwareVersion           = "firmware_version"
	File                      = "file"
	LastWill                  = "lastwill"
	Ping                      = "ping"
	Pong                      = "pong"
)

// File family sub-segments, appearing directly after the File segment.
const (
	FileUploadInitiate = "upload_initiate"
	FileUploadAbort    = "upload_abort"
	FileUploadStatus   = "upload_status"
	FileBinary         = "binary"
	FileBinaryRequest  = "binary_request"
	FileURLInitiate    = "url_download_initiate"
	FileURLAbort       = "url_download_abort"
	FileURLStatus      = "url_download_status"
	FileList           = "list"
	FileListRequest    = "list_request"
	FileListConfirm    = "list_confirm"
	FileDelete         = "delete"
	FilePurge          = "purge"
)

// Join concatenates channel levels with the separator. Levels that
// themselves contain separators are kept as-is, so compound message types
// like "file/binary" can be passed as one part.
func Join(parts ...string) string {
	return strings.Join(parts, Separator)
}

// Split breaks a channel into its levels.
func Split(channel string) []string {
	return strings.Split(channel, Separator)
}

// Matches reports whether the concrete channel matches the subscription
// pattern. '+' matches exactly one non-empty level, '#' matches zero or more
// trailing levels and must be the final pattern level. Without wildcards the
// match is a string comparison per level.
func Matches(pattern, channel string) bool {
	if pattern == channel {
		return true
	}

	pp := strings.Split(pattern, Separator)
	cp := strings.Split(channel, Separator)

	for i, p := range pp {
		switch p {
		case MultiLevelWildcard:
			return i == len(pp)-1
		case SingleLevelWildcard:
			if i >= len(cp) || cp[i] == "" {
				return false
			}
		default:
			if i >= len(cp) || cp[i] != p {
				return false
			}
		}
	}
	return len(cp) == len(pp)
}

// RoutePlatformToDevice strips the gateway address from a platform channel,
// producing the device side form. It returns the empty string when the
// channel does not carry the given gateway key.
func RoutePlatformToDevice(channel, gatewayKey string) string {
	parts := strings.Split(channel, Separator)
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == GatewayPrefix && parts[i+1] == gatewayKey {
			rest := append(parts[:i:i], parts[i+2:]...)
			routed := strings.Join(rest, Separator)
			l.Debugf("routed platform channel %s to %s", channel, routed)
			return routed
		}
	}
	return ""
}

// RouteDeviceToPlatform inserts the gateway address immediately before the
// device level of a device side channel, producing the platform form. It
// returns the empty string when the channel has no device level.
func RouteDeviceToPlatform(channel, gatewayKey string) string {
	parts := strings.Split(channel, Separator)
	for i, p := range parts {
		if p == DevicePrefix && i+1 < len(parts) {
			routed := make([]string, 0, len(parts)+2)
			routed = append(routed, parts[:i]...)
			routed = append(routed, GatewayPrefix, gatewayKey)
			routed = append(routed, parts[i:]...)
			joined := strings.Join(routed, Separator)
			l.Debugf("routed device channel %s to %s", channel, joined)
			return joined
		}
	}
	return ""
}

// DeviceKey extracts the addressed device key from a channel. A device level
// wins over a gateway level; a bare "lastwill/<key>" channel yields its tail;
// anything else yields the empty string.
func DeviceKey(channel string) string {
	parts := strings.Split(channel, Separator)

	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == DevicePrefix {
			return parts[i+1]
		}
	}
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == GatewayPrefix {
			return parts[i+1]
		}
	}
	if len(parts) == 2 && parts[0] == LastWill {
		return parts[1]
	}
	return ""
}

// Reference extracts the feed reference from a channel, or the empty string
// when the channel has no reference level.
func Reference(channel string) string {
	parts := strings.Split(channel, Separator)
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == ReferencePrefix {
			return parts[i+1]
		}
	}
	return ""
}

// Gateway builds "<direction>/<messageType>/g/<gatewayKey>".
func Gateway(direction, messageType, gatewayKey string) string {
	return Join(direction, messageType, GatewayPrefix, gatewayKey)
}

// GatewayDevice builds "<direction>/<messageType>/g/<gatewayKey>/d/<deviceKey>".
func GatewayDevice(direction, messageType, gatewayKey, deviceKey string) string {
	return Join(direction, messageType, GatewayPrefix, gatewayKey, DevicePrefix, deviceKey)
}

// Device builds "<direction>/<messageType>/d/<deviceKey>".
func Device(direction, messageType, deviceKey string) string {
	return Join(direction, messageType, DevicePrefix, deviceKey)
}

// WithReference appends "/r/<reference>" to a channel.
func WithReference(channel, reference string) string {
	return Join(channel, ReferencePrefix, reference)
}
