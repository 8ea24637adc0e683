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

// UpdateStatus is the firmware update lifecycle state reported upward.
type UpdateStatus string

const (
	UpdateFileTransfer UpdateStatus = "FILE_TRANSFER"
	UpdateFileReady    UpdateStatus = "FILE_READY"
	UpdateInstallation UpdateStatus = "INSTALLATION"
	UpdateCompleted    UpdateStatus = "COMPLETED"
	UpdateAborted      UpdateStatus = "ABORTED"
	UpdateError        UpdateStatus = "ERROR"
)

// UpdateErrorCode qualifies an ERROR status. The numeric values are the wire
// encoding.
type UpdateErrorCode int

const (
	ErrorUnspecified UpdateErrorCode = iota
	ErrorFileUploadDisabled
	ErrorUnsupportedFileSize
	ErrorInstallationFailed
	ErrorMalformedURL
	ErrorFileSystemError
	ErrorRetryCountExceeded
	ErrorFileNotPresent
)

func (c UpdateErrorCode) String() string {
	switch c {
	case ErrorUnspecified:
		return "UNSPECIFIED"
	case ErrorFileUploadDisabled:
		return "FILE_UPLOAD_DISABLED"
	case ErrorUnsupportedFileSize:
		return "UNSUPPORTED_FILE_SIZE"
	case ErrorInstallationFailed:
		return "INSTALLATION_FAILED"
	case ErrorMalformedURL:
		return "MALFORMED_URL"
	case ErrorFileSystemError:
		return "FILE_SYSTEM_ERROR"
	case ErrorRetryCountExceeded:
		return "RETRY_COUNT_EXCEEDED"
	case ErrorFileNotPresent:
		return "FILE_NOT_PRESENT"
	default:
		return fmt.Sprintf("UpdateErrorCode(%d)", int(c))
	}
}

// InstallCommand orders one or more devices to install a previously
// transferred firmware file.
type InstallCommand struct {
	DeviceKeys []string `json:"deviceKeys"`
	FileName   string   `json:"fileName"`
}

// AbortCommand aborts a running installation on one or more devices.
type AbortCommand struct {
	DeviceKeys []string `json:"deviceKeys"`
}

// FirmwareProtocol translates the firmware update family. Its channels are
// addressed by device key alone, without a gateway level.
type FirmwareProtocol struct {
	gatewayKey string
}

func NewFirmwareProtocol(gatewayKey string) *FirmwareProtocol {
	return &FirmwareProtocol{gatewayKey: gatewayKey}
}

// PlatformInboundChannels are the platform broker subscriptions of this
// family.
func (*FirmwareProtocol) PlatformInboundChannels() []string {
	return []string{
		channel.Device(channel.PlatformToDevice, channel.FirmwareUpdateInstall, channel.SingleLevelWildcard),
		channel.Device(channel.PlatformToDevice, channel.FirmwareUpdateAbort, channel.SingleLevelWildcard),
	}
}

// DeviceInboundChannels are the local broker subscriptions of this family:
// status and version reports from subdevices that are relayed upward.
func (*FirmwareProtocol) DeviceInboundChannels() []string {
	return []string{
		channel.Device(channel.DeviceToPlatform, channel.FirmwareUpdateStatus, channel.SingleLevelWildcard),
		channel.Device(channel.DeviceToPlatform, channel.FirmwareVersion, channel.SingleLevelWildcard),
	}
}

func (*FirmwareProtocol) ExtractDeviceKey(ch string) string {
	return channel.DeviceKey(ch)
}

// InstallCommandMessage encodes an install command for one subdevice on the
// local broker.
func (*FirmwareProtocol) InstallCommandMessage(deviceKey, fileName string) (Message, error) {
	bs, err := json.Marshal(InstallCommand{DeviceKeys: []string{deviceKey}, FileName: fileName})
	if err != nil {
		return Message{}, err
	}
	return NewMessage(channel.Device(channel.PlatformToDevice, channel.FirmwareUpdateInstall, deviceKey), bs), nil
}

// AbortCommandMessage encodes an abort command for one subdevice on the
// local broker.
func (*FirmwareProtocol) AbortCommandMessage(deviceKey string) (Message, error) {
	bs, err := json.Marshal(AbortCommand{DeviceKeys: []string{deviceKey}})
	if err != nil {
		return Message{}, err
	}
	return NewMessage(channel.Device(channel.PlatformToDevice, channel.FirmwareUpdateAbort, deviceKey), bs), nil
}

// StatusMessage encodes an update status for the platform. The error code is
// only carried for ERROR statuses.
func (*FirmwareProtocol) StatusMessage(deviceKey string, status UpdateStatus, code *UpdateErrorCode) (Message, error) {
	body := map[string]interface{}{"status": string(status)}
	if code != nil {
		body["error"] = int(*code)
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(channel.Device(channel.DeviceToPlatform, channel.FirmwareUpdateStatus, deviceKey), bs), nil
}

// ErrorStatusMessage is shorthand for an ERROR status with a code.
func (p *FirmwareProtocol) ErrorStatusMessage(deviceKey string, code UpdateErrorCode) (Message, error) {
	return p.StatusMessage(deviceKey, UpdateError, &code)
}

// VersionMessage encodes a firmware version report for the platform.
func (*FirmwareProtocol) VersionMessage(deviceKey, version string) (Message, error) {
	bs, err := json.Marshal(map[string]string{
		"deviceKey": deviceKey,
		"version":   version,
	})
	if err != nil {
		return Message{}, err
	}
	return NewMessage(channel.Device(channel.DeviceToPlatform, channel.FirmwareVersion, deviceKey), bs), nil
}

// ParseInstallCommand decodes a platform install command.
func (*FirmwareProtocol) ParseInstallCommand(m Message) (InstallCommand, error) {
	var cmd InstallCommand
	if err := json.Unmarshal(m.Payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(cmd.DeviceKeys) == 0 || cmd.FileName == "" {
		return cmd, fmt.Errorf("%w: deviceKeys or fileName missing", ErrMalformedPayload)
	}
	return cmd, nil
}

// ParseAbortCommand decodes a platform abort command.
func (*FirmwareProtocol) ParseAbortCommand(m Message) (AbortCommand, error) {
	var cmd AbortCommand
	if err := json.Unmarshal(m.Payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(cmd.DeviceKeys) == 0 {
		return cmd, fmt.Errorf("%w: deviceKeys missing", ErrMalformedPayload)
	}
	return cmd, nil
}

// ParseStatus decodes an update status relayed from a subdevice.
func (*FirmwareProtocol) ParseStatus(m Message) (string, UpdateStatus, *UpdateErrorCode, error) {
	key := channel.DeviceKey(m.Channel)
	if key == "" {
		return "", "", nil, fmt.Errorf("%w: %s", ErrChannelMismatch, m.Channel)
	}
	var body struct {
		Status string `json:"status"`
		Error  *int   `json:"error"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return key, "", nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.Status == "" {
		return key, "", nil, fmt.Errorf("%w: status missing", ErrMalformedPayload)
	}
	var code *UpdateErrorCode
	if body.Error != nil {
		c := UpdateErrorCode(*body.Error)
		code = &c
	}
	return key, UpdateStatus(body.Status), code, nil
}

// IsInstall reports whether the channel carries an install command.
func (*FirmwareProtocol) IsInstall(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.FirmwareUpdateInstall
}

// IsAbort reports whether the channel carries an abort command.
func (*FirmwareProtocol) IsAbort(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.FirmwareUpdateAbort
}

// IsStatus reports whether the channel carries an update status report.
func (*FirmwareProtocol) IsStatus(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.FirmwareUpdateStatus
}

// IsVersion reports whether the channel carries a firmware version report.
func (*FirmwareProtocol) IsVersion(ch string) bool {
	parts := channel.Split(ch)
	return len(parts) > 1 && parts[1] == channel.FirmwareVersion
}
