// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The routers classify every message by channel predicates alone, so a
// misfiring predicate silently misroutes traffic.

func TestDataPredicates(t *testing.T) {
	p := NewDataProtocol("GW")

	assert.True(t, p.IsReading("d2p/sensor_reading/d/dev1/r/temp"))
	assert.False(t, p.IsReading("d2p/events/d/dev1/r/alarm"))

	assert.True(t, p.IsActuatorCommand("p2d/actuator_set/g/GW/d/dev1/r/switch"))
	assert.True(t, p.IsActuatorCommand("p2d/actuator_get/g/GW/d/dev1/r/switch"))
	assert.False(t, p.IsActuatorCommand("p2d/actuator_status/g/GW/d/dev1/r/switch"))

	assert.True(t, p.IsConfigurationSet("p2d/configuration_set/g/GW/d/dev1"))
	assert.False(t, p.IsConfigurationSet("p2d/configuration_get/g/GW/d/dev1"))
	assert.True(t, p.IsConfigurationGet("p2d/configuration_get/g/GW/d/dev1"))
	assert.False(t, p.IsConfigurationGet("p2d/configuration_set/g/GW/d/dev1"))

	// Bare channel names must not match anything.
	assert.False(t, p.IsReading("sensor_reading"))
	assert.False(t, p.IsActuatorCommand(""))
}

func TestFilePredicates(t *testing.T) {
	p := NewFileProtocol("GW")

	assert.True(t, p.IsBinary("p2d/file/binary/g/GW"), "chunk channels carry raw bytes")
	assert.False(t, p.IsBinary("p2d/file/binary_request/g/GW"), "chunk requests are JSON")
	assert.False(t, p.IsBinary("p2d/binary/g/GW"), "binary outside the file family")

	assert.Equal(t, "upload_initiate", p.Operation("p2d/file/upload_initiate/g/GW"))
	assert.Equal(t, "", p.Operation("p2d/actuator_set/g/GW/d/dev1/r/sw"))
}

func TestStatusPredicates(t *testing.T) {
	p := NewStatusProtocol("GW")

	assert.True(t, p.IsLastWill("lastwill"))
	assert.True(t, p.IsLastWill("lastwill/dev1"))
	assert.False(t, p.IsLastWill("lastwill/dev1/extra"))
	assert.False(t, p.IsLastWill("d2p/lastwill/d/dev1"))

	assert.True(t, p.IsStatus("d2p/status/g/GW/d/dev1"))
	assert.True(t, p.IsStatus("d2p/subdevice_status_response/d/dev1"))
	assert.False(t, p.IsStatus("d2p/subdevice_status_request/d/dev1"))
	assert.True(t, p.IsStatusRequest("p2d/subdevice_status_request/g/GW/d/dev1"))
}

func TestFirmwarePredicates(t *testing.T) {
	p := NewFirmwareProtocol("GW")

	assert.True(t, p.IsInstall("p2d/firmware_update_install/d/dev1"))
	assert.True(t, p.IsAbort("p2d/firmware_update_abort/d/dev1"))
	assert.True(t, p.IsStatus("d2p/firmware_update_status/d/dev1"))
	assert.True(t, p.IsVersion("d2p/firmware_version/d/dev1"))
	assert.False(t, p.IsInstall("p2d/firmware_update_abort/d/dev1"))
	assert.False(t, p.IsStatus("d2p/firmware_version/d/dev1"))
}
