// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package db implements the durable repositories of the gateway: the device
// repository in a key-value store, and the existing-device list as a flat
// JSON document.
package db

import (
	"encoding/json"
	"fmt"

	"github.com/edgegate/edgegate/lib/db/backend"
	"github.com/edgegate/edgegate/lib/protocol"
)

const devicePrefix = "device/"

// DeviceRepository stores every registered device, the gateway included,
// keyed by device key. Entries survive restarts; a device is only ever
// removed by an explicit deletion acknowledged by the platform.
type DeviceRepository struct {
	db backend.Backend
}

func NewDeviceRepository(db backend.Backend) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func deviceKey(key string) []byte {
	return []byte(devicePrefix + key)
}

// Save stores a device record, overwriting any previous record under the
// same key.
func (r *DeviceRepository) Save(d protocol.Device) error {
	if d.Key == "" {
		return fmt.Errorf("saving device: empty key")
	}
	bs, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("saving device %s: %w", d.Key, err)
	}
	if err := r.db.Put(deviceKey(d.Key), bs); err != nil {
		return fmt.Errorf("saving device %s: %w", d.Key, err)
	}
	l.Debugln("saved device", d.Key)
	return nil
}

// Update overwrites an existing device record.
func (r *DeviceRepository) Update(d protocol.Device) error {
	return r.Save(d)
}

// Remove deletes a device record. Removing an absent key is not an error.
func (r *DeviceRepository) Remove(key string) error {
	if err := r.db.Delete(deviceKey(key)); err != nil && !backend.IsNotFound(err) {
		return fmt.Errorf("removing device %s: %w", key, err)
	}
	l.Debugln("removed device", key)
	return nil
}

// Device returns the record for a key, with ok false when there is none.
func (r *DeviceRepository) Device(key string) (protocol.Device, bool, error) {
	bs, err := r.db.Get(deviceKey(key))
	if backend.IsNotFound(err) {
		return protocol.Device{}, false, nil
	}
	if err != nil {
		return protocol.Device{}, false, fmt.Errorf("loading device %s: %w", key, err)
	}
	var d protocol.Device
	if err := json.Unmarshal(bs, &d); err != nil {
		return protocol.Device{}, false, fmt.Errorf("loading device %s: %w", key, err)
	}
	return d, true, nil
}

// Contains reports whether a record exists for the key.
func (r *DeviceRepository) Contains(key string) (bool, error) {
	_, err := r.db.Get(deviceKey(key))
	if backend.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeviceKeys returns the keys of all stored devices.
func (r *DeviceRepository) DeviceKeys() ([]string, error) {
	it, err := r.db.NewPrefixIterator([]byte(devicePrefix))
	if err != nil {
		return nil, err
	}
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()[len(devicePrefix):]))
	}
	return keys, it.Error()
}

// RemoveAll deletes every device record.
func (r *DeviceRepository) RemoveAll() error {
	keys, err := r.DeviceKeys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := r.Remove(key); err != nil {
			return err
		}
	}
	return nil
}
