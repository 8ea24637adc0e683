// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/edgegate/edgegate/lib/sync"
)

// ExistingDevices is the append-only list of every device key that was ever
// successfully registered, in registration order. It drives reregistration
// after the gateway is re-bound on the platform.
type ExistingDevices struct {
	path string
	mut  sync.Mutex
	keys []string
}

type existingDevicesDoc struct {
	DeviceKeys []string `json:"deviceKeys"`
}

// NewExistingDevices loads the list from path, starting empty when the file
// does not exist yet.
func NewExistingDevices(path string) (*ExistingDevices, error) {
	e := &ExistingDevices{
		path: path,
		mut:  sync.NewMutex(),
	}

	bs, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return e, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading existing devices: %w", err)
	}
	var doc existingDevicesDoc
	if err := json.Unmarshal(bs, &doc); err != nil {
		return nil, fmt.Errorf("loading existing devices %s: %w", path, err)
	}
	e.keys = doc.DeviceKeys
	return e, nil
}

// Add appends a key, keeping the list free of duplicates, and persists it.
func (e *ExistingDevices) Add(key string) error {
	e.mut.Lock()
	defer e.mut.Unlock()

	for _, k := range e.keys {
		if k == key {
			return nil
		}
	}
	e.keys = append(e.keys, key)

	bs, err := json.Marshal(existingDevicesDoc{DeviceKeys: e.keys})
	if err != nil {
		return fmt.Errorf("saving existing devices: %w", err)
	}
	if err := os.WriteFile(e.path, bs, 0o600); err != nil {
		return fmt.Errorf("saving existing devices: %w", err)
	}
	return nil
}

// Contains reports whether the key was ever registered.
func (e *ExistingDevices) Contains(key string) bool {
	e.mut.Lock()
	defer e.mut.Unlock()
	for _, k := range e.keys {
		if k == key {
			return true
		}
	}
	return false
}

// Keys returns the keys in registration order.
func (e *ExistingDevices) Keys() []string {
	e.mut.Lock()
	defer e.mut.Unlock()
	keys := make([]string, len(e.keys))
	copy(keys, e.keys)
	return keys
}
