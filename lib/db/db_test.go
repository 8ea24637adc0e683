// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package db

import (
	"path/filepath"
	"testing"

	"github.com/d4l3k/messagediff"

	"github.com/edgegate/edgegate/lib/db/backend"
	"github.com/edgegate/edgegate/lib/protocol"
)

func TestDeviceRepository(t *testing.T) {
	repo := NewDeviceRepository(backend.OpenMemory())

	dev := protocol.Device{
		Key:  "dev1",
		Name: "Device One",
		Manifest: protocol.Manifest{
			Protocol: "JsonProtocol",
			Feeds:    []protocol.Feed{{Reference: "temp", Name: "Temperature", Type: "NUMERIC"}},
		},
	}
	if err := repo.Save(dev); err != nil {
		t.Fatal(err)
	}

	got, ok, err := repo.Device("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the device to be found")
	}
	if diff, equal := messagediff.PrettyDiff(dev, got); !equal {
		t.Error(diff)
	}

	if ok, err := repo.Contains("dev1"); err != nil || !ok {
		t.Errorf("Contains(dev1) = %v, %v", ok, err)
	}
	if ok, err := repo.Contains("other"); err != nil || ok {
		t.Errorf("Contains(other) = %v, %v", ok, err)
	}
	if _, ok, err := repo.Device("other"); err != nil || ok {
		t.Errorf("Device(other) = %v, %v", ok, err)
	}

	// Update overwrites
	dev.Name = "Renamed"
	if err := repo.Update(dev); err != nil {
		t.Fatal(err)
	}
	got, _, err = repo.Device("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Renamed" {
		t.Errorf("name %q after update", got.Name)
	}

	// Empty keys are rejected
	if err := repo.Save(protocol.Device{}); err == nil {
		t.Error("expected an error for an empty key")
	}
}

func TestDeviceRepositoryKeys(t *testing.T) {
	repo := NewDeviceRepository(backend.OpenMemory())

	for _, key := range []string{"gw", "dev1", "dev2"} {
		if err := repo.Save(protocol.Device{Key: key, Name: key}); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := repo.DeviceKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("%d keys, expected 3", len(keys))
	}
	seen := make(map[string]bool)
	for _, key := range keys {
		seen[key] = true
	}
	for _, key := range []string{"gw", "dev1", "dev2"} {
		if !seen[key] {
			t.Errorf("key %q missing from listing", key)
		}
	}

	if err := repo.RemoveAll(); err != nil {
		t.Fatal(err)
	}
	keys, err = repo.DeviceKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("%d keys after RemoveAll, expected 0", len(keys))
	}
}

func TestDeviceRepositoryRemove(t *testing.T) {
	repo := NewDeviceRepository(backend.OpenMemory())

	if err := repo.Save(protocol.Device{Key: "dev1", Name: "One"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Remove("dev1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := repo.Contains("dev1"); ok {
		t.Error("device should be gone")
	}
	// Removing an absent key is fine
	if err := repo.Remove("dev1"); err != nil {
		t.Fatal(err)
	}
}

func TestExistingDevices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existingDevices.json")

	e, err := NewExistingDevices(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Keys()) != 0 {
		t.Fatal("expected an empty list")
	}

	for _, key := range []string{"gw", "dev1", "dev2", "dev1"} {
		if err := e.Add(key); err != nil {
			t.Fatal(err)
		}
	}

	// Duplicates are dropped, insertion order is kept.
	exp := []string{"gw", "dev1", "dev2"}
	if diff, equal := messagediff.PrettyDiff(exp, e.Keys()); !equal {
		t.Error(diff)
	}
	if !e.Contains("dev2") || e.Contains("dev3") {
		t.Error("unexpected membership")
	}

	// The list survives a reload.
	e, err = NewExistingDevices(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff(exp, e.Keys()); !equal {
		t.Error(diff)
	}
}
