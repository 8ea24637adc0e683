// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"fmt"

	"github.com/edgegate/edgegate/lib/events"
)

// The verbose logging service subscribes to events and prints these in
// verbose format to the console using INFO level.
type verboseService struct {
	evLogger *events.Logger
}

func newVerboseService(evLogger *events.Logger) *verboseService {
	return &verboseService{
		evLogger: evLogger,
	}
}

// Serve runs the verbose logging service.
func (s *verboseService) Serve(ctx context.Context) error {
	sub := s.evLogger.Subscribe(events.AllEvents)
	defer s.evLogger.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			formatted := s.formatEvent(ev)
			if formatted != "" {
				l.Verboseln(formatted)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *verboseService) formatEvent(ev events.Event) string {
	switch ev.Type {
	case events.Starting:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Starting up as %s (%s)", data["key"], data["home"])

	case events.StartupComplete:
		return "Startup complete"

	case events.PlatformConnected:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Connected to platform at %s", data["uri"])

	case events.PlatformDisconnected:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Disconnected from platform: %s", data["error"])

	case events.LocalConnected:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Connected to local broker at %s", data["uri"])

	case events.LocalDisconnected:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Disconnected from local broker: %s", data["error"])

	case events.MessageQueued:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Queued message on %s (%s)", data["channel"], data["publisher"])

	case events.MessagePublished:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Published message on %s (%s)", data["channel"], data["publisher"])

	case events.DeviceRegistered:
		data := ev.Data.(map[string]interface{})
		if gw, _ := data["gateway"].(bool); gw {
			return "Gateway registration confirmed"
		}
		return fmt.Sprintf("Device %v was registered", data["device"])

	case events.DeviceRegistrationFailed:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Registration of device %s failed: %s", data["device"], data["reason"])

	case events.DeviceDeleted:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Device %s was deleted", data["device"])

	case events.DevicesReset:
		return "Platform requested reregistration of all devices"

	case events.DeviceStatusChanged:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Device %s is now %s", data["device"], data["state"])

	case events.FileTransferStarted:
		data := ev.Data.(map[string]interface{})
		if url, ok := data["url"]; ok {
			return fmt.Sprintf("Started downloading %v", url)
		}
		return fmt.Sprintf("Started transfer of %v (%v bytes)", data["file"], data["size"])

	case events.FileTransferCompleted:
		data := ev.Data.(map[string]interface{})
		return fmt.Sprintf("Completed transfer of %v (%v bytes)", data["file"], data["size"])

	case events.FileTransferFailed:
		data := ev.Data.(map[string]string)
		name := data["file"]
		if name == "" {
			name = data["url"]
		}
		return fmt.Sprintf("Transfer of %s failed: %s", name, data["reason"])

	case events.FirmwareInstallStarted:
		data := ev.Data.(map[string]string)
		return fmt.Sprintf("Firmware installation started on %s (%s)", data["device"], data["file"])

	case events.FirmwareInstallResult:
		data := ev.Data.(map[string]interface{})
		if success, _ := data["success"].(bool); success {
			return fmt.Sprintf("Firmware installation on %v succeeded", data["device"])
		}
		return fmt.Sprintf("Firmware installation on %v failed", data["device"])

	case events.ConfigSaved:
		return "Configuration was saved"
	}

	return fmt.Sprintf("%s %#v", ev.Type, ev)
}

func (s *verboseService) String() string {
	return fmt.Sprintf("verboseService@%p", s)
}
