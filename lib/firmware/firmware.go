// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package firmware orchestrates firmware updates: installs on the gateway
// itself through a configured installer, forwards install and abort commands
// to subdevices, and relays their progress to the platform. The outcome of a
// gateway installation is determined after the restart by comparing the
// running version against a sentinel file written before the attempt.
package firmware

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/files"
	"github.com/edgegate/edgegate/lib/protocol"
)

// VersionFileName is the sentinel recording the version running before an
// installation attempt.
const VersionFileName = ".firmware-version"

// Outbound queues a message for publication on one side of the gateway.
type Outbound interface {
	AddMessage(msg protocol.Message)
}

// Service handles the firmware update family. It is purely reactive: message
// handlers run on the router workers, ReportResult and PublishVersion are
// called once at startup.
type Service struct {
	gatewayKey  string
	proto       *protocol.FirmwareProtocol
	repo        files.Repository
	platform    Outbound
	local       Outbound  // nil when running standalone
	installer   Installer // nil disables gateway installations
	version     string
	versionFile string
	downloadDir string
	evLogger    *events.Logger
}

func NewService(gatewayKey string, proto *protocol.FirmwareProtocol, repo files.Repository, platform, local Outbound, installer Installer, version, versionFile, downloadDir string, evLogger *events.Logger) *Service {
	return &Service{
		gatewayKey:  gatewayKey,
		proto:       proto,
		repo:        repo,
		platform:    platform,
		local:       local,
		installer:   installer,
		version:     version,
		versionFile: versionFile,
		downloadDir: downloadDir,
		evLogger:    evLogger,
	}
}

// DeviceChannels are the local broker patterns this service consumes.
func (s *Service) DeviceChannels() []string {
	return s.proto.DeviceInboundChannels()
}

// PlatformChannels are the platform broker patterns this service consumes.
func (s *Service) PlatformChannels() []string {
	return s.proto.PlatformInboundChannels()
}

// HandlePlatformMessage consumes install and abort commands.
func (s *Service) HandlePlatformMessage(msg protocol.Message) {
	switch {
	case s.proto.IsInstall(msg.Channel):
		cmd, err := s.proto.ParseInstallCommand(msg)
		if err != nil {
			l.Debugf("dropping install command: %v", err)
			return
		}
		for _, key := range cmd.DeviceKeys {
			if key == s.gatewayKey {
				s.installGateway(cmd.FileName)
			} else {
				s.forwardInstall(key, cmd.FileName)
			}
		}
	case s.proto.IsAbort(msg.Channel):
		cmd, err := s.proto.ParseAbortCommand(msg)
		if err != nil {
			l.Debugf("dropping abort command: %v", err)
			return
		}
		for _, key := range cmd.DeviceKeys {
			if key == s.gatewayKey {
				// A gateway installation cannot be interrupted once the
				// installer is running.
				l.Infoln("Ignoring abort for the gateway's own installation")
				continue
			}
			s.forwardAbort(key)
		}
	default:
		l.Debugln("unexpected platform message on", msg.Channel)
	}
}

// HandleDeviceMessage relays subdevice update statuses and version reports
// upward unchanged.
func (s *Service) HandleDeviceMessage(msg protocol.Message) {
	switch {
	case s.proto.IsStatus(msg.Channel):
		if _, _, _, err := s.proto.ParseStatus(msg); err != nil {
			l.Debugf("dropping update status: %v", err)
			return
		}
	case s.proto.IsVersion(msg.Channel):
	default:
		l.Debugln("unexpected device message on", msg.Channel)
		return
	}
	s.platform.AddMessage(msg)
}

func (s *Service) installGateway(fileName string) {
	if s.installer == nil || s.version == "" {
		l.Warnln("Firmware installation requested but no installer is configured")
		s.sendError(s.gatewayKey, protocol.ErrorFileUploadDisabled)
		return
	}

	info, ok, err := s.repo.GetInfo(fileName)
	if err != nil {
		l.Warnf("Locating firmware %s: %v", fileName, err)
		s.sendError(s.gatewayKey, protocol.ErrorFileSystemError)
		return
	}
	if !ok {
		l.Warnf("Firmware %s has not been transferred", fileName)
		s.sendError(s.gatewayKey, protocol.ErrorFileNotPresent)
		return
	}

	if err := os.WriteFile(s.versionFile, []byte(s.version), 0o644); err != nil {
		l.Warnf("Recording the running version: %v", err)
		s.sendError(s.gatewayKey, protocol.ErrorFileSystemError)
		return
	}

	s.sendStatus(s.gatewayKey, protocol.UpdateInstallation, nil)
	metricInstallsStarted.Inc()
	l.Infof("Installing firmware %s (version %s running)", fileName, s.version)
	s.evLogger.Log(events.FirmwareInstallStarted, map[string]string{
		"device": s.gatewayKey,
		"file":   fileName,
	})

	path := filepath.Join(s.downloadDir, info.Name)
	go func() {
		if err := s.installer.Install(path); err != nil {
			l.Warnf("Installing %s: %v", fileName, err)
			if rerr := os.Remove(s.versionFile); rerr != nil && !os.IsNotExist(rerr) {
				l.Warnln("Removing the version sentinel:", rerr)
			}
			s.sendError(s.gatewayKey, protocol.ErrorInstallationFailed)
			metricInstallsFailed.Inc()
			s.evLogger.Log(events.FirmwareInstallResult, map[string]interface{}{
				"device":  s.gatewayKey,
				"success": false,
			})
			return
		}
		// The installer normally restarts the process; the result is
		// reported on the next startup.
		l.Infoln("Installer finished, awaiting restart")
	}()
}

func (s *Service) forwardInstall(deviceKey, fileName string) {
	if s.local == nil {
		l.Warnf("Cannot forward installation to %s without a local broker", deviceKey)
		return
	}
	msg, err := s.proto.InstallCommandMessage(deviceKey, fileName)
	if err != nil {
		l.Warnf("Encoding install command for %s: %v", deviceKey, err)
		return
	}
	l.Infof("Forwarding firmware installation of %s to %s", fileName, deviceKey)
	s.evLogger.Log(events.FirmwareInstallStarted, map[string]string{
		"device": deviceKey,
		"file":   fileName,
	})
	s.local.AddMessage(msg)
}

func (s *Service) forwardAbort(deviceKey string) {
	if s.local == nil {
		return
	}
	msg, err := s.proto.AbortCommandMessage(deviceKey)
	if err != nil {
		l.Warnf("Encoding abort command for %s: %v", deviceKey, err)
		return
	}
	l.Infof("Forwarding update abort to %s", deviceKey)
	s.local.AddMessage(msg)
}

// ReportResult reports the outcome of an earlier installation attempt. When
// the sentinel exists and the running version differs from the recorded one
// the update succeeded; an unchanged version means the installer did not
// deliver. The sentinel is removed either way.
func (s *Service) ReportResult() {
	bs, err := os.ReadFile(s.versionFile)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		l.Warnln("Reading the version sentinel:", err)
		return
	}

	previous := strings.TrimSpace(string(bs))
	if s.version != "" && s.version != previous {
		l.Infof("Firmware updated: %s -> %s", previous, s.version)
		s.sendStatus(s.gatewayKey, protocol.UpdateCompleted, nil)
		metricInstallsCompleted.Inc()
		s.evLogger.Log(events.FirmwareInstallResult, map[string]interface{}{
			"device":  s.gatewayKey,
			"success": true,
		})
	} else {
		l.Warnf("Firmware version still %s after an installation attempt", previous)
		s.sendError(s.gatewayKey, protocol.ErrorInstallationFailed)
		metricInstallsFailed.Inc()
		s.evLogger.Log(events.FirmwareInstallResult, map[string]interface{}{
			"device":  s.gatewayKey,
			"success": false,
		})
	}

	if err := os.Remove(s.versionFile); err != nil {
		l.Warnln("Removing the version sentinel:", err)
	}
}

// PublishVersion reports the gateway's running firmware version.
func (s *Service) PublishVersion() {
	if s.version == "" {
		return
	}
	msg, err := s.proto.VersionMessage(s.gatewayKey, s.version)
	if err != nil {
		l.Warnln("Encoding firmware version:", err)
		return
	}
	s.platform.AddMessage(msg)
}

func (s *Service) sendStatus(deviceKey string, status protocol.UpdateStatus, code *protocol.UpdateErrorCode) {
	msg, err := s.proto.StatusMessage(deviceKey, status, code)
	if err != nil {
		l.Warnf("Encoding update status for %s: %v", deviceKey, err)
		return
	}
	s.platform.AddMessage(msg)
}

func (s *Service) sendError(deviceKey string, code protocol.UpdateErrorCode) {
	msg, err := s.proto.ErrorStatusMessage(deviceKey, code)
	if err != nil {
		l.Warnf("Encoding update error for %s: %v", deviceKey, err)
		return
	}
	s.platform.AddMessage(msg)
}

func (*Service) String() string {
	return "firmware.Service"
}
