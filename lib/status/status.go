// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package status tracks subdevice connectivity. It forwards status reports
// and poll requests between the brokers, turns last wills into OFFLINE
// updates, and marks every device offline when the local broker connection
// goes away.
package status

import (
	"context"
	"time"

	"github.com/edgegate/edgegate/lib/db"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/sync"
)

// pollInterval is how often the registered subdevices are asked for their
// status, in addition to the poll on every local broker (re)connect.
const pollInterval = 5 * time.Minute

// Outbound queues a message for publication on one side of the gateway.
type Outbound interface {
	AddMessage(msg protocol.Message)
}

// Service forwards device status traffic. Inbound handlers run on the router
// workers; PollAll and OnLocalConnectionLost are called from connection
// callbacks.
type Service struct {
	gatewayKey string
	proto      *protocol.StatusProtocol
	repo       *db.DeviceRepository
	platform   Outbound
	local      Outbound // nil when running standalone
	evLogger   *events.Logger

	mut    sync.Mutex
	states map[string]protocol.DeviceState
}

func NewService(gatewayKey string, proto *protocol.StatusProtocol, repo *db.DeviceRepository, platform, local Outbound, evLogger *events.Logger) *Service {
	return &Service{
		gatewayKey: gatewayKey,
		proto:      proto,
		repo:       repo,
		platform:   platform,
		local:      local,
		evLogger:   evLogger,
		mut:        sync.NewMutex(),
		states:     make(map[string]protocol.DeviceState),
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

// HandleDeviceMessage consumes status reports and last wills from the local
// broker.
func (s *Service) HandleDeviceMessage(msg protocol.Message) {
	if s.proto.IsLastWill(msg.Channel) {
		keys, err := s.proto.ParseLastWill(msg)
		if err != nil {
			l.Debugf("dropping last will on %s: %v", msg.Channel, err)
			return
		}
		for _, key := range keys {
			if key == s.gatewayKey {
				continue
			}
			s.markOffline(key)
		}
		return
	}

	key, state, err := s.proto.ParseStatus(msg)
	if err != nil {
		l.Debugf("dropping status on %s: %v", msg.Channel, err)
		return
	}
	up, err := s.proto.StatusUpdateMessage(key, state)
	if err != nil {
		l.Warnf("Encoding status update for %s: %v", key, err)
		return
	}
	s.platform.AddMessage(up)
	s.recordState(key, state)
}

// HandlePlatformMessage consumes status poll requests from the platform and
// routes them down to the addressed subdevice.
func (s *Service) HandlePlatformMessage(msg protocol.Message) {
	if !s.proto.IsStatusRequest(msg.Channel) {
		l.Debugln("unexpected platform message on", msg.Channel)
		return
	}
	if s.local == nil {
		return
	}
	routed, ok := s.proto.RouteStatusRequestToDevice(msg)
	if !ok {
		l.Debugln("status request not addressed to this gateway:", msg.Channel)
		return
	}
	s.local.AddMessage(routed)
}

// PollAll asks every registered subdevice for its current status. Wired to
// the local publisher's connect callback and driven periodically by Serve.
func (s *Service) PollAll() {
	if s.local == nil {
		return
	}
	keys, err := s.repo.DeviceKeys()
	if err != nil {
		l.Warnln("Listing devices for status poll:", err)
		return
	}
	for _, key := range keys {
		if key == s.gatewayKey {
			continue
		}
		s.local.AddMessage(s.proto.StatusRequestMessage(key))
	}
	l.Debugf("polled %d devices for status", len(keys))
}

// OnLocalConnectionLost marks every registered subdevice offline. Without a
// broker connection no device can be heard from, last wills included.
func (s *Service) OnLocalConnectionLost() {
	keys, err := s.repo.DeviceKeys()
	if err != nil {
		l.Warnln("Listing devices after connection loss:", err)
		return
	}
	l.Infof("Local broker connection lost, marking %d devices offline", len(keys))
	for _, key := range keys {
		if key == s.gatewayKey {
			continue
		}
		s.markOffline(key)
	}
}

func (s *Service) markOffline(key string) {
	msg, err := s.proto.OfflineStatusMessage(key)
	if err != nil {
		l.Warnf("Encoding offline status for %s: %v", key, err)
		return
	}
	s.platform.AddMessage(msg)
	s.recordState(key, protocol.StateOffline)
}

func (s *Service) recordState(key string, state protocol.DeviceState) {
	s.mut.Lock()
	prev, had := s.states[key]
	s.states[key] = state
	s.mut.Unlock()

	metricStatusUpdates.Inc()
	if !had || prev != state {
		l.Infof("Device %s is now %s", key, state)
		s.evLogger.Log(events.DeviceStatusChanged, map[string]string{
			"device": key,
			"state":  string(state),
		})
	}
}

// Serve repolls the devices periodically until the context is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.PollAll()
			timer.Reset(pollInterval)
		}
	}
}

func (*Service) String() string {
	return "status.Service"
}
