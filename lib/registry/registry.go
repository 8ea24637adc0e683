// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package registry keeps the authoritative view of which devices exist. It
// forwards subdevice registrations to the platform with retry-until-acked
// semantics, holds back requests while the gateway itself is unregistered,
// and handles deletion and platform initiated reregistration.
package registry

import (
	"fmt"

	"github.com/edgegate/edgegate/lib/db"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/retry"
	"github.com/edgegate/edgegate/lib/sync"
)

// Outbound queues a message for publication on one side of the gateway.
type Outbound interface {
	AddMessage(msg protocol.Message)
}

type pendingRegistration struct {
	req        protocol.RegistrationRequest
	fromDevice bool
}

// Service implements the device lifecycle: registration, deletion, and
// reregistration. Message handlers run on the router workers; local API
// calls may come from anywhere. All state is guarded by one mutex.
type Service struct {
	gatewayKey string
	proto      *protocol.RegistrationProtocol
	repo       *db.DeviceRepository
	existing   *db.ExistingDevices
	tracker    *retry.Tracker
	platform   Outbound
	local      Outbound // nil when running standalone
	evLogger   *events.Logger

	mut             sync.Mutex
	gatewayDevice   *protocol.Device // the gateway's own record, for re-binding
	gatewayManifest *protocol.Manifest
	pending         map[string]pendingRegistration
	postponedOrder  []string
	postponed       map[string]pendingRegistration
	onRegistered    []func(key string, isGateway bool)
}

// NewService creates the lifecycle service. The gateway's manifest is seeded
// from the repository when the gateway is already registered from an earlier
// run.
func NewService(gatewayKey string, proto *protocol.RegistrationProtocol, repo *db.DeviceRepository, existing *db.ExistingDevices, tracker *retry.Tracker, platform, local Outbound, evLogger *events.Logger) (*Service, error) {
	s := &Service{
		gatewayKey: gatewayKey,
		proto:      proto,
		repo:       repo,
		existing:   existing,
		tracker:    tracker,
		platform:   platform,
		local:      local,
		evLogger:   evLogger,
		mut:        sync.NewMutex(),
		pending:    make(map[string]pendingRegistration),
		postponed:  make(map[string]pendingRegistration),
	}

	if gw, ok, err := repo.Device(gatewayKey); err != nil {
		return nil, fmt.Errorf("loading gateway record: %w", err)
	} else if ok {
		s.gatewayDevice = &gw
		s.gatewayManifest = &gw.Manifest
	}
	return s, nil
}

// OnDeviceRegistered registers a callback invoked after every successful
// registration.
func (s *Service) OnDeviceRegistered(fn func(key string, isGateway bool)) {
	s.mut.Lock()
	s.onRegistered = append(s.onRegistered, fn)
	s.mut.Unlock()
}

// DeviceChannels are the local broker patterns this service consumes.
func (s *Service) DeviceChannels() []string {
	return s.proto.DeviceInboundChannels()
}

// PlatformChannels are the platform broker patterns this service consumes.
func (s *Service) PlatformChannels() []string {
	return s.proto.PlatformInboundChannels()
}

// GatewayRegistered reports whether the gateway's own registration has been
// acknowledged by the platform.
func (s *Service) GatewayRegistered() bool {
	ok, err := s.repo.Contains(s.gatewayKey)
	if err != nil {
		l.Warnln("Checking gateway registration:", err)
		return false
	}
	return ok
}

// Register submits a registration for a device on behalf of the local
// process, the gateway's own record included.
func (s *Service) Register(d protocol.Device) {
	if d.Key == s.gatewayKey {
		s.mut.Lock()
		cp := d
		s.gatewayDevice = &cp
		s.mut.Unlock()
	}
	req := protocol.NewRegistrationRequest(d.Key, d.Name, d.Manifest)
	s.handleRequest(req, false)
}

// HandleDeviceMessage consumes registration requests arriving from
// subdevices on the local broker.
func (s *Service) HandleDeviceMessage(msg protocol.Message) {
	req, err := s.proto.ParseRegistrationRequest(msg)
	if err != nil {
		l.Debugf("dropping registration request on %s: %v", msg.Channel, err)
		return
	}
	s.handleRequest(req, true)
}

// HandlePlatformMessage consumes registration responses, deletion acks and
// reregistration requests from the platform.
func (s *Service) HandlePlatformMessage(msg protocol.Message) {
	switch {
	case s.proto.IsRegistrationResponse(msg.Channel):
		resp, err := s.proto.ParseRegistrationResponse(msg)
		if err != nil {
			l.Debugf("dropping registration response on %s: %v", msg.Channel, err)
			return
		}
		s.handleResponse(resp)
	case s.proto.IsReregistration(msg.Channel):
		s.handleReregistration()
	case s.proto.IsDeletionResponse(msg.Channel):
		s.handleDeletionAck(msg)
	default:
		l.Debugln("unexpected platform message on", msg.Channel)
	}
}

func (s *Service) handleRequest(req protocol.RegistrationRequest, fromDevice bool) {
	key := req.Device.Key
	isGateway := key == s.gatewayKey

	if !isGateway && !s.GatewayRegistered() {
		s.mut.Lock()
		if _, ok := s.postponed[key]; !ok {
			s.postponedOrder = append(s.postponedOrder, key)
		}
		s.postponed[key] = pendingRegistration{req: req, fromDevice: fromDevice}
		s.mut.Unlock()
		l.Infof("Postponing registration of %s until the gateway is registered", key)
		return
	}

	if existing, ok, err := s.repo.Device(key); err != nil {
		l.Warnln("Checking repository:", err)
	} else if ok && protocol.ManifestsEqual(existing.Manifest, req.Manifest) {
		l.Debugf("device %s already registered with an identical manifest, dropping request", key)
		return
	}

	if !isGateway {
		s.mut.Lock()
		gw := s.gatewayManifest
		s.mut.Unlock()
		if gw != nil && gw.Protocol != req.Manifest.Protocol {
			l.Warnf("Rejecting registration of %s: protocol %q does not match the gateway's %q", key, req.Manifest.Protocol, gw.Protocol)
			s.respondToDevice(key, protocol.RegistrationErrorManifestConflict, fromDevice)
			return
		}
	}

	msg, err := s.proto.RegistrationRequestMessage(req)
	if err != nil {
		l.Warnf("Encoding registration request for %s: %v", key, err)
		return
	}

	s.mut.Lock()
	s.pending[key] = pendingRegistration{req: req, fromDevice: fromDevice}
	s.mut.Unlock()

	metricRegistrationsForwarded.Inc()
	l.Infof("Forwarding registration request for %s", key)
	s.tracker.Expect(s.proto.RegistrationResponseChannel(key), msg, func() {
		s.giveUpRegistration(key)
	})
}

func (s *Service) giveUpRegistration(key string) {
	s.mut.Lock()
	delete(s.pending, key)
	s.mut.Unlock()
	l.Warnf("Registration of %s abandoned: no platform response", key)
	s.evLogger.Log(events.DeviceRegistrationFailed, map[string]string{
		"device": key,
		"reason": "no response",
	})
}

func (s *Service) handleResponse(resp protocol.RegistrationResponse) {
	key := resp.DeviceKey
	isGateway := key == s.gatewayKey

	s.mut.Lock()
	pend, ok := s.pending[key]
	delete(s.pending, key)
	s.mut.Unlock()
	if !ok {
		l.Debugf("unsolicited registration response for %s, dropped", key)
		return
	}

	if resp.Result != protocol.RegistrationOK {
		s.logRegistrationError(key, resp.Result)
		metricRegistrationsFailed.Inc()
		s.evLogger.Log(events.DeviceRegistrationFailed, map[string]string{
			"device": key,
			"reason": string(resp.Result),
		})
		s.respondToDevice(key, resp.Result, pend.fromDevice)
		return
	}

	d := protocol.Device{
		Key:      key,
		Name:     pend.req.Device.Name,
		Manifest: pend.req.Manifest,
	}
	if err := s.repo.Save(d); err != nil {
		l.Warnln("Persisting registered device:", err)
		return
	}
	if err := s.existing.Add(key); err != nil {
		l.Warnln("Recording existing device:", err)
	}

	metricRegistrationsAcked.Inc()
	l.Infof("Device %s registered", key)
	s.evLogger.Log(events.DeviceRegistered, map[string]interface{}{
		"device":  key,
		"gateway": isGateway,
	})

	s.mut.Lock()
	if isGateway {
		s.gatewayManifest = &d.Manifest
		if s.gatewayDevice == nil {
			s.gatewayDevice = &d
		}
	}
	fns := make([]func(key string, isGateway bool), len(s.onRegistered))
	copy(fns, s.onRegistered)
	s.mut.Unlock()

	for _, fn := range fns {
		fn(key, isGateway)
	}
	s.respondToDevice(key, resp.Result, pend.fromDevice)

	if isGateway {
		s.drainPostponed()
		s.recoverKnownDevices()
	}
}

// respondToDevice forwards a registration result down to the subdevice that
// asked for it.
func (s *Service) respondToDevice(key string, result protocol.RegistrationResult, fromDevice bool) {
	if !fromDevice || s.local == nil {
		return
	}
	msg, err := s.proto.DeviceRegistrationResponseMessage(key, result)
	if err != nil {
		l.Warnf("Encoding registration response for %s: %v", key, err)
		return
	}
	s.local.AddMessage(msg)
}

// drainPostponed forwards the requests held back while the gateway was
// unregistered, in their arrival order.
func (s *Service) drainPostponed() {
	s.mut.Lock()
	order := s.postponedOrder
	held := s.postponed
	s.postponedOrder = nil
	s.postponed = make(map[string]pendingRegistration)
	s.mut.Unlock()

	for _, key := range order {
		pend := held[key]
		l.Debugln("forwarding postponed registration of", key)
		s.handleRequest(pend.req, pend.fromDevice)
	}
}

// recoverKnownDevices asks previously registered devices that are missing
// from the repository to announce themselves again. This drives
// re-registration after the gateway was re-bound on the platform.
func (s *Service) recoverKnownDevices() {
	if s.local == nil {
		return
	}
	for _, key := range s.existing.Keys() {
		if key == s.gatewayKey {
			continue
		}
		ok, err := s.repo.Contains(key)
		if err != nil {
			l.Warnln("Checking repository:", err)
			return
		}
		if !ok {
			l.Infoln("Requesting reregistration of previously known devices")
			s.local.AddMessage(s.proto.ReregistrationBroadcastMessage())
			return
		}
	}
}

func (*Service) logRegistrationError(key string, result protocol.RegistrationResult) {
	switch result {
	case protocol.RegistrationErrorKeyConflict:
		l.Warnf("Registration of %s failed: key already in use on the platform", key)
	case protocol.RegistrationErrorManifestConflict:
		l.Warnf("Registration of %s failed: manifest conflicts with the platform's record", key)
	case protocol.RegistrationErrorMaxDevicesExceeded:
		l.Warnf("Registration of %s failed: maximum number of devices exceeded", key)
	case protocol.RegistrationErrorReadingPayload:
		l.Warnf("Registration of %s failed: platform could not read the request", key)
	case protocol.RegistrationErrorGatewayNotFound:
		l.Warnf("Registration of %s failed: gateway not known to the platform", key)
	case protocol.RegistrationErrorNoGatewayManifest:
		l.Warnf("Registration of %s failed: platform holds no gateway manifest", key)
	default:
		l.Warnf("Registration of %s failed: %s", key, result)
	}
}

// handleReregistration performs the platform initiated resync: ack, wipe the
// repository, ask every subdevice to register again, and re-submit the
// gateway's own registration so the forwarding pipeline comes back up.
func (s *Service) handleReregistration() {
	l.Infoln("Platform requested reregistration of all devices")

	if ack, err := s.proto.ReregistrationAckMessage(); err == nil {
		s.platform.AddMessage(ack)
	} else {
		l.Warnln("Encoding reregistration ack:", err)
	}

	if err := s.repo.RemoveAll(); err != nil {
		l.Warnln("Wiping device repository:", err)
	}
	s.evLogger.Log(events.DevicesReset, nil)

	if s.local != nil {
		s.local.AddMessage(s.proto.ReregistrationBroadcastMessage())
	}

	s.mut.Lock()
	gw := s.gatewayDevice
	s.mut.Unlock()
	if gw != nil {
		s.Register(*gw)
	}
}

// handleDeletionAck removes a device once the platform has confirmed its
// deletion.
func (s *Service) handleDeletionAck(msg protocol.Message) {
	key := s.proto.ExtractDeviceKey(msg.Channel)
	if key == "" || key == s.gatewayKey {
		l.Debugln("ignoring deletion ack on", msg.Channel)
		return
	}
	if err := s.repo.Remove(key); err != nil {
		l.Warnln("Removing deleted device:", err)
		return
	}
	l.Infof("Device %s deleted", key)
	s.evLogger.Log(events.DeviceDeleted, map[string]string{"device": key})
}

// DeleteDevicesOtherThan requests deletion of every registered subdevice not
// named in keep. Each request is retried until the platform acks it; the
// repository entry goes away on the ack.
func (s *Service) DeleteDevicesOtherThan(keep []string) error {
	keepSet := make(map[string]struct{}, len(keep)+1)
	keepSet[s.gatewayKey] = struct{}{}
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}

	keys, err := s.repo.DeviceKeys()
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	for _, key := range keys {
		if _, ok := keepSet[key]; ok {
			continue
		}
		key := key
		msg := s.proto.DeletionRequestMessage(key)
		l.Infof("Requesting deletion of %s", key)
		s.tracker.Expect(s.proto.DeletionResponseChannel(key), msg, func() {
			l.Warnf("Deletion of %s abandoned: no platform response", key)
		})
	}
	return nil
}

func (*Service) String() string {
	return "registry.Service"
}
