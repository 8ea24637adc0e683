// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gateway assembles the persistence layer, the two MQTT sides, the
// routers and the protocol services into a running gateway application.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	stdsync "sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/edgegate/edgegate/lib/channel"
	"github.com/edgegate/edgegate/lib/config"
	"github.com/edgegate/edgegate/lib/db"
	"github.com/edgegate/edgegate/lib/db/backend"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/files"
	"github.com/edgegate/edgegate/lib/filetransfer"
	"github.com/edgegate/edgegate/lib/firmware"
	"github.com/edgegate/edgegate/lib/persistence"
	"github.com/edgegate/edgegate/lib/protocol"
	"github.com/edgegate/edgegate/lib/publisher"
	"github.com/edgegate/edgegate/lib/registry"
	"github.com/edgegate/edgegate/lib/retry"
	"github.com/edgegate/edgegate/lib/router"
	"github.com/edgegate/edgegate/lib/status"
	"github.com/edgegate/edgegate/lib/svcutil"
	"github.com/edgegate/edgegate/lib/sync"
	"github.com/edgegate/edgegate/lib/transport"
)

// gatewayDataProtocol is the manifest protocol the gateway itself registers
// with.
const gatewayDataProtocol = "JSON"

// Queue and bookkeeping locations under the persistence directory. Exported
// so offline inspection tooling opens the same files the gateway does.
const (
	PlatformQueueDir    = "platform"
	LocalQueueDir       = "local"
	ExistingDevicesFile = "existingDevices.json"
	FileStoreDB         = "files.db"
)

type Options struct {
	Verbose bool
	// DebugListen enables an HTTP listener serving Prometheus metrics and
	// the profiler on the given address.
	DebugListen string
	// TransportFactory overrides how broker connections are built. Nil
	// means MQTT over the configured URIs.
	TransportFactory func(transport.Options) (transport.Transport, error)
}

type App struct {
	cfg      config.Configuration
	evLogger *events.Logger
	opts     Options

	mainService       *suture.Supervisor
	mainServiceCancel context.CancelFunc
	exitStatus        svcutil.ExitStatus
	err               error
	stopOnce          stdsync.Once
	stopped           chan struct{}

	deviceDB backend.Backend
	devices  *db.DeviceRepository
	fileRepo files.Repository

	platformQueue     *persistence.FileStore
	localQueue        *persistence.FileStore
	platformTransport transport.Transport
	localTransport    transport.Transport
	platformPub       *publisher.Publisher
	localPub          *publisher.Publisher
	platformRouter    *router.Router
	deviceRouter      *router.Router
	tracker           *retry.Tracker
	downloader        *filetransfer.HTTPDownloader

	data      *protocol.DataProtocol
	registry  *registry.Service
	status    *status.Service
	transfers *filetransfer.Service
	firmware  *firmware.Service

	mut         sync.Mutex
	onActuator  []func(protocol.ActuatorCommand)
	onConfigSet []func(values map[string]string)
	onConfigGet []func()
}

func New(cfg config.Configuration, deviceDB backend.Backend, evLogger *events.Logger, opts Options) (*App, error) {
	if cfg.Key == "" {
		return nil, errors.New("configuration: gateway key required")
	}
	if cfg.PlatformMQTTURI == "" {
		return nil, errors.New("configuration: platform MQTT URI required")
	}
	a := &App{
		cfg:      cfg,
		evLogger: evLogger,
		opts:     opts,
		deviceDB: deviceDB,
		devices:  db.NewDeviceRepository(deviceDB),
		stopped:  make(chan struct{}),
		mut:      sync.NewMutex(),
	}
	close(a.stopped) // Hasn't been started, so shouldn't block on Wait.
	return a, nil
}

// Start executes the app and returns once all the startup operations are
// done, e.g. the brokers are being dialled and the subscriptions are in
// place. Must be called once only.
func (a *App) Start() error {
	// Create a main service manager. We'll add things to this as we go
	// along. We want any logging it does to go through our log system.
	spec := svcutil.SpecWithDebugLogger(l)
	a.mainService = suture.New("main", spec)

	// Start the supervisor and wait for it to stop to handle cleanup.
	a.stopped = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	a.mainServiceCancel = cancel
	errChan := a.mainService.ServeBackground(ctx)
	go a.wait(errChan)

	if err := a.startup(); err != nil {
		a.stopWithErr(svcutil.ExitError, err)
		return err
	}

	return nil
}

func (a *App) startup() error {
	a.evLogger.Log(events.Starting, map[string]string{
		"key":  a.cfg.Key,
		"home": a.cfg.PersistenceDirectory,
	})
	l.Infoln("Gateway key:", a.cfg.Key)

	if a.opts.Verbose {
		a.mainService.Add(newVerboseService(a.evLogger))
	}

	if len(a.opts.DebugListen) > 0 {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			l.Debugln("Starting debug listener on", a.opts.DebugListen)
			runtime.SetBlockProfileRate(1)
			if err := http.ListenAndServe(a.opts.DebugListen, nil); err != nil {
				l.Warnln("Debug listener:", err)
			}
		}()
	}

	for _, dir := range []string{a.cfg.PersistenceDirectory, a.cfg.DownloadDirectory} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	// Outbound queues. Messages survive restarts and broker outages here.

	discipline := persistence.FIFO
	if a.cfg.QueueDiscipline == config.DisciplineLIFO {
		discipline = persistence.LIFO
	}
	var err error
	a.platformQueue, err = persistence.NewFileStore(filepath.Join(a.cfg.PersistenceDirectory, PlatformQueueDir), discipline, a.cfg.QueueCapBytes)
	if err != nil {
		return fmt.Errorf("platform queue: %w", err)
	}
	if !a.cfg.Standalone() {
		a.localQueue, err = persistence.NewFileStore(filepath.Join(a.cfg.PersistenceDirectory, LocalQueueDir), discipline, a.cfg.QueueCapBytes)
		if err != nil {
			return fmt.Errorf("local queue: %w", err)
		}
	}

	existing, err := db.NewExistingDevices(filepath.Join(a.cfg.PersistenceDirectory, ExistingDevicesFile))
	if err != nil {
		return fmt.Errorf("existing devices: %w", err)
	}

	switch a.cfg.FileStore {
	case config.FileStoreSQLite:
		a.fileRepo, err = files.NewSQLRepository(filepath.Join(a.cfg.PersistenceDirectory, FileStoreDB), a.cfg.DownloadDirectory)
	default:
		a.fileRepo, err = files.NewDirectoryRepository(a.cfg.DownloadDirectory)
	}
	if err != nil {
		return fmt.Errorf("file repository: %w", err)
	}

	// Protocol translators, one per message family.

	regProto := protocol.NewRegistrationProtocol(a.cfg.Key)
	statusProto := protocol.NewStatusProtocol(a.cfg.Key)
	pingProto := protocol.NewPingProtocol(a.cfg.Key)
	fileProto := protocol.NewFileProtocol(a.cfg.Key)
	fwProto := protocol.NewFirmwareProtocol(a.cfg.Key)
	a.data = protocol.NewDataProtocol(a.cfg.Key)

	// Transports and routers. The platform router knows which channels
	// carry raw binary so chunk payloads stay out of the logs. The last
	// will must be registered before the first connect.

	factory := a.opts.TransportFactory
	if factory == nil {
		factory = func(opts transport.Options) (transport.Transport, error) {
			return transport.NewMQTT(opts)
		}
	}

	a.platformRouter = router.New("platform", fileProto.IsBinary)
	a.platformTransport, err = factory(transport.Options{
		URI:        a.cfg.PlatformMQTTURI,
		ClientID:   a.cfg.Key,
		Username:   a.cfg.Key,
		Password:   a.cfg.Password,
		TrustStore: a.cfg.PlatformTrustStore,
		KeepAlive:  a.cfg.PlatformKeepAlive(),
	})
	if err != nil {
		return fmt.Errorf("platform transport: %w", err)
	}
	a.platformTransport.SetLastWill(channel.Join(channel.LastWill, a.cfg.Key), nil)
	a.platformTransport.HandleMessage(a.platformRouter.Receive)
	a.platformTransport.HandleConnectionLost(a.platformRouter.ConnectionLost)

	if !a.cfg.Standalone() {
		a.deviceRouter = router.New("local", nil)
		a.localTransport, err = factory(transport.Options{
			URI:      a.cfg.LocalMQTTURI,
			ClientID: a.cfg.Key,
			Username: a.cfg.LocalMQTTUsername,
			Password: a.cfg.LocalMQTTPassword,
		})
		if err != nil {
			return fmt.Errorf("local transport: %w", err)
		}
		a.localTransport.HandleMessage(a.deviceRouter.Receive)
		a.localTransport.HandleConnectionLost(a.deviceRouter.ConnectionLost)
	}

	// Publishers own the reconnect loops and drain the queues.

	a.platformPub = publisher.New("platform", a.platformTransport, a.platformQueue, a.cfg.PublishInterval(), a.evLogger)
	if a.localTransport != nil {
		a.localPub = publisher.New("local", a.localTransport, a.localQueue, a.cfg.PublishInterval(), a.evLogger)
	}

	a.tracker = retry.NewTracker(a.platformPub.AddMessage)
	a.platformRouter.SetIntercept(func(ch string) { a.tracker.Settle(ch) })

	a.downloader = filetransfer.NewHTTPDownloader(0)

	// Protocol services. The local side is nil in standalone mode; the
	// interface must stay untyped nil for the services' guards to work.

	var regLocal registry.Outbound
	var statusLocal status.Outbound
	var fwLocal firmware.Outbound
	if a.localPub != nil {
		regLocal = a.localPub
		statusLocal = a.localPub
		fwLocal = a.localPub
	}

	a.registry, err = registry.NewService(a.cfg.Key, regProto, a.devices, existing, a.tracker, a.platformPub, regLocal, a.evLogger)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	a.status = status.NewService(a.cfg.Key, statusProto, a.devices, a.platformPub, statusLocal, a.evLogger)
	keepAlive := status.NewKeepAlive(pingProto, a.platformPub, a.cfg.KeepAliveInterval())
	a.transfers = filetransfer.NewService(fileProto, a.fileRepo, a.platformPub, a.downloader, a.cfg.DownloadDirectory, a.cfg.MaxFileSize, a.cfg.MaxPacketSize, a.evLogger)

	var installer firmware.Installer
	if a.cfg.FirmwareInstallCommand != "" {
		installer = firmware.NewExecInstaller(a.cfg.FirmwareInstallCommand)
	}
	a.firmware = firmware.NewService(a.cfg.Key, fwProto, a.fileRepo, a.platformPub, fwLocal, installer,
		a.cfg.FirmwareVersion, filepath.Join(a.cfg.PersistenceDirectory, firmware.VersionFileName), a.cfg.DownloadDirectory, a.evLogger)

	// Routing tables. Registration order decides dispatch priority.

	a.platformRouter.Register(router.HandlerFunc(a.registry.HandlePlatformMessage), a.registry.PlatformChannels()...)
	a.platformRouter.Register(router.HandlerFunc(a.status.HandlePlatformMessage), a.status.PlatformChannels()...)
	a.platformRouter.Register(router.HandlerFunc(keepAlive.HandlePlatformMessage), keepAlive.PlatformChannels()...)
	a.platformRouter.Register(router.HandlerFunc(a.transfers.HandlePlatformMessage), a.transfers.PlatformChannels()...)
	a.platformRouter.Register(router.HandlerFunc(a.firmware.HandlePlatformMessage), a.firmware.PlatformChannels()...)
	a.platformRouter.Register(router.HandlerFunc(a.handlePlatformData), a.data.PlatformInboundChannels()...)

	if a.deviceRouter != nil {
		a.deviceRouter.Register(router.HandlerFunc(a.registry.HandleDeviceMessage), a.registry.DeviceChannels()...)
		a.deviceRouter.Register(router.HandlerFunc(a.status.HandleDeviceMessage), a.status.DeviceChannels()...)
		a.deviceRouter.Register(router.HandlerFunc(a.firmware.HandleDeviceMessage), a.firmware.DeviceChannels()...)
		a.deviceRouter.Register(router.HandlerFunc(a.handleDeviceData), a.data.DeviceInboundChannels()...)
	}

	if err := a.platformRouter.SubscribeAll(a.platformTransport); err != nil {
		return fmt.Errorf("platform subscriptions: %w", err)
	}
	if a.deviceRouter != nil {
		if err := a.deviceRouter.SubscribeAll(a.localTransport); err != nil {
			return fmt.Errorf("local subscriptions: %w", err)
		}
	}

	// Connection lifecycle. On every platform connect the gateway
	// (re)registers itself, settles any firmware attempt from before the
	// restart and announces what it has. The registry dedups registration
	// requests for unchanged manifests, so doing this on each connect is
	// harmless.

	a.platformPub.OnConnect(func() {
		a.evLogger.Log(events.PlatformConnected, map[string]string{"uri": a.cfg.PlatformMQTTURI})
		a.registry.Register(a.gatewayDevice())
		a.firmware.ReportResult()
		a.firmware.PublishVersion()
		a.transfers.PublishFileList()
	})
	a.platformRouter.SetConnectionLostAction(func(err error) {
		l.Infoln("Platform connection lost:", err)
		a.evLogger.Log(events.PlatformDisconnected, map[string]string{"error": errString(err)})
		a.platformPub.Flush()
	})

	if a.localPub != nil {
		a.localPub.OnConnect(func() {
			a.evLogger.Log(events.LocalConnected, map[string]string{"uri": a.cfg.LocalMQTTURI})
			a.status.PollAll()
		})
		a.deviceRouter.SetConnectionLostAction(func(err error) {
			l.Infoln("Local connection lost:", err)
			a.evLogger.Log(events.LocalDisconnected, map[string]string{"error": errString(err)})
			a.status.OnLocalConnectionLost()
			a.localPub.Flush()
		})
	}

	// Hand everything to the supervisor. The local side connects before
	// the platform side so subdevice state is known when the platform
	// asks for it.

	a.mainService.Add(a.tracker)
	a.mainService.Add(a.platformRouter)
	a.mainService.Add(a.transfers)
	if !a.cfg.KeepAliveDisabled {
		a.mainService.Add(keepAlive)
	}
	if a.deviceRouter != nil {
		a.mainService.Add(a.deviceRouter)
		a.mainService.Add(a.status)
		a.mainService.Add(a.localPub)
	}
	a.mainService.Add(a.platformPub)

	a.evLogger.Log(events.StartupComplete, map[string]string{
		"key": a.cfg.Key,
	})

	return nil
}

// gatewayDevice is the registration record for the gateway itself.
func (a *App) gatewayDevice() protocol.Device {
	return protocol.Device{
		Key:      a.cfg.Key,
		Name:     a.cfg.Key,
		Password: a.cfg.Password,
		Manifest: protocol.Manifest{Protocol: gatewayDataProtocol},
	}
}

// handleDeviceData forwards subdevice telemetry to the platform, rewriting
// the channel to carry the gateway key. The payload passes through verbatim.
func (a *App) handleDeviceData(msg protocol.Message) {
	routed, ok := a.data.RouteToPlatform(msg)
	if !ok {
		l.Debugf("Dropping unroutable local message on %s", msg.Channel)
		return
	}
	a.platformPub.AddMessage(routed)
}

// handlePlatformData dispatches platform commands: those addressed to the
// gateway key go to the registered callbacks, the rest are rewritten and
// forwarded to the local broker.
func (a *App) handlePlatformData(msg protocol.Message) {
	if channel.DeviceKey(msg.Channel) == a.cfg.Key {
		a.dispatchGatewayCommand(msg)
		return
	}
	if a.localPub == nil {
		l.Debugf("Dropping subdevice command on %s, no local broker", msg.Channel)
		return
	}
	routed, ok := a.data.RouteToDevice(msg)
	if !ok {
		l.Debugf("Dropping unroutable platform message on %s", msg.Channel)
		return
	}
	a.localPub.AddMessage(routed)
}

func (a *App) dispatchGatewayCommand(msg protocol.Message) {
	switch {
	case a.data.IsActuatorCommand(msg.Channel):
		cmd, err := a.data.ParseActuatorCommand(msg)
		if err != nil {
			l.Warnln("Malformed actuator command:", err)
			return
		}
		a.mut.Lock()
		fns := append([]func(protocol.ActuatorCommand){}, a.onActuator...)
		a.mut.Unlock()
		for _, fn := range fns {
			fn(cmd)
		}
	case a.data.IsConfigurationSet(msg.Channel):
		cfg, err := a.data.ParseConfiguration(msg)
		if err != nil {
			l.Warnln("Malformed configuration:", err)
			return
		}
		a.mut.Lock()
		fns := append([]func(map[string]string){}, a.onConfigSet...)
		a.mut.Unlock()
		for _, fn := range fns {
			fn(cfg.Values)
		}
	case a.data.IsConfigurationGet(msg.Channel):
		a.mut.Lock()
		fns := append([]func(){}, a.onConfigGet...)
		a.mut.Unlock()
		for _, fn := range fns {
			fn()
		}
	default:
		l.Debugf("Unhandled gateway command on %s", msg.Channel)
	}
}

// AddReading publishes one of the gateway's own sensor readings. Call after
// Start.
func (a *App) AddReading(r protocol.Reading) error {
	msg, err := a.data.ReadingMessage(a.cfg.Key, r)
	if err != nil {
		return err
	}
	a.platformPub.AddMessage(msg)
	return nil
}

// AddAlarm publishes one of the gateway's own alarm events. Call after
// Start.
func (a *App) AddAlarm(alarm protocol.Alarm) error {
	msg, err := a.data.AlarmMessage(a.cfg.Key, alarm)
	if err != nil {
		return err
	}
	a.platformPub.AddMessage(msg)
	return nil
}

// PublishActuatorStatus publishes the state of one of the gateway's own
// actuators, typically from an actuator command callback. Call after Start.
func (a *App) PublishActuatorStatus(s protocol.ActuatorStatus) error {
	msg, err := a.data.ActuatorStatusMessage(a.cfg.Key, s)
	if err != nil {
		return err
	}
	a.platformPub.AddMessage(msg)
	return nil
}

// PublishConfiguration publishes the gateway's own configuration values,
// typically from a configuration callback. Call after Start.
func (a *App) PublishConfiguration(values map[string]string) error {
	msg, err := a.data.ConfigurationMessage(a.cfg.Key, values)
	if err != nil {
		return err
	}
	a.platformPub.AddMessage(msg)
	return nil
}

// OnActuatorCommand registers a callback for actuator commands addressed to
// the gateway itself. An empty Value means the platform asks for the current
// state.
func (a *App) OnActuatorCommand(fn func(cmd protocol.ActuatorCommand)) {
	a.mut.Lock()
	a.onActuator = append(a.onActuator, fn)
	a.mut.Unlock()
}

// OnConfigurationSet registers a callback for configuration updates
// addressed to the gateway itself.
func (a *App) OnConfigurationSet(fn func(values map[string]string)) {
	a.mut.Lock()
	a.onConfigSet = append(a.onConfigSet, fn)
	a.mut.Unlock()
}

// OnConfigurationGet registers a callback invoked when the platform asks for
// the gateway's current configuration.
func (a *App) OnConfigurationGet(fn func()) {
	a.mut.Lock()
	a.onConfigGet = append(a.onConfigGet, fn)
	a.mut.Unlock()
}

// RegisterDevice requests registration of a device on the platform. Call
// after Start.
func (a *App) RegisterDevice(d protocol.Device) {
	a.registry.Register(d)
}

// DeleteDevicesOtherThan requests deletion of every registered subdevice
// whose key is not in keep. Call after Start.
func (a *App) DeleteDevicesOtherThan(keep []string) error {
	return a.registry.DeleteDevicesOtherThan(keep)
}

// GatewayRegistered reports whether the gateway's own registration has been
// confirmed by the platform.
func (a *App) GatewayRegistered() bool {
	return a.registry.GatewayRegistered()
}

func (a *App) wait(errChan <-chan error) {
	err := <-errChan
	a.handleMainServiceError(err)

	if a.localTransport != nil {
		a.localTransport.Disconnect()
	}
	if a.platformTransport != nil {
		a.platformTransport.Disconnect()
	}
	if a.downloader != nil {
		a.downloader.Close()
	}
	if a.fileRepo != nil {
		if err := a.fileRepo.Close(); err != nil {
			l.Warnln("Closing file repository:", err)
		}
	}
	if err := a.deviceDB.Close(); err != nil {
		l.Warnln("Closing device database:", err)
	}

	l.Infoln("Exiting")

	close(a.stopped)
}

func (a *App) handleMainServiceError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	var fatalErr *svcutil.FatalErr
	if errors.As(err, &fatalErr) {
		a.exitStatus = fatalErr.Status
		a.err = fatalErr.Err
		return
	}
	a.err = err
	a.exitStatus = svcutil.ExitError
}

// Wait blocks until the app stops running. Also returns if the app hasn't
// been started yet.
func (a *App) Wait() svcutil.ExitStatus {
	<-a.stopped
	return a.exitStatus
}

// Error returns an error if one occurred while running the app. It does not
// wait for the app to stop before returning.
func (a *App) Error() error {
	select {
	case <-a.stopped:
		return a.err
	default:
	}
	return nil
}

// Stop stops the app and sets its exit status to given reason, unless the
// app was already stopped before. In any case it returns the effective exit
// status.
func (a *App) Stop(stopReason svcutil.ExitStatus) svcutil.ExitStatus {
	return a.stopWithErr(stopReason, nil)
}

func (a *App) stopWithErr(stopReason svcutil.ExitStatus, err error) svcutil.ExitStatus {
	a.stopOnce.Do(func() {
		a.exitStatus = stopReason
		a.err = err
		if shouldDebug() {
			l.Debugln("Services before stop:")
			printServiceTree(os.Stdout, a.mainService, 0)
		}
		a.mainServiceCancel()
	})
	<-a.stopped
	return a.exitStatus
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type supervisor interface{ Services() []suture.Service }

func printServiceTree(w io.Writer, sup supervisor, level int) {
	printService(w, sup, level)

	svcs := sup.Services()
	sort.Slice(svcs, func(a, b int) bool {
		return fmt.Sprint(svcs[a]) < fmt.Sprint(svcs[b])
	})

	for _, svc := range svcs {
		if sub, ok := svc.(supervisor); ok {
			printServiceTree(w, sub, level+1)
		} else {
			printService(w, svc, level+1)
		}
	}
}

func printService(w io.Writer, svc interface{}, level int) {
	type errorer interface{ Error() error }

	t := "-"
	if _, ok := svc.(supervisor); ok {
		t = "+"
	}
	fmt.Fprintln(w, strings.Repeat("  ", level), t, svc)
	if es, ok := svc.(errorer); ok {
		if err := es.Error(); err != nil {
			fmt.Fprintln(w, strings.Repeat("  ", level), "  ->", err)
		}
	}
}
