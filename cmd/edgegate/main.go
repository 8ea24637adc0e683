// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command edgegate runs the gateway: it connects subdevices on the local
// MQTT broker to the platform, translating and queueing traffic in both
// directions. The inspection subcommands read the gateway's on-disk state
// directly and are meant to be run while the gateway is stopped.
package main

import (
	"fmt"
	_ "net/http/pprof" // Profiler handlers for the debug listener.
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	_ "github.com/edgegate/edgegate/lib/automaxprocs"
	"github.com/edgegate/edgegate/lib/build"
	"github.com/edgegate/edgegate/lib/config"
	"github.com/edgegate/edgegate/lib/db/backend"
	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/gateway"
	"github.com/edgegate/edgegate/lib/svcutil"
)

type cli struct {
	Serve   serveCommand   `cmd:"" default:"withargs" help:"Run the gateway (default)"`
	Device  deviceCommand  `cmd:"" help:"Inspect the device registry"`
	Files   filesCommand   `cmd:"" help:"Inspect the file inventory"`
	Queue   queueCommand   `cmd:"" help:"Inspect the persistent message queues"`
	Version versionCommand `cmd:"" help:"Show version information"`
}

func main() {
	var params cli
	ctx := kong.Parse(&params,
		kong.Name(build.ProgramName),
		kong.Description("MQTT gateway between local subdevices and the platform."))
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

type serveCommand struct {
	Config      string `arg:"" placeholder:"PATH" help:"Path to the gateway configuration file"`
	Verbose     bool   `short:"v" help:"Print events to the console"`
	DebugListen string `name:"debug-listen" placeholder:"ADDR" env:"EGPROFILER" help:"Serve metrics and profiling on this address"`
}

func (c *serveCommand) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		l.Warnln("Configuration:", err)
		os.Exit(svcutil.ExitConfigError.AsInt())
	}

	deviceDB, err := backend.Open(cfg.DatabaseDirectory)
	if err != nil {
		l.Warnln("Device database:", err)
		os.Exit(svcutil.ExitError.AsInt())
	}

	evLogger := events.NewLogger()

	app, err := gateway.New(cfg, deviceDB, evLogger, gateway.Options{
		Verbose:     c.Verbose,
		DebugListen: c.DebugListen,
	})
	if err != nil {
		l.Warnln("Failed to initialize:", err)
		os.Exit(svcutil.ExitError.AsInt())
	}

	if err := app.Start(); err != nil {
		// Already logged and accounted for in the exit status.
		os.Exit(app.Wait().AsInt())
	}

	stopSign := make(chan os.Signal, 1)
	signal.Notify(stopSign, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-stopSign
		l.Infof("Signal %d received; exiting", sig)
		app.Stop(svcutil.ExitSuccess)
	}()

	os.Exit(app.Wait().AsInt())
	return nil
}

type versionCommand struct{}

func (versionCommand) Run() error {
	fmt.Println(build.LongVersion)
	return nil
}
