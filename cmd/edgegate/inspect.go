// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/edgegate/edgegate/lib/config"
	"github.com/edgegate/edgegate/lib/db"
	"github.com/edgegate/edgegate/lib/db/backend"
	"github.com/edgegate/edgegate/lib/files"
	"github.com/edgegate/edgegate/lib/gateway"
	"github.com/edgegate/edgegate/lib/persistence"
)

type deviceCommand struct {
	List deviceListCommand `cmd:"" help:"List registered subdevices"`
}

type deviceListCommand struct {
	Config string `arg:"" placeholder:"PATH" help:"Path to the gateway configuration file"`
}

func (c *deviceListCommand) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	deviceDB, err := backend.Open(cfg.DatabaseDirectory)
	if err != nil {
		return err
	}
	defer deviceDB.Close()

	devices := db.NewDeviceRepository(deviceDB)
	keys, err := devices.DeviceKeys()
	if err != nil {
		return err
	}
	existing, err := db.NewExistingDevices(filepath.Join(cfg.PersistenceDirectory, gateway.ExistingDevicesFile))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tPROTOCOL\tFEEDS\tANNOUNCED")
	for _, key := range keys {
		d, ok, err := devices.Device(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%v\n", d.Key, d.Name, d.Manifest.Protocol, len(d.Manifest.Feeds), existing.Contains(d.Key))
	}
	return tw.Flush()
}

type filesCommand struct {
	List filesListCommand `cmd:"" help:"List files held for download and installation"`
}

type filesListCommand struct {
	Config string `arg:"" placeholder:"PATH" help:"Path to the gateway configuration file"`
}

func (c *filesListCommand) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	repo, err := openFileRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	names, err := repo.ListNames()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tHASH")
	for _, name := range names {
		info, ok, err := repo.GetInfo(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", info.Name, info.Size, info.Hash)
	}
	return tw.Flush()
}

func openFileRepository(cfg config.Configuration) (files.Repository, error) {
	if cfg.FileStore == config.FileStoreSQLite {
		return files.NewSQLRepository(filepath.Join(cfg.PersistenceDirectory, gateway.FileStoreDB), cfg.DownloadDirectory)
	}
	return files.NewDirectoryRepository(cfg.DownloadDirectory)
}

type queueCommand struct {
	Show queueShowCommand `cmd:"" help:"Show buffered outbound messages"`
}

type queueShowCommand struct {
	Config string `arg:"" placeholder:"PATH" help:"Path to the gateway configuration file"`
	Local  bool   `help:"Show the local delivery queue instead of the platform one"`
}

func (c *queueShowCommand) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	sub := gateway.PlatformQueueDir
	if c.Local {
		sub = gateway.LocalQueueDir
	}
	discipline := persistence.FIFO
	if cfg.QueueDiscipline == config.DisciplineLIFO {
		discipline = persistence.LIFO
	}

	queue, err := persistence.NewFileStore(filepath.Join(cfg.PersistenceDirectory, sub), discipline, cfg.QueueCapBytes)
	if err != nil {
		return err
	}

	// Payloads can be binary (file chunks), so print the envelope only.
	msgs, err := queue.All()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		fmt.Println(msg)
	}
	fmt.Printf("%d messages, %d bytes (%v)\n", queue.Len(), queue.TotalBytes(), discipline)
	return nil
}
