// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading and writing of the gateway configuration
// file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	DefaultPlatformKeepAliveSeconds = 60
	DefaultPublishIntervalSeconds   = 5
	DefaultKeepAliveSeconds         = 60
	DefaultMaxFileSize              = 100 << 20 // 100 MiB
	DefaultMaxPacketSize            = 64 << 10  // 64 KiB
	DefaultPersistenceDirectory     = "persistence"
	DefaultDatabaseDirectory        = "db"
	DefaultDownloadDirectory        = "files"
)

// Discipline names accepted in the queueDiscipline field.
const (
	DisciplineFIFO = "fifo"
	DisciplineLIFO = "lifo"
)

// File store names accepted in the fileStore field.
const (
	FileStoreDirectory = "directory"
	FileStoreSQLite    = "sqlite"
)

// Configuration is the root of the gateway configuration document.
type Configuration struct {
	Key                          string `json:"key"`
	Password                     string `json:"password"`
	PlatformMQTTURI              string `json:"platformMqttUri"`
	LocalMQTTURI                 string `json:"localMqttUri,omitempty"`
	PlatformTrustStore           string `json:"platformTrustStore,omitempty"`
	PlatformMQTTKeepAliveSeconds int    `json:"platformMqttKeepAliveSeconds,omitempty"`

	LocalMQTTUsername string `json:"localMqttUsername,omitempty"`
	LocalMQTTPassword string `json:"localMqttPassword,omitempty"`

	PersistenceDirectory string `json:"persistenceDirectory,omitempty"`
	DatabaseDirectory    string `json:"databaseDirectory,omitempty"`
	DownloadDirectory    string `json:"downloadDirectory,omitempty"`

	QueueDiscipline        string `json:"queueDiscipline,omitempty"`
	QueueCapBytes          int64  `json:"queueCapBytes,omitempty"`
	PublishIntervalSeconds int    `json:"publishIntervalSeconds,omitempty"`

	KeepAliveDisabled        bool `json:"keepAliveDisabled,omitempty"`
	KeepAliveIntervalSeconds int  `json:"keepAliveIntervalSeconds,omitempty"`

	MaxFileSize   int64  `json:"maxFileSize,omitempty"`
	MaxPacketSize int64  `json:"maxPacketSize,omitempty"`
	FileStore     string `json:"fileStore,omitempty"`

	FirmwareVersion        string `json:"firmwareVersion,omitempty"`
	FirmwareInstallCommand string `json:"firmwareInstallCommand,omitempty"`
}

// Load reads the configuration at the given path. A missing or unreadable
// file, malformed JSON, or a missing required field results in an error.
func Load(path string) (Configuration, error) {
	var cfg Configuration

	bs, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}

	if err := json.Unmarshal(bs, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.prepare(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}

	l.Debugf("Loaded configuration from %s (gateway key %q)", path, cfg.Key)
	return cfg, nil
}

// Save writes the configuration to the given path, pretty printed.
func (cfg Configuration) Save(path string) error {
	bs, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	bs = append(bs, '\n')
	if err := os.WriteFile(path, bs, 0o600); err != nil {
		return fmt.Errorf("saving config %s: %w", path, err)
	}
	return nil
}

// prepare validates required fields and fills in defaults.
func (cfg *Configuration) prepare() error {
	if cfg.Key == "" {
		return fmt.Errorf("required field %q missing", "key")
	}
	if cfg.Password == "" {
		return fmt.Errorf("required field %q missing", "password")
	}
	if cfg.PlatformMQTTURI == "" {
		return fmt.Errorf("required field %q missing", "platformMqttUri")
	}

	if cfg.PlatformMQTTKeepAliveSeconds <= 0 {
		cfg.PlatformMQTTKeepAliveSeconds = DefaultPlatformKeepAliveSeconds
	}
	if cfg.PublishIntervalSeconds <= 0 {
		cfg.PublishIntervalSeconds = DefaultPublishIntervalSeconds
	}
	if cfg.KeepAliveIntervalSeconds <= 0 {
		cfg.KeepAliveIntervalSeconds = DefaultKeepAliveSeconds
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	// Each transferred packet carries two 32 byte hashes around the data.
	if cfg.MaxPacketSize <= 64 {
		return fmt.Errorf("maxPacketSize must exceed 64 bytes, got %d", cfg.MaxPacketSize)
	}

	if cfg.PersistenceDirectory == "" {
		cfg.PersistenceDirectory = DefaultPersistenceDirectory
	}
	if cfg.DatabaseDirectory == "" {
		cfg.DatabaseDirectory = DefaultDatabaseDirectory
	}
	if cfg.DownloadDirectory == "" {
		cfg.DownloadDirectory = DefaultDownloadDirectory
	}

	switch strings.ToLower(cfg.QueueDiscipline) {
	case "":
		cfg.QueueDiscipline = DisciplineFIFO
	case DisciplineFIFO, DisciplineLIFO:
		cfg.QueueDiscipline = strings.ToLower(cfg.QueueDiscipline)
	default:
		return fmt.Errorf("unknown queueDiscipline %q", cfg.QueueDiscipline)
	}
	if cfg.QueueCapBytes < 0 {
		return fmt.Errorf("queueCapBytes must not be negative, got %d", cfg.QueueCapBytes)
	}

	switch strings.ToLower(cfg.FileStore) {
	case "":
		cfg.FileStore = FileStoreDirectory
	case FileStoreDirectory, FileStoreSQLite:
		cfg.FileStore = strings.ToLower(cfg.FileStore)
	default:
		return fmt.Errorf("unknown fileStore %q", cfg.FileStore)
	}

	return nil
}

// Standalone reports whether the gateway runs without a local broker.
func (cfg Configuration) Standalone() bool {
	return cfg.LocalMQTTURI == ""
}

func (cfg Configuration) PlatformKeepAlive() time.Duration {
	return time.Duration(cfg.PlatformMQTTKeepAliveSeconds) * time.Second
}

func (cfg Configuration) PublishInterval() time.Duration {
	return time.Duration(cfg.PublishIntervalSeconds) * time.Second
}

func (cfg Configuration) KeepAliveInterval() time.Duration {
	return time.Duration(cfg.KeepAliveIntervalSeconds) * time.Second
}
