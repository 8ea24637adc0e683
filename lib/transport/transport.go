// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport abstracts the broker connections of the gateway. Both
// the platform side and the local side speak MQTT, but everything above this
// package sees only the Transport interface.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgegate/edgegate/lib/sync"
)

// Blocking operations time out after this long. Reconnection is driven by
// the publishing pipelines, not by the transport.
const actionTimeout = 2 * time.Second

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrTimeout      = errors.New("transport operation timed out")
)

// Transport is one broker connection. Message and connection loss handlers
// must be installed before Connect.
type Transport interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	SetLastWill(channel string, payload []byte)
	Subscribe(channel string) error
	Publish(channel string, payload []byte) error
	HandleMessage(fn func(channel string, payload []byte))
	HandleConnectionLost(fn func(err error))
}

// Options describe one broker connection.
type Options struct {
	URI        string
	ClientID   string
	Username   string
	Password   string
	TrustStore string // path to a PEM bundle; empty means the system pool
	KeepAlive  time.Duration
}

// MQTT is the paho backed Transport. All published and subscribed traffic
// uses QoS 1, so Publish returns only once the broker has confirmed.
type MQTT struct {
	opts    Options
	tlsCfg  *tls.Config
	client  mqtt.Client
	mut     sync.Mutex
	subs    map[string]struct{}
	will    *will
	receive func(channel string, payload []byte)
	lost    func(err error)
}

type will struct {
	channel string
	payload []byte
}

// NewMQTT prepares a broker connection. A configured trust store is loaded
// here so a bad path fails at startup rather than at connect time.
func NewMQTT(opts Options) (*MQTT, error) {
	t := &MQTT{
		opts: opts,
		mut:  sync.NewMutex(),
		subs: make(map[string]struct{}),
	}
	if opts.TrustStore != "" {
		pem, err := os.ReadFile(opts.TrustStore)
		if err != nil {
			return nil, fmt.Errorf("loading trust store: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("loading trust store: no certificates in %s", opts.TrustStore)
		}
		t.tlsCfg = &tls.Config{RootCAs: pool}
	}
	return t, nil
}

// SetLastWill registers the broker side last will, delivered on ungraceful
// disconnect. It takes effect on the next Connect.
func (t *MQTT) SetLastWill(channel string, payload []byte) {
	t.mut.Lock()
	t.will = &will{channel: channel, payload: payload}
	t.mut.Unlock()
}

// HandleMessage installs the receive callback for all subscriptions.
func (t *MQTT) HandleMessage(fn func(channel string, payload []byte)) {
	t.mut.Lock()
	t.receive = fn
	t.mut.Unlock()
}

// HandleConnectionLost installs the connection loss callback.
func (t *MQTT) HandleConnectionLost(fn func(err error)) {
	t.mut.Lock()
	t.lost = fn
	t.mut.Unlock()
}

// Connect dials the broker. On reconnection all previously subscribed
// channels are subscribed again before anything else happens.
func (t *MQTT) Connect() error {
	t.mut.Lock()
	if t.client == nil {
		t.client = mqtt.NewClient(t.clientOptions())
	}
	client := t.client
	t.mut.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(actionTimeout) {
		return fmt.Errorf("connecting to %s: %w", t.opts.URI, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", t.opts.URI, err)
	}
	return nil
}

func (t *MQTT) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.opts.URI)
	opts.SetClientID(t.opts.ClientID)
	opts.SetConnectTimeout(actionTimeout)
	opts.SetKeepAlive(t.opts.KeepAlive)
	opts.SetCleanSession(true)
	// The publishing pipelines own the reconnect loop.
	opts.SetAutoReconnect(false)
	if t.opts.Username != "" {
		opts.SetUsername(t.opts.Username)
		opts.SetPassword(t.opts.Password)
	}
	if t.tlsCfg != nil {
		opts.SetTLSConfig(t.tlsCfg)
	}
	if t.will != nil {
		opts.SetBinaryWill(t.will.channel, t.will.payload, 1, false)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		l.Infoln("Connected to", t.opts.URI)
		t.resubscribe()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.Infof("Connection to %s lost: %v", t.opts.URI, err)
		t.mut.Lock()
		lost := t.lost
		t.mut.Unlock()
		if lost != nil {
			lost(err)
		}
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		t.dispatch(msg.Topic(), msg.Payload())
	})
	return opts
}

// Disconnect closes the connection, allowing a short grace period for
// in-flight messages.
func (t *MQTT) Disconnect() {
	t.mut.Lock()
	client := t.client
	t.mut.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

func (t *MQTT) IsConnected() bool {
	t.mut.Lock()
	client := t.client
	t.mut.Unlock()
	return client != nil && client.IsConnected()
}

// Subscribe adds a channel subscription. Subscriptions taken while
// disconnected are applied on connect, and all of them are reapplied on
// every reconnect.
func (t *MQTT) Subscribe(channel string) error {
	t.mut.Lock()
	t.subs[channel] = struct{}{}
	client := t.client
	t.mut.Unlock()

	if client == nil || !client.IsConnected() {
		return nil
	}
	token := client.Subscribe(channel, 1, func(_ mqtt.Client, msg mqtt.Message) {
		t.dispatch(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(actionTimeout) {
		return fmt.Errorf("subscribing to %s: %w", channel, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	l.Debugln("subscribed to", channel, "on", t.opts.URI)
	return nil
}

func (t *MQTT) resubscribe() {
	t.mut.Lock()
	subs := make([]string, 0, len(t.subs))
	for ch := range t.subs {
		subs = append(subs, ch)
	}
	client := t.client
	t.mut.Unlock()

	for _, ch := range subs {
		token := client.Subscribe(ch, 1, func(_ mqtt.Client, msg mqtt.Message) {
			t.dispatch(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(actionTimeout) || token.Error() != nil {
			l.Warnf("Resubscribing to %s on %s: %v", ch, t.opts.URI, token.Error())
		}
	}
}

// Publish sends a message and waits for broker confirmation.
func (t *MQTT) Publish(channel string, payload []byte) error {
	t.mut.Lock()
	client := t.client
	t.mut.Unlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}
	token := client.Publish(channel, 1, false, payload)
	if !token.WaitTimeout(actionTimeout) {
		return fmt.Errorf("publishing on %s: %w", channel, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing on %s: %w", channel, err)
	}
	return nil
}

func (t *MQTT) dispatch(channel string, payload []byte) {
	t.mut.Lock()
	receive := t.receive
	t.mut.Unlock()
	if receive == nil {
		l.Debugln("dropping message on", channel, "without a receive handler")
		return
	}
	receive(channel, payload)
}

func (t *MQTT) String() string {
	return fmt.Sprintf("MQTT@%s", t.opts.URI)
}
