// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "publisher",
		Name:      "messages_published_total",
		Help:      "Number of messages confirmed by the broker, per direction.",
	}, []string{"publisher"})
	metricMessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "publisher",
		Name:      "messages_persisted_total",
		Help:      "Number of messages buffered to persistence, per direction.",
	}, []string{"publisher"})
	metricMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "publisher",
		Name:      "messages_dropped_total",
		Help:      "Number of messages lost because they could not be buffered, per direction.",
	}, []string{"publisher"})
	metricConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "publisher",
		Name:      "connect_failures_total",
		Help:      "Number of failed broker connection attempts, per direction.",
	}, []string{"publisher"})
)
