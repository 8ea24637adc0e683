// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStatusUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "status",
		Name:      "updates_total",
		Help:      "Number of device status updates published to the platform.",
	})
	metricPingsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "status",
		Name:      "pings_sent_total",
		Help:      "Number of keep alive pings sent to the platform.",
	})
)
