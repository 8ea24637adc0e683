// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRegistrationsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "registry",
		Name:      "registrations_forwarded_total",
		Help:      "Number of registration requests forwarded to the platform.",
	})
	metricRegistrationsAcked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "registry",
		Name:      "registrations_acked_total",
		Help:      "Number of registrations acknowledged by the platform.",
	})
	metricRegistrationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "registry",
		Name:      "registrations_failed_total",
		Help:      "Number of registrations rejected by the platform.",
	})
)
