// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package firmware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInstallsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "firmware",
		Name:      "installs_started_total",
		Help:      "Number of firmware installations started on the gateway.",
	})
	metricInstallsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "firmware",
		Name:      "installs_completed_total",
		Help:      "Number of gateway firmware installations that completed.",
	})
	metricInstallsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "firmware",
		Name:      "installs_failed_total",
		Help:      "Number of gateway firmware installations that failed.",
	})
)
