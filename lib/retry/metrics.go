// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRepublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "retry",
		Name:      "republished_total",
		Help:      "Number of requests republished after their response timed out.",
	})
	metricGivenUp = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "retry",
		Name:      "given_up_total",
		Help:      "Number of requests abandoned after exhausting their retries.",
	})
)
