// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "router",
		Name:      "messages_routed_total",
		Help:      "Number of inbound messages matched to a handler, per router.",
	}, []string{"router"})
	metricMessagesUnmatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "router",
		Name:      "messages_unmatched_total",
		Help:      "Number of inbound messages matching no registered pattern, per router.",
	}, []string{"router"})
)
