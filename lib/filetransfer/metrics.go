// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package filetransfer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransfersStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "filetransfer",
		Name:      "transfers_started_total",
		Help:      "Number of file transfers started, chunked and URL together.",
	})
	metricTransfersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "filetransfer",
		Name:      "transfers_completed_total",
		Help:      "Number of file transfers completed and recorded.",
	})
	metricTransfersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "filetransfer",
		Name:      "transfers_failed_total",
		Help:      "Number of file transfers abandoned with an error.",
	})
	metricChunksRetried = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "filetransfer",
		Name:      "chunks_retried_total",
		Help:      "Number of chunk requests repeated after a failed attempt.",
	})
)
