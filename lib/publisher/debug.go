// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package publisher

import (
	"os"
	"strings"

	"github.com/edgegate/edgegate/lib/logger"
)

var (
	l = logger.DefaultLogger.NewFacility("publisher", "Outbound publishing pipelines")
)

func init() {
	l.SetDebug("publisher", strings.Contains(os.Getenv("EGTRACE"), "publisher") || os.Getenv("EGTRACE") == "all")
}
