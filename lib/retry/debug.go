// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package retry

import (
	"os"
	"strings"

	"github.com/edgegate/edgegate/lib/logger"
)

var (
	l = logger.DefaultLogger.NewFacility("retry", "Request retry tracking")
)

func init() {
	l.SetDebug("retry", strings.Contains(os.Getenv("EGTRACE"), "retry") || os.Getenv("EGTRACE") == "all")
}
