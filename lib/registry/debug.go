// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package registry

import (
	"os"
	"strings"

	"github.com/edgegate/edgegate/lib/logger"
)

var (
	l = logger.DefaultLogger.NewFacility("registry", "Device registration lifecycle")
)

func init() {
	l.SetDebug("registry", strings.Contains(os.Getenv("EGTRACE"), "registry") || os.Getenv("EGTRACE") == "all")
}
