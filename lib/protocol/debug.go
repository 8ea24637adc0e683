// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"os"
	"strings"

	"github.com/edgegate/edgegate/lib/logger"
)

var (
	l = logger.DefaultLogger.NewFacility("protocol", "Message encoding and decoding")
)

func init() {
	l.SetDebug("protocol", strings.Contains(os.Getenv("EGTRACE"), "protocol") || os.Getenv("EGTRACE") == "all")
}
