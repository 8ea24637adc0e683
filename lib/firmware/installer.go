// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package firmware

import (
	"fmt"
	"os/exec"

	"github.com/kballard/go-shellquote"
)

// Installer launches a firmware installation from a file. A successful
// installation typically restarts the gateway process; the result is
// reported after the restart by comparing versions.
type Installer interface {
	Install(path string) error
}

// ExecInstaller runs a configured shell command with the firmware file path
// appended as the final argument.
type ExecInstaller struct {
	command string
}

func NewExecInstaller(command string) *ExecInstaller {
	return &ExecInstaller{command: command}
}

func (i *ExecInstaller) Install(path string) error {
	args, err := shellquote.Split(i.command)
	if err != nil {
		return fmt.Errorf("parsing install command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("empty install command")
	}
	args = append(args, path)

	l.Infoln("Running installer:", args)
	cmd := exec.Command(args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("install command: %w: %s", err, out)
		}
		return fmt.Errorf("install command: %w", err)
	}
	return nil
}

func (i *ExecInstaller) String() string {
	return fmt.Sprintf("firmware.ExecInstaller(%q)", i.command)
}
