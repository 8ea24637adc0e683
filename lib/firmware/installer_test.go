// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestExecInstallerRunsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	dir := t.TempDir()
	fw := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(fw, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(dir, "marker")

	// The firmware path is appended as the last argument, so it arrives
	// as $0 of the shell snippet.
	inst := NewExecInstaller(fmt.Sprintf(`/bin/sh -c 'cat "$0" > %s'`, marker))
	if err := inst.Install(fw); err != nil {
		t.Fatal(err)
	}

	bs, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "payload" {
		t.Errorf("installer read %q, expected the firmware contents", string(bs))
	}
}

func TestExecInstallerReportsOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	inst := NewExecInstaller(`/bin/sh -c 'echo flash failed; exit 1'`)
	err := inst.Install("fw.bin")
	if err == nil {
		t.Fatal("no error from a failing installer")
	}
	if !strings.Contains(err.Error(), "flash failed") {
		t.Errorf("error %q does not carry the command output", err)
	}
}

func TestExecInstallerRejectsBadCommands(t *testing.T) {
	if err := NewExecInstaller("").Install("fw.bin"); err == nil {
		t.Error("no error for an empty command")
	}
	if err := NewExecInstaller(`sh -c 'unclosed`).Install("fw.bin"); err == nil {
		t.Error("no error for unbalanced quoting")
	}
}
