// Copyright (C) 2024 The Edgegate Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package firmware

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/edgegate/edgegate/lib/events"
	"github.com/edgegate/edgegate/lib/files"
	"github.com/edgegate/edgegate/lib/protocol"
)

const (
	testGateway    = "GW"
	statusChannel  = "d2p/firmware_update_status/d/GW"
	versionChannel = "d2p/firmware_version/d/GW"
)

type outboundRecorder struct {
	mut  stdsync.Mutex
	msgs []protocol.Message
}

func (r *outboundRecorder) AddMessage(msg protocol.Message) {
	r.mut.Lock()
	r.msgs = append(r.msgs, msg)
	r.mut.Unlock()
}

func (r *outboundRecorder) count() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.msgs)
}

func (r *outboundRecorder) on(ch string) []protocol.Message {
	r.mut.Lock()
	defer r.mut.Unlock()
	var out []protocol.Message
	for _, m := range r.msgs {
		if m.Channel == ch {
			out = append(out, m)
		}
	}
	return out
}

type fakeInstaller struct {
	mut   stdsync.Mutex
	err   error
	paths []string
}

func (f *fakeInstaller) Install(path string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.paths = append(f.paths, path)
	return f.err
}

func (f *fakeInstaller) installed() []string {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]string(nil), f.paths...)
}

type statusBody struct {
	Status string `json:"status"`
	Error  *int   `json:"error"`
}

func statuses(t *testing.T, rec *outboundRecorder, ch string) []statusBody {
	t.Helper()
	var out []statusBody
	for _, m := range rec.on(ch) {
		var b statusBody
		if err := json.Unmarshal(m.Payload, &b); err != nil {
			t.Fatal(err)
		}
		out = append(out, b)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestService returns a service over a fresh download directory. The
// version sentinel lives outside the download directory, as in production.
func newTestService(t *testing.T, inst Installer, version string) (*Service, *outboundRecorder, *outboundRecorder, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := files.NewDirectoryRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	platform := &outboundRecorder{}
	local := &outboundRecorder{}
	sentinel := filepath.Join(t.TempDir(), VersionFileName)
	svc := NewService(testGateway, protocol.NewFirmwareProtocol(testGateway), repo, platform, local, inst, version, sentinel, dir, events.NewLogger())
	return svc, platform, local, dir
}

func writeFirmware(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func installCommand(t *testing.T, keys []string, fileName string) protocol.Message {
	t.Helper()
	bs, err := json.Marshal(protocol.InstallCommand{DeviceKeys: keys, FileName: fileName})
	if err != nil {
		t.Fatal(err)
	}
	return protocol.NewMessage("p2d/firmware_update_install/d/"+keys[0], bs)
}

func TestGatewayInstall(t *testing.T) {
	inst := &fakeInstaller{}
	svc, platform, _, dir := newTestService(t, inst, "2.0.0")
	writeFirmware(t, dir, "fw.bin", []byte("firmware"))

	svc.HandlePlatformMessage(installCommand(t, []string{testGateway}, "fw.bin"))

	sts := statuses(t, platform, statusChannel)
	if len(sts) != 1 || sts[0].Status != string(protocol.UpdateInstallation) {
		t.Fatalf("statuses %v, expected a single INSTALLATION", sts)
	}

	bs, err := os.ReadFile(svc.versionFile)
	if err != nil {
		t.Fatal("version sentinel not written:", err)
	}
	if string(bs) != "2.0.0" {
		t.Errorf("sentinel records %q, expected the running version", string(bs))
	}

	waitFor(t, "the installer to run", func() bool {
		return len(inst.installed()) == 1
	})
	if got := inst.installed()[0]; got != filepath.Join(dir, "fw.bin") {
		t.Errorf("installer received %q, expected the firmware path", got)
	}
}

func TestGatewayInstallFailure(t *testing.T) {
	inst := &fakeInstaller{err: errors.New("flash write failed")}
	svc, platform, _, dir := newTestService(t, inst, "2.0.0")
	writeFirmware(t, dir, "fw.bin", []byte("firmware"))

	svc.HandlePlatformMessage(installCommand(t, []string{testGateway}, "fw.bin"))

	waitFor(t, "the failure to be reported", func() bool {
		return len(statuses(t, platform, statusChannel)) == 2
	})
	sts := statuses(t, platform, statusChannel)
	if sts[1].Status != string(protocol.UpdateError) {
		t.Fatalf("second status %q, expected ERROR", sts[1].Status)
	}
	if sts[1].Error == nil || *sts[1].Error != int(protocol.ErrorInstallationFailed) {
		t.Errorf("error code %v, expected INSTALLATION_FAILED", sts[1].Error)
	}
	if _, err := os.Stat(svc.versionFile); !os.IsNotExist(err) {
		t.Error("version sentinel survived a failed installation")
	}
}

func TestInstallRequiresInstallerAndVersion(t *testing.T) {
	svc, platform, _, dir := newTestService(t, nil, "2.0.0")
	writeFirmware(t, dir, "fw.bin", []byte("firmware"))
	svc.HandlePlatformMessage(installCommand(t, []string{testGateway}, "fw.bin"))

	sts := statuses(t, platform, statusChannel)
	if len(sts) != 1 || sts[0].Status != string(protocol.UpdateError) {
		t.Fatalf("statuses %v, expected a single ERROR", sts)
	}
	if sts[0].Error == nil || *sts[0].Error != int(protocol.ErrorFileUploadDisabled) {
		t.Errorf("error code %v, expected FILE_UPLOAD_DISABLED", sts[0].Error)
	}
	if _, err := os.Stat(svc.versionFile); !os.IsNotExist(err) {
		t.Error("version sentinel written without an installer")
	}

	// An installer without a known running version is equally useless.
	svc, platform, _, dir = newTestService(t, &fakeInstaller{}, "")
	writeFirmware(t, dir, "fw.bin", []byte("firmware"))
	svc.HandlePlatformMessage(installCommand(t, []string{testGateway}, "fw.bin"))

	sts = statuses(t, platform, statusChannel)
	if len(sts) != 1 || sts[0].Error == nil || *sts[0].Error != int(protocol.ErrorFileUploadDisabled) {
		t.Fatalf("statuses %v, expected FILE_UPLOAD_DISABLED", sts)
	}
}

func TestInstallFileNotPresent(t *testing.T) {
	inst := &fakeInstaller{}
	svc, platform, _, _ := newTestService(t, inst, "2.0.0")

	svc.HandlePlatformMessage(installCommand(t, []string{testGateway}, "fw.bin"))

	sts := statuses(t, platform, statusChannel)
	if len(sts) != 1 || sts[0].Status != string(protocol.UpdateError) {
		t.Fatalf("statuses %v, expected a single ERROR", sts)
	}
	if sts[0].Error == nil || *sts[0].Error != int(protocol.ErrorFileNotPresent) {
		t.Errorf("error code %v, expected FILE_NOT_PRESENT", sts[0].Error)
	}
	if got := inst.installed(); len(got) != 0 {
		t.Error("installer ran without the file")
	}
}

func TestInstallForwardedToSubdevices(t *testing.T) {
	svc, platform, local, _ := newTestService(t, &fakeInstaller{}, "2.0.0")

	svc.HandlePlatformMessage(installCommand(t, []string{"dev1", "dev2"}, "fw.bin"))

	for _, key := range []string{"dev1", "dev2"} {
		msgs := local.on("p2d/firmware_update_install/d/" + key)
		if len(msgs) != 1 {
			t.Fatalf("%d install commands for %s, expected 1", len(msgs), key)
		}
		var cmd protocol.InstallCommand
		if err := json.Unmarshal(msgs[0].Payload, &cmd); err != nil {
			t.Fatal(err)
		}
		if len(cmd.DeviceKeys) != 1 || cmd.DeviceKeys[0] != key || cmd.FileName != "fw.bin" {
			t.Errorf("forwarded command %+v, expected a single-key command for %s", cmd, key)
		}
	}
	if platform.count() != 0 {
		t.Errorf("%d messages went upward for a subdevice install", platform.count())
	}
}

func TestAbortForwarded(t *testing.T) {
	svc, platform, local, _ := newTestService(t, &fakeInstaller{}, "2.0.0")

	bs, _ := json.Marshal(protocol.AbortCommand{DeviceKeys: []string{"dev1", testGateway}})
	svc.HandlePlatformMessage(protocol.NewMessage("p2d/firmware_update_abort/d/dev1", bs))

	if msgs := local.on("p2d/firmware_update_abort/d/dev1"); len(msgs) != 1 {
		t.Fatalf("%d abort commands forwarded, expected 1", len(msgs))
	}
	// The gateway's own key is silently skipped.
	if local.count() != 1 {
		t.Errorf("%d messages went downward, expected 1", local.count())
	}
	if platform.count() != 0 {
		t.Errorf("%d messages went upward for an abort", platform.count())
	}
}

func TestSubdeviceReportsRelayed(t *testing.T) {
	svc, platform, _, _ := newTestService(t, nil, "")

	st, _ := json.Marshal(map[string]string{"status": "INSTALLATION"})
	svc.HandleDeviceMessage(protocol.NewMessage("d2p/firmware_update_status/d/dev1", st))
	ver, _ := json.Marshal(map[string]string{"deviceKey": "dev1", "version": "0.3"})
	svc.HandleDeviceMessage(protocol.NewMessage("d2p/firmware_version/d/dev1", ver))
	svc.HandleDeviceMessage(protocol.NewMessage("d2p/firmware_update_status/d/dev1", []byte("not json")))

	msgs := platform.on("d2p/firmware_update_status/d/dev1")
	if len(msgs) != 1 {
		t.Fatalf("%d statuses relayed, expected 1", len(msgs))
	}
	if !bytes.Equal(msgs[0].Payload, st) {
		t.Error("status payload modified in transit")
	}
	if msgs := platform.on("d2p/firmware_version/d/dev1"); len(msgs) != 1 {
		t.Fatalf("%d version reports relayed, expected 1", len(msgs))
	}
}

func TestReportResultAfterUpgrade(t *testing.T) {
	svc, platform, _, _ := newTestService(t, &fakeInstaller{}, "2.0.0")
	if err := os.WriteFile(svc.versionFile, []byte("1.0.0"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc.ReportResult()

	sts := statuses(t, platform, statusChannel)
	if len(sts) != 1 || sts[0].Status != string(protocol.UpdateCompleted) {
		t.Fatalf("statuses %v, expected a single COMPLETED", sts)
	}
	if _, err := os.Stat(svc.versionFile); !os.IsNotExist(err) {
		t.Error("version sentinel not cleaned up")
	}
}

func TestReportResultVersionUnchanged(t *testing.T) {
	svc, platform, _, _ := newTestService(t, &fakeInstaller{}, "2.0.0")
	if err := os.WriteFile(svc.versionFile, []byte("2.0.0"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc.ReportResult()

	sts := statuses(t, platform, statusChannel)
	if len(sts) != 1 || sts[0].Status != string(protocol.UpdateError) {
		t.Fatalf("statuses %v, expected a single ERROR", sts)
	}
	if sts[0].Error == nil || *sts[0].Error != int(protocol.ErrorInstallationFailed) {
		t.Errorf("error code %v, expected INSTALLATION_FAILED", sts[0].Error)
	}
	if _, err := os.Stat(svc.versionFile); !os.IsNotExist(err) {
		t.Error("version sentinel not cleaned up")
	}
}

func TestReportResultWithoutAttempt(t *testing.T) {
	svc, platform, _, _ := newTestService(t, &fakeInstaller{}, "2.0.0")

	svc.ReportResult()

	if platform.count() != 0 {
		t.Errorf("%d messages published without an installation attempt", platform.count())
	}
}

func TestPublishVersion(t *testing.T) {
	svc, platform, _, _ := newTestService(t, nil, "2.0.0")
	svc.PublishVersion()

	msgs := platform.on(versionChannel)
	if len(msgs) != 1 {
		t.Fatalf("%d version reports published, expected 1", len(msgs))
	}
	var body struct {
		DeviceKey string `json:"deviceKey"`
		Version   string `json:"version"`
	}
	if err := json.Unmarshal(msgs[0].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.DeviceKey != testGateway || body.Version != "2.0.0" {
		t.Errorf("published %+v, expected the gateway version", body)
	}

	svc, platform, _, _ = newTestService(t, nil, "")
	svc.PublishVersion()
	if platform.count() != 0 {
		t.Error("a version report was published with no version configured")
	}
}
