package adb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestParseDeviceList(t *testing.T) {
	output := "* daemon not running; starting now at tcp:5037\n" +
		"* daemon started successfully\n" +
		"List of devices attached\n" +
		"R58M123ABC\tdevice\n" +
		"emulator-5554\tunauthorized\n" +
		"\n" +
		"garbage\n"

	devices := parseDeviceList(output)
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d: %+v", len(devices), devices)
	}
	if devices[0].Serial != "R58M123ABC" || devices[0].State != "device" {
		t.Errorf("unexpected first device: %+v", devices[0])
	}
	if devices[1].Serial != "emulator-5554" || devices[1].State != "unauthorized" {
		t.Errorf("unexpected second device: %+v", devices[1])
	}
}

func TestTargetPrefixesSerial(t *testing.T) {
	c := NewClient("", nil)
	if c.ADBPath != "adb" {
		t.Errorf("expected default path adb, got %q", c.ADBPath)
	}

	args := c.target("ABC", "forward", "--remove", "tcp:27183")
	want := []string{"-s", "ABC", "forward", "--remove", "tcp:27183"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d: expected %q, got %q", i, want[i], args[i])
		}
	}

	if got := c.target("", "devices"); len(got) != 1 || got[0] != "devices" {
		t.Errorf("expected bare args without serial, got %v", got)
	}
}

// fakeADB writes a shell script that prints output and exits with code
func fakeADB(t *testing.T, output string, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "adb")
	script := "#!/bin/sh\nprintf '%s' '" + output + "'\nexit " + string(rune('0'+code)) + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake adb: %v", err)
	}
	return path
}

func TestCheckedRunTreatsErrorOutputAsFailure(t *testing.T) {
	c := NewClient(fakeADB(t, "adb: error: cannot bind listener", 0), nil)

	if _, err := c.Run(context.Background(), "forward", "tcp:27183", "localabstract:scrcpy"); err != nil {
		t.Fatalf("plain Run should only look at the exit code, got %v", err)
	}

	_, err := c.CheckedRun(context.Background(), "forward", "tcp:27183", "localabstract:scrcpy")
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}

	if err := c.Forward(context.Background(), "ABC", 27183, "scrcpy"); !errors.Is(err, ErrCommandFailed) {
		t.Errorf("expected Forward to fail, got %v", err)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	c := NewClient(fakeADB(t, "boom", 1), nil)
	if _, err := c.Run(context.Background(), "devices"); !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
}

func TestRunMissingBinary(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "no-such-adb"), nil)
	if _, err := c.Devices(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunNonExecutableBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("execute bits are a POSIX concept")
	}
	path := filepath.Join(t.TempDir(), "adb")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0644); err != nil {
		t.Fatalf("write fake adb: %v", err)
	}
	c := NewClient(path, nil)
	if _, err := c.Run(context.Background(), "devices"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDevicesAndAPILevel(t *testing.T) {
	c := NewClient(fakeADB(t, "List of devices attached\nSER1\tdevice\n", 0), nil)
	devices, err := c.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].Serial != "SER1" {
		t.Fatalf("unexpected devices: %+v", devices)
	}

	c = NewClient(fakeADB(t, "33\n", 0), nil)
	level, err := c.APILevel(context.Background(), "SER1")
	if err != nil {
		t.Fatalf("APILevel failed: %v", err)
	}
	if level != 33 {
		t.Errorf("expected api level 33, got %d", level)
	}
}

func TestStartShellStop(t *testing.T) {
	path := fakeADB(t, "", 0)
	// replace the fake with a long-running one
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 30\n"), 0755); err != nil {
		t.Fatalf("write fake adb: %v", err)
	}
	c := NewClient(path, nil)

	p, err := c.StartShell("SER1", []string{"app_process"})
	if err != nil {
		t.Fatalf("StartShell failed: %v", err)
	}
	if p.Pid() <= 0 {
		t.Errorf("expected a pid, got %d", p.Pid())
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	// second stop is a no-op
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}
