package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrCommandFailed is returned when adb exits non-zero or reports an error in its output
	ErrCommandFailed = errors.New("adb command failed")
	// ErrNotFound is returned when the adb binary cannot be executed at all
	ErrNotFound = errors.New("adb not reachable")
)

// DeviceState is one line of `adb devices`
type DeviceState struct {
	Serial string
	State  string // device, unauthorized, offline, ...
}

// Client wraps adb command execution
type Client struct {
	ADBPath string
	log     *zap.SugaredLogger
}

// NewClient creates a new adb client. An empty path means "adb" from PATH.
func NewClient(path string, log *zap.SugaredLogger) *Client {
	if path == "" {
		path = "adb"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		ADBPath: path,
		log:     log,
	}
}

// Run executes adb with the given arguments and returns combined output
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.ADBPath, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return out.String(), fmt.Errorf("%w: adb %s: %v: %s",
			ErrCommandFailed, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// CheckedRun is Run plus the bridge tool convention that any output
// mentioning "error" is a failure even when the exit code is zero
func (c *Client) CheckedRun(ctx context.Context, args ...string) (string, error) {
	out, err := c.Run(ctx, args...)
	if err != nil {
		return out, err
	}
	if strings.Contains(strings.ToLower(out), "error") {
		return out, fmt.Errorf("%w: adb %s: %s", ErrCommandFailed, strings.Join(args, " "), strings.TrimSpace(out))
	}
	return out, nil
}

// Devices runs `adb devices` and returns every listed serial with its state
func (c *Client) Devices(ctx context.Context) ([]DeviceState, error) {
	out, err := c.Run(ctx, "devices")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return parseDeviceList(out), nil
}

// parseDeviceList parses the output of 'adb devices'
func parseDeviceList(output string) []DeviceState {
	var devices []DeviceState
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		// Skip header, daemon chatter and empty lines
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		// Expected format: <serial> <state> [device info]
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		devices = append(devices, DeviceState{Serial: parts[0], State: parts[1]})
	}
	return devices
}

// GetProperty gets a system property from the device
func (c *Client) GetProperty(ctx context.Context, serial, property string) (string, error) {
	out, err := c.Run(ctx, c.target(serial, "shell", "getprop", property)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// APILevel reads ro.build.version.sdk
func (c *Client) APILevel(ctx context.Context, serial string) (int, error) {
	v, err := c.GetProperty(ctx, serial, "ro.build.version.sdk")
	if err != nil {
		return 0, err
	}
	level, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("unexpected sdk level %q: %w", v, err)
	}
	return level, nil
}

// Push pushes a file to the device
func (c *Client) Push(ctx context.Context, serial, localPath, remotePath string) error {
	if _, err := c.CheckedRun(ctx, c.target(serial, "push", localPath, remotePath)...); err != nil {
		return fmt.Errorf("file push failed: %w", err)
	}
	return nil
}

// Forward creates adb port forwarding from local TCP port to remote abstract socket
// Example: adb -s <serial> forward tcp:27183 localabstract:scrcpy
func (c *Client) Forward(ctx context.Context, serial string, localPort int, remoteSocket string) error {
	_, err := c.CheckedRun(ctx, c.target(serial, "forward",
		fmt.Sprintf("tcp:%d", localPort),
		fmt.Sprintf("localabstract:%s", remoteSocket))...)
	if err != nil {
		return fmt.Errorf("adb forward failed: %w", err)
	}
	return nil
}

// RemoveForward removes adb port forwarding for the specified local port
func (c *Client) RemoveForward(ctx context.Context, serial string, localPort int) error {
	_, err := c.CheckedRun(ctx, c.target(serial, "forward", "--remove", fmt.Sprintf("tcp:%d", localPort))...)
	if err != nil {
		return fmt.Errorf("adb forward remove failed: %w", err)
	}
	return nil
}

// Process is a companion process started through `adb shell`
type Process interface {
	Pid() int
	Stop() error
}

type shellProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
	err  error
}

func (p *shellProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Stop kills the process if it is still running and reaps it
func (p *shellProcess) Stop() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
		}
	})
	<-p.done
	return err
}

// StartShell starts a non-blocking shell command on the device.
// The returned Process must be stopped by the caller.
func (c *Client) StartShell(serial string, args []string) (Process, error) {
	// Build full command: adb -s <serial> shell <args...>
	cmd := exec.Command(c.ADBPath, c.target(serial, append([]string{"shell"}, args...)...)...)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start background command: %w", err)
	}

	p := &shellProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		if p.err != nil {
			c.log.Debugw("shell process exited", "serial", serial, "error", p.err)
		}
		close(p.done)
	}()
	return p, nil
}

// Tap sends a tap event to the device
func (c *Client) Tap(ctx context.Context, serial string, x, y int) error {
	if _, err := c.Run(ctx, c.target(serial, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))...); err != nil {
		return fmt.Errorf("tap failed: %w", err)
	}
	return nil
}

// Swipe sends a swipe gesture to the device
func (c *Client) Swipe(ctx context.Context, serial string, x1, y1, x2, y2, duration int) error {
	_, err := c.Run(ctx, c.target(serial, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(duration))...)
	if err != nil {
		return fmt.Errorf("swipe failed: %w", err)
	}
	return nil
}

// Text sends text input to the device
func (c *Client) Text(ctx context.Context, serial, text string) error {
	// input text treats %s as a space
	escaped := strings.ReplaceAll(text, " ", "%s")
	if _, err := c.Run(ctx, c.target(serial, "shell", "input", "text", escaped)...); err != nil {
		return fmt.Errorf("text input failed: %w", err)
	}
	return nil
}

// Key sends a key event to the device
func (c *Client) Key(ctx context.Context, serial string, keycode int) error {
	if _, err := c.Run(ctx, c.target(serial, "shell", "input", "keyevent", strconv.Itoa(keycode))...); err != nil {
		return fmt.Errorf("key event failed: %w", err)
	}
	return nil
}

// target prefixes args with -s <serial> when a serial is given
func (c *Client) target(serial string, args ...string) []string {
	if serial == "" {
		return args
	}
	return append([]string{"-s", serial}, args...)
}
