package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mirrolink/models"
)

// SessionLog persists one row per capture session
type SessionLog interface {
	SessionStarted(serial string, cfg models.StreamConfig, at time.Time) (int64, error)
	SessionEnded(id int64, at time.Time, frames int64, reason string) error
}

// SessionOptions controls automatic start and restart
type SessionOptions struct {
	Defaults       models.StreamConfig
	AutoStart      bool // start mirroring when a device is plugged in and none is selected
	AutoRestart    bool
	MaxRestarts    int
	RestartBackoff time.Duration // doubled per attempt: 2x, 4x, 8x...
	StableAfter    time.Duration // a session this long resets the restart counter
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Defaults:       models.StreamConfig{Width: 1280, Height: 720, MaxFPS: 60, Bitrate: models.DefaultBitrate},
		AutoRestart:    true,
		MaxRestarts:    3,
		RestartBackoff: time.Second,
		StableAfter:    5 * time.Second,
	}
}

// SessionStatus is the externally visible state of the controller
type SessionStatus struct {
	Device     *models.Device      `json:"device,omitempty"`
	State      string              `json:"state"`
	Config     models.StreamConfig `json:"config"`
	Recording  bool                `json:"recording"`
	RecordPath string              `json:"record_path,omitempty"`
	Stats      CaptureStats        `json:"stats"`
	Restarts   int                 `json:"restarts"`
	LastError  string              `json:"last_error,omitempty"`
}

// SessionController wires the device monitor to the capture loop. It is
// the single owner of device selection and session lifecycle.
type SessionController struct {
	monitor *DeviceMonitor
	capture *CaptureLoop
	history SessionLog
	opts    SessionOptions
	log     *zap.SugaredLogger

	mu         sync.Mutex
	restarts   int
	sessionID  int64
	stoppedGen uint64 // last generation ended on purpose
	userEpoch  uint64 // bumped by every user or unplug action; a pending restart yields to it

	asyncMu sync.Mutex // closed and wg.Add
	closed  bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewSessionController(monitor *DeviceMonitor, capture *CaptureLoop, history SessionLog, opts SessionOptions, log *zap.SugaredLogger) *SessionController {
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 5 * time.Second
	}
	c := &SessionController{
		monitor: monitor,
		capture: capture,
		history: history,
		opts:    opts,
		log:     log,
		stop:    make(chan struct{}),
	}
	monitor.OnDeviceConnected(c.handleDeviceConnected)
	monitor.OnDeviceDisconnected(c.handleDeviceDisconnected)
	capture.OnExit(c.handleCaptureExit)
	return c
}

// goAsync runs fn off the caller's goroutine unless the controller is closed
func (c *SessionController) goAsync(fn func()) {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Connect selects a device. A session on another device is stopped first.
func (c *SessionController) Connect(serial string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userEpoch++

	if _, ok := c.monitor.Device(serial); !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}
	if cur, ok := c.monitor.CurrentDevice(); ok && cur.Serial != serial {
		c.stopLocked("device switched")
	}
	if err := c.monitor.ConnectDevice(serial); err != nil {
		return err
	}
	c.log.Infof("📱 [%s] Device selected", serial)
	return nil
}

// Disconnect stops the session and clears the selection
func (c *SessionController) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userEpoch++
	c.stopLocked("device released")
	c.monitor.DisconnectDevice()
}

// Start mirrors the selected device with cfg. A zero cfg uses the defaults.
func (c *SessionController) Start(ctx context.Context, cfg models.StreamConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userEpoch++

	dev, ok := c.monitor.CurrentDevice()
	if !ok {
		return ErrNoDeviceSelected
	}
	c.restarts = 0
	return c.startLocked(ctx, dev.Serial, c.withDefaults(cfg))
}

func (c *SessionController) withDefaults(cfg models.StreamConfig) models.StreamConfig {
	if cfg.Width == 0 && cfg.Height == 0 && cfg.MaxFPS == 0 {
		rec, path := cfg.Record, cfg.RecordPath
		cfg = c.opts.Defaults
		cfg.Record, cfg.RecordPath = rec, path
	}
	return cfg
}

func (c *SessionController) startLocked(ctx context.Context, serial string, cfg models.StreamConfig) error {
	// a run that ended on its own may still have its row open
	if c.capture.IsActive() {
		c.endSession("restarted")
	} else {
		c.endSession("connection lost")
	}
	c.stoppedGen = c.capture.Generation()
	if err := c.capture.Start(ctx, serial, cfg); err != nil {
		return err
	}
	c.openSession(serial)
	return nil
}

// openSession writes the history row for a session that just started
func (c *SessionController) openSession(serial string) {
	if c.history == nil {
		return
	}
	id, err := c.history.SessionStarted(serial, c.capture.Config(), time.Now())
	if err != nil {
		c.log.Warnf("⚠️ [%s] Failed to record session start: %v", serial, err)
	}
	c.sessionID = id
}

// Stop ends the session but keeps the device selected
func (c *SessionController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userEpoch++
	c.stopLocked("stopped")
}

func (c *SessionController) stopLocked(reason string) {
	c.endSession(reason)
	c.stoppedGen = c.capture.Generation()
	c.capture.Stop()
}

// endSession closes the history row of the current session, if any
func (c *SessionController) endSession(reason string) {
	if c.history == nil || c.sessionID == 0 {
		return
	}
	if err := c.history.SessionEnded(c.sessionID, time.Now(), c.capture.Stats().FramesDecoded, reason); err != nil {
		c.log.Warnf("⚠️ Failed to record session end: %v", err)
	}
	c.sessionID = 0
}

// UpdateConfig restarts the session with cfg
func (c *SessionController) UpdateConfig(ctx context.Context, cfg models.StreamConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userEpoch++

	dev, ok := c.monitor.CurrentDevice()
	if !ok {
		return ErrNoDeviceSelected
	}
	if c.capture.Serial() != dev.Serial {
		return c.startLocked(ctx, dev.Serial, cfg)
	}

	c.endSession("reconfigured")
	c.stoppedGen = c.capture.Generation()
	if err := c.capture.UpdateConfig(ctx, cfg); err != nil {
		return err
	}
	c.openSession(dev.Serial)
	return nil
}

func (c *SessionController) StartRecording(path string) error {
	return c.capture.StartRecording(path)
}

func (c *SessionController) StopRecording() error {
	return c.capture.StopRecording()
}

// SetFrameCallback forwards decoded frames to fn
func (c *SessionController) SetFrameCallback(fn FrameCallback) {
	c.capture.SetFrameCallback(fn)
}

// CurrentDevice returns the selected device
func (c *SessionController) CurrentDevice() (models.Device, bool) {
	return c.monitor.CurrentDevice()
}

// Devices lists attached devices
func (c *SessionController) Devices() []models.Device {
	return c.monitor.ConnectedDevices()
}

func (c *SessionController) Status() SessionStatus {
	c.mu.Lock()
	restarts := c.restarts
	c.mu.Unlock()

	st := SessionStatus{
		State:      c.capture.State().String(),
		Config:     c.capture.Config(),
		RecordPath: c.capture.RecordingPath(),
		Stats:      c.capture.Stats(),
		Restarts:   restarts,
	}
	st.Recording = st.RecordPath != ""
	if dev, ok := c.monitor.CurrentDevice(); ok {
		st.Device = &dev
	}
	if err := c.capture.Err(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

func (c *SessionController) handleDeviceConnected(dev models.Device) {
	if !c.opts.AutoStart {
		return
	}
	c.goAsync(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.isClosed() || c.monitor.IsDeviceConnected() {
			return
		}
		if !dev.Authorized {
			c.log.Infof("🔒 [%s] Waiting for USB debugging authorization, not auto-starting", dev.Serial)
			return
		}
		if err := c.monitor.ConnectDevice(dev.Serial); err != nil {
			c.log.Warnf("⚠️ [%s] Auto-select failed: %v", dev.Serial, err)
			return
		}
		c.restarts = 0
		c.log.Infof("🚀 [%s] Auto-starting mirroring", dev.Serial)
		if err := c.startLocked(context.Background(), dev.Serial, c.opts.Defaults); err != nil {
			c.log.Errorf("❌ [%s] Auto-start failed: %v", dev.Serial, err)
		}
	})
}

func (c *SessionController) handleDeviceDisconnected(dev models.Device) {
	c.goAsync(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.capture.Serial() != dev.Serial || c.capture.State() == StateIdle {
			return
		}
		c.log.Infof("📴 [%s] Device unplugged, stopping mirroring", dev.Serial)
		c.userEpoch++
		c.stopLocked("device unplugged")
	})
}

// handleCaptureExit runs on the capture goroutine; all work is moved off it
func (c *SessionController) handleCaptureExit(serial string, generation uint64, err error) {
	c.goAsync(func() { c.recoverSession(serial, generation, err) })
}

func (c *SessionController) recoverSession(serial string, generation uint64, exitErr error) {
	c.mu.Lock()
	if c.capture.Generation() != generation || c.stoppedGen == generation {
		c.mu.Unlock()
		return
	}

	uptime := time.Since(c.capture.Stats().StartedAt)
	cfg := c.capture.Config()
	reason := "connection lost"
	if errors.Is(exitErr, ErrErrorStorm) {
		reason = "error storm"
	}
	c.stopLocked(reason)

	if errors.Is(exitErr, ErrErrorStorm) {
		c.log.Errorf("❌ [%s] Capture failed, not restarting: %v", serial, exitErr)
		c.mu.Unlock()
		return
	}
	dev, ok := c.monitor.CurrentDevice()
	if !c.opts.AutoRestart || !ok || dev.Serial != serial {
		c.mu.Unlock()
		return
	}

	if uptime >= c.opts.StableAfter {
		c.restarts = 0
	}
	epoch := c.userEpoch
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.restarts >= c.opts.MaxRestarts {
			c.log.Errorf("❌ [%s] Giving up after %d restart attempts", serial, c.restarts)
			c.mu.Unlock()
			return
		}
		c.restarts++
		attempt := c.restarts
		backoff := time.Duration(1<<attempt) * c.opts.RestartBackoff
		c.mu.Unlock()

		c.log.Infof("⏳ [%s] Restarting in %v (attempt %d/%d, last run lasted %v)",
			serial, backoff, attempt, c.opts.MaxRestarts, uptime.Round(time.Millisecond))
		if !c.sleep(backoff) {
			return
		}

		if c.restart(serial, generation, epoch, cfg, attempt) {
			return
		}
	}
}

// sleep waits d and reports false if the controller was closed meanwhile
func (c *SessionController) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.stop:
		return false
	case <-t.C:
		return true
	}
}

// restart runs one restart attempt. It reports true when recovery is over:
// the session is running again or the user has taken over.
func (c *SessionController) restart(serial string, generation, epoch uint64, cfg models.StreamConfig, attempt int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// the user may have started, stopped or switched devices meanwhile
	if c.isClosed() || c.userEpoch != epoch || c.capture.Generation() != generation || c.capture.IsActive() {
		return true
	}
	if dev, ok := c.monitor.CurrentDevice(); !ok || dev.Serial != serial {
		return true
	}
	c.log.Infof("🔄 [%s] Restart attempt %d/%d", serial, attempt, c.opts.MaxRestarts)
	if err := c.startLocked(context.Background(), serial, cfg); err != nil {
		c.log.Errorf("❌ [%s] Restart failed: %v", serial, err)
		return false
	}
	return true
}

func (c *SessionController) isClosed() bool {
	c.asyncMu.Lock()
	defer c.asyncMu.Unlock()
	return c.closed
}

// Close stops the session and waits for background work
func (c *SessionController) Close() {
	c.asyncMu.Lock()
	if c.closed {
		c.asyncMu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	c.asyncMu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	c.stopLocked("shutdown")
	c.mu.Unlock()
}
