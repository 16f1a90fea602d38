package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mirrolink/adb"
	"mirrolink/decode"
	"mirrolink/models"
	"mirrolink/protocol"
)

type memorySessionLog struct {
	mu      sync.Mutex
	nextID  int64
	started []string
	ended   map[int64]string
}

func (l *memorySessionLog) SessionStarted(serial string, cfg models.StreamConfig, at time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.started = append(l.started, serial)
	return l.nextID, nil
}

func (l *memorySessionLog) SessionEnded(id int64, at time.Time, frames int64, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended == nil {
		l.ended = make(map[int64]string)
	}
	l.ended[id] = reason
	return nil
}

func (l *memorySessionLog) reason(id int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended[id]
}

type sessionFixture struct {
	enum    *fakeEnumerator
	monitor *DeviceMonitor
	tr      *fakeTransport
	srv     *companionServer
	loop    *CaptureLoop
	history *memorySessionLog
	ctrl    *SessionController
}

func newSessionFixture(t *testing.T, opts SessionOptions) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		enum:    &fakeEnumerator{},
		srv:     newCompanionServer(t),
		history: &memorySessionLog{},
	}
	tool := &fakeTool{states: []adb.DeviceState{{Serial: pixel.Serial, State: "device"}, {Serial: galaxy.Serial, State: "device"}}}
	f.monitor = newTestMonitor(tool, f.enum)
	f.tr = &fakeTransport{addr: f.srv.ln.Addr().String()}
	f.loop = newTestLoop(f.tr, solidFactory)
	f.ctrl = NewSessionController(f.monitor, f.loop, f.history, opts, zap.NewNop().Sugar())
	t.Cleanup(f.ctrl.Close)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func manualOptions() SessionOptions {
	opts := DefaultSessionOptions()
	opts.Defaults = smallStream
	opts.AutoRestart = false
	return opts
}

func TestSessionStartRequiresDevice(t *testing.T) {
	f := newSessionFixture(t, manualOptions())

	if err := f.ctrl.Start(context.Background(), smallStream); !errors.Is(err, ErrNoDeviceSelected) {
		t.Fatalf("err = %v, want ErrNoDeviceSelected", err)
	}
	if err := f.ctrl.Connect("missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Connect unknown: err = %v", err)
	}
	if est, _ := f.tr.counts(); est != 0 {
		t.Errorf("bridge touched %d times", est)
	}
}

func TestSessionManualLifecycle(t *testing.T) {
	f := newSessionFixture(t, manualOptions())

	f.enum.set(pixel)
	f.monitor.checkDevices(context.Background(), f.enum)

	if err := f.ctrl.Connect(pixel.Serial); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := f.ctrl.Start(context.Background(), models.StreamConfig{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.srv.accept(t)

	st := f.ctrl.Status()
	if st.State != "DECODING" || st.Device == nil || st.Device.Serial != pixel.Serial {
		t.Fatalf("status = %+v", st)
	}
	if st.Config.Width != smallStream.Width {
		t.Errorf("defaults not applied: %+v", st.Config)
	}

	next := smallStream
	next.MaxFPS = 15
	if err := f.ctrl.UpdateConfig(context.Background(), next); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	f.srv.accept(t)
	if f.ctrl.Status().Config.MaxFPS != 15 {
		t.Errorf("config not updated")
	}

	f.ctrl.Stop()
	if f.ctrl.Status().State != "STOPPED" {
		t.Errorf("state after Stop = %s", f.ctrl.Status().State)
	}
	if _, ok := f.ctrl.CurrentDevice(); !ok {
		t.Error("Stop must keep the device selected")
	}

	f.ctrl.Disconnect()
	if _, ok := f.ctrl.CurrentDevice(); ok {
		t.Error("Disconnect must clear the selection")
	}

	if got := f.history.reason(1); got != "reconfigured" {
		t.Errorf("session 1 end reason = %q", got)
	}
	if got := f.history.reason(2); got != "stopped" {
		t.Errorf("session 2 end reason = %q", got)
	}
}

func TestSessionAutoStartAndUnplug(t *testing.T) {
	opts := manualOptions()
	opts.AutoStart = true
	f := newSessionFixture(t, opts)

	f.enum.set(pixel)
	f.monitor.checkDevices(context.Background(), f.enum)

	waitFor(t, "auto-start", f.loop.IsActive)
	f.srv.accept(t)
	if dev, ok := f.ctrl.CurrentDevice(); !ok || dev.Serial != pixel.Serial {
		t.Fatalf("current device = %+v, %v", dev, ok)
	}

	// a second device does not steal the session
	f.enum.set(pixel, galaxy)
	f.monitor.checkDevices(context.Background(), f.enum)
	time.Sleep(20 * time.Millisecond)
	if f.loop.Serial() != pixel.Serial {
		t.Errorf("capture moved to %s", f.loop.Serial())
	}

	f.enum.set(galaxy)
	f.monitor.checkDevices(context.Background(), f.enum)

	waitFor(t, "stop on unplug", func() bool { return f.loop.State() == StateStopped })
	if _, td := f.tr.counts(); td != 1 {
		t.Errorf("teardowns = %d, want 1", td)
	}
	if f.monitor.IsDeviceConnected() {
		t.Error("unplugged device still selected")
	}
}

func TestSessionRestartsAfterConnectionLoss(t *testing.T) {
	opts := manualOptions()
	opts.AutoRestart = true
	opts.MaxRestarts = 2
	opts.RestartBackoff = 5 * time.Millisecond
	f := newSessionFixture(t, opts)

	f.enum.set(pixel)
	f.monitor.checkDevices(context.Background(), f.enum)
	if err := f.ctrl.Connect(pixel.Serial); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := f.ctrl.Start(context.Background(), smallStream); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := f.srv.accept(t)
	gen := f.loop.Generation()
	first.Close()

	waitFor(t, "restart", func() bool { return f.loop.Generation() == gen+1 && f.loop.IsActive() })
	f.srv.accept(t)

	if est, _ := f.tr.counts(); est != 2 {
		t.Errorf("establishes = %d, want 2", est)
	}
	if f.ctrl.Status().Restarts != 1 {
		t.Errorf("restarts = %d", f.ctrl.Status().Restarts)
	}
	if got := f.history.reason(1); got != "connection lost" {
		t.Errorf("session 1 end reason = %q", got)
	}
}

func TestSessionRetriesFailedRestart(t *testing.T) {
	opts := manualOptions()
	opts.AutoRestart = true
	opts.MaxRestarts = 3
	opts.RestartBackoff = 5 * time.Millisecond
	f := newSessionFixture(t, opts)

	f.enum.set(pixel)
	f.monitor.checkDevices(context.Background(), f.enum)
	f.ctrl.Connect(pixel.Serial)
	if err := f.ctrl.Start(context.Background(), smallStream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.srv.accept(t)

	// the bridge keeps failing from now on
	f.tr.mu.Lock()
	f.tr.establishErr = errors.New("device offline")
	f.tr.mu.Unlock()
	conn.Close()

	waitFor(t, "every restart attempt", func() bool {
		est, _ := f.tr.counts()
		return est == 1+opts.MaxRestarts
	})
	waitFor(t, "restart budget spent", func() bool { return f.ctrl.Status().Restarts == opts.MaxRestarts })

	time.Sleep(100 * time.Millisecond)
	if est, _ := f.tr.counts(); est != 1+opts.MaxRestarts {
		t.Errorf("establishes = %d after giving up, want %d", est, 1+opts.MaxRestarts)
	}
	if f.loop.IsActive() {
		t.Error("capture should not be running after the restarts ran out")
	}
}

func TestSessionStartClosesEndedRun(t *testing.T) {
	f := newSessionFixture(t, manualOptions())

	f.enum.set(pixel)
	f.monitor.checkDevices(context.Background(), f.enum)
	f.ctrl.Connect(pixel.Serial)
	if err := f.ctrl.Start(context.Background(), smallStream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.srv.accept(t)

	// hold the controller so the exit handler cannot close the row first
	f.ctrl.mu.Lock()
	conn.Close()
	waitFor(t, "capture exit", func() bool { return f.loop.State() == StateStopped })
	err := f.ctrl.startLocked(context.Background(), pixel.Serial, smallStream)
	f.ctrl.mu.Unlock()
	if err != nil {
		t.Fatalf("start after exit: %v", err)
	}
	f.srv.accept(t)

	if got := f.history.reason(1); got != "connection lost" {
		t.Errorf("session 1 end reason = %q, want connection lost", got)
	}
	if got := f.history.reason(2); got != "" {
		t.Errorf("session 2 should still be open, ended with %q", got)
	}
}

func TestSessionNoRestartAfterStop(t *testing.T) {
	opts := manualOptions()
	opts.AutoRestart = true
	opts.RestartBackoff = 5 * time.Millisecond
	f := newSessionFixture(t, opts)

	f.enum.set(pixel)
	f.monitor.checkDevices(context.Background(), f.enum)
	f.ctrl.Connect(pixel.Serial)
	if err := f.ctrl.Start(context.Background(), smallStream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.srv.accept(t)

	f.ctrl.Stop()
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if est, _ := f.tr.counts(); est != 1 {
		t.Errorf("establishes = %d, want 1", est)
	}
	if f.loop.IsActive() {
		t.Error("capture restarted after an explicit stop")
	}
}

func TestSessionNoRestartAfterErrorStorm(t *testing.T) {
	opts := manualOptions()
	opts.AutoRestart = true
	opts.RestartBackoff = 5 * time.Millisecond
	f := newSessionFixture(t, opts)

	f.loop.newDecoder = func(models.StreamConfig) (decode.Decoder, error) {
		return &fixedDecoder{panic: true}, nil
	}

	f.enum.set(pixel)
	f.monitor.checkDevices(context.Background(), f.enum)
	f.ctrl.Connect(pixel.Serial)
	if err := f.ctrl.Start(context.Background(), smallStream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := f.srv.accept(t)
	for i := 0; i < 10; i++ {
		protocol.WritePacket(conn, models.Packet{Payload: []byte{0, 0, 0, 1, 0x41}, PTS: int64(i)})
	}

	waitFor(t, "error storm", func() bool { return f.loop.State() == StateFailed })
	waitFor(t, "release", func() bool {
		_, td := f.tr.counts()
		return td == 1
	})
	time.Sleep(30 * time.Millisecond)

	if est, _ := f.tr.counts(); est != 1 {
		t.Errorf("establishes = %d, want 1", est)
	}
	if f.history.reason(1) != "error storm" {
		t.Errorf("end reason = %q", f.history.reason(1))
	}
}
