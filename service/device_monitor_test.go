package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"mirrolink/adb"
	"mirrolink/models"
	"mirrolink/usb"
)

type fakeEnumerator struct {
	mu      sync.Mutex
	devices []usb.Descriptor
	err     error
	closed  int
}

func (e *fakeEnumerator) set(ds ...usb.Descriptor) {
	e.mu.Lock()
	e.devices = ds
	e.mu.Unlock()
}

func (e *fakeEnumerator) Enumerate(match func(uint16) bool) ([]usb.Descriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	var out []usb.Descriptor
	for _, d := range e.devices {
		if match(d.VendorID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (e *fakeEnumerator) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

type fakeTool struct {
	mu        sync.Mutex
	states    []adb.DeviceState
	err       error
	listCalls int
}

func (f *fakeTool) Devices(ctx context.Context) ([]adb.DeviceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.states, f.err
}

func (f *fakeTool) GetProperty(ctx context.Context, serial, property string) (string, error) {
	return "Pixel 7", nil
}

func (f *fakeTool) APILevel(ctx context.Context, serial string) (int, error) {
	return 34, nil
}

var (
	pixel  = usb.Descriptor{VendorID: 0x18d1, ProductID: 0x4ee7, Serial: "28031FDH2000", Product: "Pixel 7"}
	galaxy = usb.Descriptor{VendorID: 0x04e8, ProductID: 0x6860, Serial: "R58M12345", Product: "SM-G991B"}
	mouse  = usb.Descriptor{VendorID: 0x046d, ProductID: 0xc077, Serial: "LOGI"}
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(kind string) DeviceObserver {
	return func(d models.Device) {
		l.mu.Lock()
		l.events = append(l.events, kind+":"+d.Serial)
		l.mu.Unlock()
	}
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func newTestMonitor(tool DeviceTool, enum *fakeEnumerator) *DeviceMonitor {
	return NewDeviceMonitor(func() (usb.Enumerator, error) { return enum, nil }, tool, time.Hour, zap.NewNop().Sugar())
}

func TestCheckDevicesDiff(t *testing.T) {
	enum := &fakeEnumerator{}
	tool := &fakeTool{states: []adb.DeviceState{{Serial: pixel.Serial, State: "device"}}}
	m := newTestMonitor(tool, enum)

	var log eventLog
	m.OnDeviceConnected(log.add("connect"))
	m.OnDeviceDisconnected(log.add("disconnect"))

	ctx := context.Background()
	enum.set(pixel, mouse)
	m.checkDevices(ctx, enum)
	m.checkDevices(ctx, enum)

	got := log.snapshot()
	if len(got) != 1 || got[0] != "connect:"+pixel.Serial {
		t.Fatalf("events = %v, want one connect for %s", got, pixel.Serial)
	}

	dev, ok := m.Device(pixel.Serial)
	if !ok {
		t.Fatal("pixel not tracked")
	}
	if !dev.Authorized || dev.APILevel != 34 || dev.Manufacturer != "Google" {
		t.Errorf("device = %+v", dev)
	}
	if _, ok := m.Device(mouse.Serial); ok {
		t.Error("non-Android device tracked")
	}

	enum.set(galaxy)
	m.checkDevices(ctx, enum)

	got = log.snapshot()
	want := []string{"connect:" + pixel.Serial, "disconnect:" + pixel.Serial, "connect:" + galaxy.Serial}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	galaxyDev, _ := m.Device(galaxy.Serial)
	if galaxyDev.Authorized {
		t.Error("galaxy is not in the adb list and must not be authorized")
	}
}

func TestCheckDevicesSkipsAdbForKnownAuthorized(t *testing.T) {
	enum := &fakeEnumerator{}
	tool := &fakeTool{states: []adb.DeviceState{{Serial: pixel.Serial, State: "device"}}}
	m := newTestMonitor(tool, enum)

	enum.set(pixel)
	for i := 0; i < 5; i++ {
		m.checkDevices(context.Background(), enum)
	}
	if tool.listCalls != 1 {
		t.Errorf("adb queried %d times, want 1", tool.listCalls)
	}
}

func TestActiveDeviceClearedOnDisconnect(t *testing.T) {
	enum := &fakeEnumerator{}
	m := newTestMonitor(&fakeTool{}, enum)

	if err := m.ConnectDevice(pixel.Serial); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("connect unknown: err = %v", err)
	}
	if m.IsDeviceConnected() {
		t.Fatal("failed connect must not select a device")
	}

	enum.set(pixel)
	m.checkDevices(context.Background(), enum)
	if err := m.ConnectDevice(pixel.Serial); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}

	var selected bool
	m.OnDeviceDisconnected(func(models.Device) {
		// observers run without the monitor lock
		selected = m.IsDeviceConnected()
	})

	enum.set()
	m.checkDevices(context.Background(), enum)

	if selected {
		t.Error("active device still selected when disconnect observer ran")
	}
	if _, ok := m.CurrentDevice(); ok {
		t.Error("CurrentDevice still set")
	}
	if len(m.ConnectedDevices()) != 0 {
		t.Error("device list not empty")
	}
}

func TestCheckDevicesKeepsListOnEnumerationError(t *testing.T) {
	enum := &fakeEnumerator{}
	m := newTestMonitor(&fakeTool{}, enum)

	var log eventLog
	m.OnDeviceDisconnected(log.add("disconnect"))

	enum.set(pixel)
	m.checkDevices(context.Background(), enum)

	enum.err = errors.New("LIBUSB_ERROR_IO")
	m.checkDevices(context.Background(), enum)

	if len(log.snapshot()) != 0 {
		t.Errorf("events = %v, want none", log.snapshot())
	}
	if len(m.ConnectedDevices()) != 1 {
		t.Error("device list dropped on enumeration failure")
	}
}

func TestObserverPanicDoesNotStopOthers(t *testing.T) {
	enum := &fakeEnumerator{}
	m := newTestMonitor(&fakeTool{}, enum)

	var log eventLog
	m.OnDeviceConnected(func(models.Device) { panic("boom") })
	m.OnDeviceConnected(log.add("connect"))

	enum.set(pixel)
	m.checkDevices(context.Background(), enum)

	if len(log.snapshot()) != 1 {
		t.Errorf("events = %v", log.snapshot())
	}
}

func TestInitializeFailures(t *testing.T) {
	t.Run("usb unavailable", func(t *testing.T) {
		m := NewDeviceMonitor(func() (usb.Enumerator, error) {
			return nil, errors.New("libusb: not found")
		}, &fakeTool{}, time.Hour, zap.NewNop().Sugar())
		if err := m.Initialize(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("adb unavailable", func(t *testing.T) {
		enum := &fakeEnumerator{}
		m := newTestMonitor(&fakeTool{err: adb.ErrNotFound}, enum)
		err := m.Initialize(context.Background())
		if !errors.Is(err, adb.ErrNotFound) {
			t.Fatalf("err = %v, want adb.ErrNotFound", err)
		}
		if enum.closed != 1 {
			t.Errorf("USB context closed %d times, want 1", enum.closed)
		}
	})
}

func TestInitializeAndClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	enum := &fakeEnumerator{}
	enum.set(galaxy)
	m := NewDeviceMonitor(func() (usb.Enumerator, error) { return enum, nil },
		&fakeTool{}, 10*time.Millisecond, zap.NewNop().Sugar())

	connected := make(chan string, 1)
	m.OnDeviceConnected(func(d models.Device) { connected <- d.Serial })

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Initialize(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize: err = %v", err)
	}

	select {
	case serial := <-connected:
		if serial != galaxy.Serial {
			t.Errorf("connected %s", serial)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connect event from poll loop")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if enum.closed != 1 {
		t.Errorf("USB context closed %d times", enum.closed)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
