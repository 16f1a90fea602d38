package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mirrolink/adb"
	"mirrolink/models"
	"mirrolink/usb"
)

const DefaultPollInterval = time.Second

// USBOpener acquires the USB enumeration context
type USBOpener func() (usb.Enumerator, error)

// DeviceTool is the part of the adb client the monitor needs
type DeviceTool interface {
	Devices(ctx context.Context) ([]adb.DeviceState, error)
	GetProperty(ctx context.Context, serial, property string) (string, error)
	APILevel(ctx context.Context, serial string) (int, error)
}

// DeviceObserver receives connect or disconnect notifications
type DeviceObserver func(device models.Device)

// DeviceMonitor polls the USB bus for Android handsets and tracks the one
// currently selected for mirroring
type DeviceMonitor struct {
	openUSB  USBOpener
	tool     DeviceTool
	interval time.Duration
	log      *zap.SugaredLogger

	lifeMu sync.Mutex // Initialize and Close
	enum   usb.Enumerator
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	devices map[string]models.Device // replaced wholesale on every poll
	active  string

	cbMu         sync.Mutex
	onConnect    []DeviceObserver
	onDisconnect []DeviceObserver
}

func NewDeviceMonitor(openUSB USBOpener, tool DeviceTool, interval time.Duration, log *zap.SugaredLogger) *DeviceMonitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &DeviceMonitor{
		openUSB:  openUSB,
		tool:     tool,
		interval: interval,
		log:      log,
		devices:  make(map[string]models.Device),
	}
}

// Initialize acquires the USB context, checks that adb answers and starts
// the poll loop. Nothing is left acquired when it fails.
func (m *DeviceMonitor) Initialize(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.enum != nil {
		return ErrAlreadyInitialized
	}

	enum, err := m.openUSB()
	if err != nil {
		return fmt.Errorf("failed to initialize USB context: %w", err)
	}

	if _, err := m.tool.Devices(ctx); err != nil {
		if cerr := enum.Close(); cerr != nil {
			m.log.Warnw("⚠️ Failed to release USB context", "error", cerr)
		}
		return fmt.Errorf("adb is not reachable: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	m.enum = enum
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.pollLoop(pollCtx, enum, m.done)

	m.log.Infow("✅ Device monitor started", "interval", m.interval)
	return nil
}

// Close stops polling, waits for the poll loop and releases USB
func (m *DeviceMonitor) Close() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.enum == nil {
		return nil
	}
	m.cancel()
	<-m.done

	err := m.enum.Close()
	m.enum = nil
	m.log.Info("🛑 Device monitor stopped")
	return err
}

func (m *DeviceMonitor) pollLoop(ctx context.Context, enum usb.Enumerator, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.poll(ctx, enum)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one scan and keeps a panic from ending the loop
func (m *DeviceMonitor) poll(ctx context.Context, enum usb.Enumerator) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("❌ Device poll panicked", "panic", r)
		}
	}()
	m.checkDevices(ctx, enum)
}

// checkDevices diffs the current bus against the known set and notifies
// observers, disconnects first
func (m *DeviceMonitor) checkDevices(ctx context.Context, enum usb.Enumerator) {
	descs, err := enum.Enumerate(usb.IsAndroidVendor)
	if err != nil {
		m.log.Warnw("⚠️ USB enumeration failed, keeping previous device list", "error", err)
		return
	}

	// first descriptor wins for a duplicated serial
	usb.SortBySerial(descs)
	now := time.Now().Unix()
	snapshot := make(map[string]models.Device, len(descs))
	for _, d := range descs {
		if d.Serial == "" || !usb.IsAndroidVendor(d.VendorID) {
			continue
		}
		if _, dup := snapshot[d.Serial]; dup {
			continue
		}
		snapshot[d.Serial] = deviceFromDescriptor(d, now)
	}

	m.mu.RLock()
	known := m.devices
	m.mu.RUnlock()

	m.enrich(ctx, snapshot, known)

	var added, removed []models.Device
	m.mu.Lock()
	for serial, dev := range m.devices {
		if _, ok := snapshot[serial]; !ok {
			removed = append(removed, dev)
			if m.active == serial {
				m.active = ""
			}
		}
	}
	for serial, dev := range snapshot {
		if _, ok := m.devices[serial]; !ok {
			added = append(added, dev)
		}
	}
	m.devices = snapshot
	m.mu.Unlock()

	sortDevices(removed)
	sortDevices(added)

	for _, dev := range removed {
		m.log.Infow("📴 Device disconnected", "serial", dev.Serial, "model", dev.Model)
		m.notify(m.disconnectObservers(), dev)
	}
	for _, dev := range added {
		m.log.Infow("📱 Device connected", "serial", dev.Serial, "model", dev.Model,
			"api_level", dev.APILevel, "authorized", dev.Authorized)
		m.notify(m.connectObservers(), dev)
	}
}

// enrich carries adb details over from known devices and queries them for new
// ones. adb is only asked when a device is new or still waiting for the
// user to authorize debugging.
func (m *DeviceMonitor) enrich(ctx context.Context, snapshot, known map[string]models.Device) {
	query := false
	for serial, dev := range snapshot {
		prev, ok := known[serial]
		if !ok || !prev.Authorized {
			query = true
			continue
		}
		dev.Model = prev.Model
		dev.APILevel = prev.APILevel
		dev.Authorized = prev.Authorized
		snapshot[serial] = dev
	}
	if !query {
		return
	}

	list, err := m.tool.Devices(ctx)
	if err != nil {
		m.log.Debugw("adb device list unavailable", "error", err)
		return
	}
	states := make(map[string]string, len(list))
	for _, s := range list {
		states[s.Serial] = s.State
	}

	for serial, dev := range snapshot {
		if prev, ok := known[serial]; ok && prev.Authorized {
			continue
		}
		dev.Authorized = states[serial] == "device"
		if dev.Authorized {
			if level, err := m.tool.APILevel(ctx, serial); err == nil {
				dev.APILevel = level
			} else {
				m.log.Debugw("failed to read API level", "serial", serial, "error", err)
			}
			if model, err := m.tool.GetProperty(ctx, serial, "ro.product.model"); err == nil && model != "" {
				dev.Model = model
			}
		}
		snapshot[serial] = dev
	}
}

func deviceFromDescriptor(d usb.Descriptor, seen int64) models.Device {
	manufacturer := d.Manufacturer
	if manufacturer == "" {
		manufacturer = usb.VendorName(d.VendorID)
	}
	return models.Device{
		Serial:       d.Serial,
		Model:        d.Product,
		Manufacturer: manufacturer,
		VendorID:     d.VendorID,
		ProductID:    d.ProductID,
		LastSeen:     seen,
	}
}

func sortDevices(ds []models.Device) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Serial < ds[j].Serial })
}

// OnDeviceConnected registers an observer for newly attached devices
func (m *DeviceMonitor) OnDeviceConnected(fn DeviceObserver) {
	m.cbMu.Lock()
	m.onConnect = append(m.onConnect, fn)
	m.cbMu.Unlock()
}

// OnDeviceDisconnected registers an observer for detached devices
func (m *DeviceMonitor) OnDeviceDisconnected(fn DeviceObserver) {
	m.cbMu.Lock()
	m.onDisconnect = append(m.onDisconnect, fn)
	m.cbMu.Unlock()
}

func (m *DeviceMonitor) connectObservers() []DeviceObserver {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	return append([]DeviceObserver(nil), m.onConnect...)
}

func (m *DeviceMonitor) disconnectObservers() []DeviceObserver {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	return append([]DeviceObserver(nil), m.onDisconnect...)
}

// notify calls observers with no monitor lock held
func (m *DeviceMonitor) notify(observers []DeviceObserver, dev models.Device) {
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Errorw("❌ Device observer panicked", "serial", dev.Serial, "panic", r)
				}
			}()
			fn(dev)
		}()
	}
}

// ConnectedDevices returns a snapshot of attached devices ordered by serial
func (m *DeviceMonitor) ConnectedDevices() []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]models.Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, dev)
	}
	sortDevices(devices)
	return devices
}

// Device returns one attached device by serial
func (m *DeviceMonitor) Device(serial string) (models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[serial]
	return dev, ok
}

// ConnectDevice selects an attached device for mirroring
func (m *DeviceMonitor) ConnectDevice(serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[serial]; !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
	}
	m.active = serial
	return nil
}

// DisconnectDevice clears the selection
func (m *DeviceMonitor) DisconnectDevice() {
	m.mu.Lock()
	m.active = ""
	m.mu.Unlock()
}

// IsDeviceConnected reports whether a device is selected
func (m *DeviceMonitor) IsDeviceConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active != ""
}

// CurrentDevice returns the selected device
func (m *DeviceMonitor) CurrentDevice() (models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return models.Device{}, false
	}
	dev, ok := m.devices[m.active]
	return dev, ok
}
