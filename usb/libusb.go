package usb

import (
	"fmt"
	"sync"

	"github.com/google/gousb"
)

// LibUSB enumerates devices through libusb
type LibUSB struct {
	mu  sync.Mutex
	ctx *gousb.Context
}

// OpenLibUSB opens a libusb context
func OpenLibUSB() (l *LibUSB, err error) {
	defer func() {
		// gousb panics when libusb_init fails
		if r := recover(); r != nil {
			l, err = nil, fmt.Errorf("failed to initialize libusb: %v", r)
		}
	}()
	return &LibUSB{ctx: gousb.NewContext()}, nil
}

// Enumerate opens every matching device, reads its string descriptors and closes it again
func (l *LibUSB) Enumerate(match func(vendorID uint16) bool) ([]Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ctx == nil {
		return nil, fmt.Errorf("usb context closed")
	}

	visited := 0
	devs, err := l.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		visited++
		return match(uint16(desc.Vendor))
	})
	if listFailed(visited, err) {
		return nil, fmt.Errorf("failed to list usb devices: %w", err)
	}

	out := make([]Descriptor, 0, len(devs))
	for _, dev := range devs {
		d, ok := readDescriptor(dev)
		dev.Close()
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func readDescriptor(dev *gousb.Device) (Descriptor, bool) {
	serial, err := dev.SerialNumber()
	if err != nil || serial == "" {
		return Descriptor{}, false
	}
	manufacturer, err := dev.Manufacturer()
	if err != nil {
		return Descriptor{}, false
	}
	product, err := dev.Product()
	if err != nil {
		return Descriptor{}, false
	}
	return Descriptor{
		VendorID:     uint16(dev.Desc.Vendor),
		ProductID:    uint16(dev.Desc.Product),
		Serial:       serial,
		Manufacturer: manufacturer,
		Product:      product,
	}, true
}

// Close releases the libusb context
func (l *LibUSB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx == nil {
		return nil
	}
	err := l.ctx.Close()
	l.ctx = nil
	return err
}
