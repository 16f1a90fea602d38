// Package usb enumerates attached USB devices and classifies the Android ones
// by vendor id.
package usb

import "sort"

// Descriptor is what the monitor needs from one USB device
type Descriptor struct {
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
}

// Enumerator lists USB devices whose vendor id passes match.
// Devices whose string descriptors cannot be read are left out.
type Enumerator interface {
	Enumerate(match func(vendorID uint16) bool) ([]Descriptor, error)
	Close() error
}

// AndroidVendors maps vendor ids of Android handset makers to a display name
var AndroidVendors = map[uint16]string{
	0x18d1: "Google",
	0x04e8: "Samsung",
	0x22b8: "Motorola",
	0x2717: "Xiaomi",
	0x12d1: "Huawei",
	0x2a70: "OnePlus",
	0x0bb4: "HTC",
	0x1004: "LG",
	0x0fce: "Sony",
	0x22d9: "OPPO",
	0x2d95: "vivo",
}

// IsAndroidVendor reports whether id is on the Android allow-list
func IsAndroidVendor(id uint16) bool {
	_, ok := AndroidVendors[id]
	return ok
}

// VendorName returns the maker name for id, or "" when unknown
func VendorName(id uint16) string {
	return AndroidVendors[id]
}

// listFailed tells a failed bus listing apart from per-device errors.
// OpenDevices reports open and descriptor errors alongside the devices it did
// open; only when the listing itself fails is no device ever offered to the
// match callback.
func listFailed(visited int, err error) bool {
	return err != nil && visited == 0
}

// SortBySerial orders descriptors by serial for stable output
func SortBySerial(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Serial < ds[j].Serial })
}
