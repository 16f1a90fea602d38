package usb

import (
	"errors"
	"testing"
)

func TestAndroidVendorAllowList(t *testing.T) {
	for _, id := range []uint16{0x18d1, 0x04e8, 0x22b8, 0x2717} {
		if !IsAndroidVendor(id) {
			t.Errorf("vendor %04x should be allowed", id)
		}
	}
	for _, id := range []uint16{0x046d, 0x8087, 0x0000} {
		if IsAndroidVendor(id) {
			t.Errorf("vendor %04x should not be allowed", id)
		}
	}
	if VendorName(0x04e8) != "Samsung" {
		t.Errorf("unexpected vendor name %q", VendorName(0x04e8))
	}
}

func TestSortBySerial(t *testing.T) {
	ds := []Descriptor{{Serial: "c"}, {Serial: "a"}, {Serial: "b"}}
	SortBySerial(ds)
	if ds[0].Serial != "a" || ds[1].Serial != "b" || ds[2].Serial != "c" {
		t.Errorf("unexpected order: %+v", ds)
	}
}

func TestListFailed(t *testing.T) {
	errBusy := errors.New("libusb: busy")
	tests := []struct {
		name    string
		visited int
		err     error
		want    bool
	}{
		{"empty bus", 0, nil, false},
		{"listing failed", 0, errBusy, true},
		{"one device could not be opened", 3, errBusy, false},
		{"all opened", 2, nil, false},
	}
	for _, tt := range tests {
		if got := listFailed(tt.visited, tt.err); got != tt.want {
			t.Errorf("%s: listFailed = %v, want %v", tt.name, got, tt.want)
		}
	}
}
