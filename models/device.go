package models

// Device is one attached Android-class USB device
type Device struct {
	Serial       string `json:"serial"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	APILevel     int    `json:"api_level"`
	Authorized   bool   `json:"authorized"`
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
	LastSeen     int64  `json:"last_seen"`
}

// DeviceEvent is pushed to viewers and persisted when a device comes or goes
type DeviceEvent struct {
	Type      string `json:"type"` // device_connected, device_disconnected
	Device    Device `json:"device"`
	Timestamp int64  `json:"timestamp"`
}

const (
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
)
