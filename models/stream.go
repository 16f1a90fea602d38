package models

import (
	"errors"
	"fmt"
)

const (
	CodecH264      = "h264"
	MaxFPSLimit    = 120
	DefaultBitrate = 8000000
)

// ErrInvalidConfig is returned for stream configs that must never reach the bridge
var ErrInvalidConfig = errors.New("invalid stream config")

// StreamConfig holds the mirroring parameters for one capture session.
// It is immutable for the life of a session; changing it means stop + start.
type StreamConfig struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	MaxFPS     int    `json:"max_fps"`
	Bitrate    int    `json:"bitrate"`
	Codec      string `json:"codec"`
	Record     bool   `json:"record"`
	RecordPath string `json:"record_path,omitempty"`
}

// Validate checks dimensions, frame rate and codec
func (c StreamConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.MaxFPS <= 0 || c.MaxFPS > MaxFPSLimit {
		return fmt.Errorf("%w: max fps %d", ErrInvalidConfig, c.MaxFPS)
	}
	if c.Bitrate < 0 {
		return fmt.Errorf("%w: bitrate %d", ErrInvalidConfig, c.Bitrate)
	}
	if c.Codec != "" && c.Codec != CodecH264 {
		return fmt.Errorf("%w: codec %q", ErrInvalidConfig, c.Codec)
	}
	if c.Record && c.RecordPath == "" {
		return fmt.Errorf("%w: record requested without a path", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults fills codec and bitrate when the caller left them empty
func (c StreamConfig) WithDefaults() StreamConfig {
	if c.Codec == "" {
		c.Codec = CodecH264
	}
	if c.Bitrate == 0 {
		c.Bitrate = DefaultBitrate
	}
	return c
}

// Packet is one network-framed encoded access unit
type Packet struct {
	Payload []byte
	PTS     int64
}

// Frame is one decoded RGBA picture. Pix is only valid for the duration of
// the frame callback; the pipeline reuses it for the next frame.
type Frame struct {
	Pix       []byte
	Width     int
	Height    int
	Stride    int
	Timestamp int64
}
