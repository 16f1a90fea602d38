// Package decode turns H.264 access units into RGBA frames.
package decode

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"mirrolink/models"
)

var (
	// ErrNoFrame means the decoder accepted the packet but has no picture yet
	ErrNoFrame = errors.New("decoder needs more input")
	// ErrUnsupportedFormat is returned for pictures that are not planar YUV 4:2:0
	ErrUnsupportedFormat = errors.New("unsupported picture format")
)

// Decoder decodes one access unit at a time. The returned picture may be
// reused by the decoder on the next call.
type Decoder interface {
	Decode(pkt models.Packet) (*image.YCbCr, error)
	Close() error
}

// Factory builds a decoder configured for one session
type Factory func(cfg models.StreamConfig) (Decoder, error)

// Pipeline owns the decoder and the RGBA conversion for one session.
// Output dimensions are fixed at construction.
type Pipeline struct {
	dec    Decoder
	dst    *image.RGBA
	width  int
	height int

	// scaler is built for the decoder's picture size on the first frame
	scaler     draw.Scaler
	srcW, srcH int
}

// NewPipeline opens a decoder through newDecoder and allocates the
// cfg.Width x cfg.Height output buffer
func NewPipeline(cfg models.StreamConfig, newDecoder Factory) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dec, err := newDecoder(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open decoder: %w", err)
	}

	return &Pipeline{
		dec:    dec,
		dst:    image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
		width:  cfg.Width,
		height: cfg.Height,
	}, nil
}

// Process decodes pkt and converts the picture to RGBA. The returned frame's
// Pix aliases the pipeline's buffer and is overwritten by the next call.
func (p *Pipeline) Process(pkt models.Packet) (models.Frame, error) {
	if len(pkt.Payload) == 0 {
		return models.Frame{}, ErrNoFrame
	}

	img, err := p.dec.Decode(pkt)
	if err != nil {
		return models.Frame{}, err
	}
	if img == nil || img.Rect.Empty() {
		return models.Frame{}, ErrNoFrame
	}
	if img.SubsampleRatio != image.YCbCrSubsampleRatio420 {
		return models.Frame{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, img.SubsampleRatio)
	}

	src := img.Bounds()
	if src.Dx() == p.width && src.Dy() == p.height {
		draw.Draw(p.dst, p.dst.Rect, img, src.Min, draw.Src)
	} else {
		p.scalerFor(src.Dx(), src.Dy()).Scale(p.dst, p.dst.Rect, img, src, draw.Src, nil)
	}

	return models.Frame{
		Pix:       p.dst.Pix,
		Width:     p.width,
		Height:    p.height,
		Stride:    p.dst.Stride,
		Timestamp: pkt.PTS,
	}, nil
}

// scalerFor returns the bilinear scaler for a w x h source, rebuilding it
// only when the device changes resolution (e.g. on rotation)
func (p *Pipeline) scalerFor(w, h int) draw.Scaler {
	if p.scaler == nil || p.srcW != w || p.srcH != h {
		p.scaler = draw.BiLinear.NewScaler(p.width, p.height, w, h)
		p.srcW, p.srcH = w, h
	}
	return p.scaler
}

// Close releases the decoder
func (p *Pipeline) Close() error {
	if p.dec == nil {
		return nil
	}
	err := p.dec.Close()
	p.dec = nil
	return err
}
