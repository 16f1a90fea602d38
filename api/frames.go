package api

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"go.uber.org/zap"

	"mirrolink/models"
)

const (
	defaultJPEGQuality = 70
	defaultRelayFPS    = 15
)

// FrameBroadcaster is the part of the hub the relay publishes to
type FrameBroadcaster interface {
	HasSubscribers(topic string) bool
	BroadcastBinary(topic string, data []byte) int
}

// FrameRelay turns decoded frames into JPEG messages for viewers. The
// capture goroutine only copies the latest frame into a buffer; encoding
// happens on the relay's goroutine and frames in between are dropped.
type FrameRelay struct {
	out      FrameBroadcaster
	quality  int
	interval time.Duration
	log      *zap.SugaredLogger

	mu      sync.Mutex
	latest  *image.RGBA // written by OnFrame
	spare   *image.RGBA // owned by Run while encoding
	pending bool

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}

	encoded int64
}

func NewFrameRelay(out FrameBroadcaster, maxFPS, quality int, log *zap.SugaredLogger) *FrameRelay {
	if maxFPS <= 0 {
		maxFPS = defaultRelayFPS
	}
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}
	return &FrameRelay{
		out:      out,
		quality:  quality,
		interval: time.Second / time.Duration(maxFPS),
		log:      log,
		signal:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnFrame is the capture loop frame callback
func (r *FrameRelay) OnFrame(f models.Frame) {
	if !r.out.HasSubscribers(TopicFrames) {
		return
	}

	r.mu.Lock()
	if r.latest == nil || r.latest.Rect.Dx() != f.Width || r.latest.Rect.Dy() != f.Height {
		r.latest = image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	}
	for y := 0; y < f.Height; y++ {
		copy(r.latest.Pix[y*r.latest.Stride:y*r.latest.Stride+f.Width*4], f.Pix[y*f.Stride:y*f.Stride+f.Width*4])
	}
	r.pending = true
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Run encodes and publishes frames until Close
func (r *FrameRelay) Run() {
	defer close(r.done)

	var buf bytes.Buffer
	var last time.Time
	for {
		select {
		case <-r.quit:
			return
		case <-r.signal:
		}

		if wait := r.interval - time.Since(last); wait > 0 {
			select {
			case <-r.quit:
				return
			case <-time.After(wait):
			}
		}
		last = time.Now()

		r.mu.Lock()
		if !r.pending {
			r.mu.Unlock()
			continue
		}
		r.pending = false
		r.latest, r.spare = r.spare, r.latest
		img := r.spare
		r.mu.Unlock()

		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
			r.log.Warnf("⚠️ Failed to encode frame: %v", err)
			continue
		}

		data := make([]byte, buf.Len())
		copy(data, buf.Bytes())
		r.out.BroadcastBinary(TopicFrames, data)
		r.encoded++
		if r.encoded == 1 {
			r.log.Infof("🖼️ First frame relayed (%d bytes)", len(data))
		}
	}
}

// Close stops Run and waits for it
func (r *FrameRelay) Close() {
	close(r.quit)
	<-r.done
}
