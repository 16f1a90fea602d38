// Package record writes the mirrored H.264 stream to a container file.
package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"mirrolink/models"
)

var (
	ErrUnsupportedContainer = errors.New("unsupported recording container")
	ErrMissingParameters    = errors.New("recording needs SPS and PPS")
	ErrClosed               = errors.New("recording closed")
)

// Params describes the single video track of a recording
type Params struct {
	Width  int
	Height int
	FPS    int
	SPS    []byte
	PPS    []byte
}

// sink is one container format. Timestamps are relative to the first
// written access unit.
type sink interface {
	WriteAccessUnit(au [][]byte, pts time.Duration, idr bool) error
	Close() error
}

// Recorder feeds packets from the capture loop into a container. It waits
// for the first IDR access unit and re-inserts SPS/PPS in front of every IDR.
type Recorder struct {
	mu       sync.Mutex
	path     string
	sink     sink
	params   Params
	started  bool
	firstPTS int64
	lastPTS  time.Duration
	frames   int64
	closed   bool
}

// Open creates the file at path and writes the container header. The
// container is picked from the file extension.
func Open(path string, params Params) (*Recorder, error) {
	if params.FPS <= 0 {
		params.FPS = 30
	}

	ext := strings.ToLower(filepath.Ext(path))
	var newSink func(*os.File, Params) (sink, error)
	switch ext {
	case ".mp4", ".m4v":
		if len(params.SPS) == 0 || len(params.PPS) == 0 {
			return nil, ErrMissingParameters
		}
		newSink = newMP4Sink
	case ".ts":
		newSink = newTSSink
	case ".h264", ".264":
		newSink = newAnnexBSink
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContainer, ext)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create recording directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	s, err := newSink(f, params)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write container header: %w", err)
	}

	return &Recorder{
		path:   path,
		sink:   s,
		params: params,
	}, nil
}

// WritePacket writes one access unit. Packets before the first IDR are dropped.
func (r *Recorder) WritePacket(pkt models.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	au, err := h264.AnnexBUnmarshal(pkt.Payload)
	if err != nil {
		return fmt.Errorf("invalid access unit: %w", err)
	}

	filtered := make([][]byte, 0, len(au))
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			r.params.SPS = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			r.params.PPS = append([]byte(nil), nalu...)
		case h264.NALUTypeAccessUnitDelimiter:
		default:
			filtered = append(filtered, nalu)
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	idr := h264.IDRPresent(filtered)
	if !r.started {
		if !idr {
			return nil
		}
		r.started = true
		r.firstPTS = pkt.PTS
	}

	if idr && r.params.SPS != nil && r.params.PPS != nil {
		filtered = append([][]byte{r.params.SPS, r.params.PPS}, filtered...)
	}

	pts := r.timestamp(pkt.PTS)
	if err := r.sink.WriteAccessUnit(filtered, pts, idr); err != nil {
		return fmt.Errorf("failed to write access unit: %w", err)
	}
	r.frames++
	return nil
}

// timestamp converts a companion PTS (microseconds) into a monotonic offset
// from the first recorded access unit. Missing or backwards timestamps are
// replaced by one nominal frame interval.
func (r *Recorder) timestamp(pts int64) time.Duration {
	frame := time.Second / time.Duration(r.params.FPS)
	if r.frames == 0 {
		r.lastPTS = 0
		return 0
	}
	ts := time.Duration(pts-r.firstPTS) * time.Microsecond
	if pts < 0 || ts <= r.lastPTS {
		ts = r.lastPTS + frame
	}
	r.lastPTS = ts
	return ts
}

// Close flushes pending samples, writes the trailer and closes the file
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.sink.Close()
}

func (r *Recorder) Path() string {
	return r.path
}

// Frames returns the number of access units written
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}
