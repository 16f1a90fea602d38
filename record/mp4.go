package record

import (
	"fmt"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4/seekablebuffer"
)

const (
	videoTimeScale = 90000
	videoTrackID   = 1
	maxPartSamples = 120
)

// mp4Sink writes fragmented MP4: one init segment, then one moof/mdat pair
// per GOP (or every maxPartSamples samples)
type mp4Sink struct {
	f           *os.File
	buf         seekablebuffer.Buffer
	seq         uint32
	baseTime    uint64
	samples     []*fmp4.PartSample
	pending     *fmp4.PartSample
	pendingTick int64
	defaultDur  uint32
}

func newMP4Sink(f *os.File, params Params) (sink, error) {
	s := &mp4Sink{
		f:          f,
		defaultDur: uint32(videoTimeScale / params.FPS),
	}

	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: videoTimeScale,
			Codec: &fmp4.CodecH264{
				SPS: params.SPS,
				PPS: params.PPS,
			},
		}},
	}
	if err := init.Marshal(&s.buf); err != nil {
		return nil, err
	}
	if err := s.writeBuffer(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *mp4Sink) WriteAccessUnit(au [][]byte, pts time.Duration, idr bool) error {
	sample, err := fmp4.NewPartSampleH26x(0, idr, au)
	if err != nil {
		return err
	}
	tick := toTicks(pts)

	if s.pending != nil {
		s.pending.Duration = s.durationUntil(tick)
		s.samples = append(s.samples, s.pending)
		if idr || len(s.samples) >= maxPartSamples {
			if err := s.flush(); err != nil {
				return err
			}
		}
	}

	s.pending = sample
	s.pendingTick = tick
	return nil
}

func (s *mp4Sink) durationUntil(tick int64) uint32 {
	d := tick - s.pendingTick
	if d <= 0 {
		return s.defaultDur
	}
	return uint32(d)
}

func (s *mp4Sink) flush() error {
	if len(s.samples) == 0 {
		return nil
	}
	s.seq++
	part := fmp4.Part{
		SequenceNumber: s.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       videoTrackID,
			BaseTime: s.baseTime,
			Samples:  s.samples,
		}},
	}
	if err := part.Marshal(&s.buf); err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}
	for _, sample := range s.samples {
		s.baseTime += uint64(sample.Duration)
	}
	s.samples = nil
	return s.writeBuffer()
}

func (s *mp4Sink) writeBuffer() error {
	_, err := s.f.Write(s.buf.Bytes())
	s.buf.Reset()
	return err
}

func (s *mp4Sink) Close() error {
	var err error
	if s.pending != nil {
		s.pending.Duration = s.defaultDur
		s.samples = append(s.samples, s.pending)
		s.pending = nil
		err = s.flush()
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func toTicks(d time.Duration) int64 {
	return int64(d) * videoTimeScale / int64(time.Second)
}
