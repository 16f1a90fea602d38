package record

import (
	"bufio"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/pkg/formats/mpegts"
)

// tsOffset keeps the PCR, which trails DTS, above zero
const tsOffset = videoTimeScale

type tsSink struct {
	f     *os.File
	bw    *bufio.Writer
	w     *mpegts.Writer
	track *mpegts.Track
}

func newTSSink(f *os.File, _ Params) (sink, error) {
	track := &mpegts.Track{Codec: &mpegts.CodecH264{}}
	bw := bufio.NewWriter(f)
	return &tsSink{
		f:     f,
		bw:    bw,
		w:     mpegts.NewWriter(bw, []*mpegts.Track{track}),
		track: track,
	}, nil
}

func (s *tsSink) WriteAccessUnit(au [][]byte, pts time.Duration, idr bool) error {
	ts := toTicks(pts) + tsOffset
	return s.w.WriteH26x(s.track, ts, ts, idr, au)
}

func (s *tsSink) Close() error {
	err := s.bw.Flush()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
