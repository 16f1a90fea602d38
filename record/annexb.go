package record

import (
	"bufio"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// annexBSink writes the elementary stream as-is
type annexBSink struct {
	f  *os.File
	bw *bufio.Writer
}

func newAnnexBSink(f *os.File, _ Params) (sink, error) {
	return &annexBSink{f: f, bw: bufio.NewWriter(f)}, nil
}

func (s *annexBSink) WriteAccessUnit(au [][]byte, _ time.Duration, _ bool) error {
	buf, err := h264.AnnexBMarshal(au)
	if err != nil {
		return err
	}
	_, err = s.bw.Write(buf)
	return err
}

func (s *annexBSink) Close() error {
	err := s.bw.Flush()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
