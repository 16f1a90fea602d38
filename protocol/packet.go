// Package protocol implements the length/timestamp framing the companion
// server uses on the forwarded video socket.
//
// Each record is
//
//	[0:4]   payload length, big-endian uint32
//	[4:12]  presentation timestamp, big-endian int64
//	[12:]   H.264 access unit
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"mirrolink/models"
)

const (
	HeaderSize = 12

	// MaxPayloadSize bounds a single access unit; anything larger means the
	// reader lost sync with the stream
	MaxPayloadSize = 16 << 20
)

var (
	ErrConnectionLost  = errors.New("connection lost")
	ErrReadTimeout     = errors.New("packet read timed out")
	ErrPayloadTooLarge = errors.New("packet payload too large")
)

// Reader reads framed packets from the video socket
type Reader struct {
	r      io.Reader
	header [HeaderSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadPacket reads one record. The returned payload is freshly allocated and
// owned by the caller.
func (r *Reader) ReadPacket() (models.Packet, error) {
	if n, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if n > 0 {
			// a timeout after part of the header leaves the stream out of sync
			return models.Packet{}, fmt.Errorf("%w: partial header (%d bytes): %v", ErrConnectionLost, n, err)
		}
		return models.Packet{}, classify("header", err)
	}

	length := binary.BigEndian.Uint32(r.header[0:4])
	pts := int64(binary.BigEndian.Uint64(r.header[4:12]))

	if length > MaxPayloadSize {
		return models.Packet{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return models.Packet{}, fmt.Errorf("%w: payload: %v", ErrConnectionLost, err)
	}

	return models.Packet{Payload: payload, PTS: pts}, nil
}

// classify maps a header read that failed before consuming any byte
func classify(part string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrReadTimeout, part, err)
	}
	// EOF, a partial record, a reset or a closed socket all mean the peer is gone
	return fmt.Errorf("%w: %s: %v", ErrConnectionLost, part, err)
}

// IsConnectionLoss reports whether err ends the read loop
func IsConnectionLoss(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrPayloadTooLarge)
}

// WritePacket encodes one record onto w
func WritePacket(w io.Writer, pkt models.Packet) error {
	if len(pkt.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(pkt.Payload))
	}
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(pkt.Payload)))
	binary.BigEndian.PutUint64(buf[4:12], uint64(pkt.PTS))
	copy(buf[HeaderSize:], pkt.Payload)
	_, err := w.Write(buf)
	return err
}
