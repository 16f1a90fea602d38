// Package libav decodes H.264 access units with libavcodec.
package libav

/*
#cgo pkg-config: libavcodec libavutil
#include <errno.h>
#include <libavcodec/avcodec.h>
#include <libavutil/avutil.h>
#include <libavutil/pixfmt.h>

static int averror_eagain(void) { return AVERROR(EAGAIN); }
static int averror_eof(void) { return AVERROR_EOF; }

static void configure_context(AVCodecContext *ctx, int width, int height, int fps) {
    ctx->width = width;
    ctx->height = height;
    ctx->time_base = (AVRational){1, fps};
    ctx->framerate = (AVRational){fps, 1};
    ctx->pix_fmt = AV_PIX_FMT_YUV420P;
}

static int is_yuv420(const AVFrame *f) {
    return f->format == AV_PIX_FMT_YUV420P || f->format == AV_PIX_FMT_YUVJ420P;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"unsafe"

	"mirrolink/decode"
	"mirrolink/models"
)

var errClosed = errors.New("decoder closed")

var _ decode.Factory = New

// Decoder is a libavcodec H.264 decoder. Decoded planes are copied into a
// Go-owned picture that is reused between calls.
type Decoder struct {
	codecCtx *C.AVCodecContext
	frame    *C.AVFrame
	packet   *C.AVPacket
	img      *image.YCbCr
	mu       sync.Mutex
}

// New opens an H.264 decoder for cfg
func New(cfg models.StreamConfig) (decode.Decoder, error) {
	codec := C.avcodec_find_decoder(C.AV_CODEC_ID_H264)
	if codec == nil {
		return nil, fmt.Errorf("H.264 decoder not found")
	}

	d := &Decoder{}
	d.codecCtx = C.avcodec_alloc_context3(codec)
	if d.codecCtx == nil {
		return nil, fmt.Errorf("failed to allocate codec context")
	}
	C.configure_context(d.codecCtx, C.int(cfg.Width), C.int(cfg.Height), C.int(cfg.MaxFPS))

	if ret := C.avcodec_open2(d.codecCtx, codec, nil); ret < 0 {
		d.Close()
		return nil, fmt.Errorf("failed to open codec: %s", avErr(ret))
	}

	d.frame = C.av_frame_alloc()
	if d.frame == nil {
		d.Close()
		return nil, fmt.Errorf("failed to allocate frame")
	}

	d.packet = C.av_packet_alloc()
	if d.packet == nil {
		d.Close()
		return nil, fmt.Errorf("failed to allocate packet")
	}

	return d, nil
}

// Decode submits one access unit and returns the next picture, or
// decode.ErrNoFrame when the decoder needs more input
func (d *Decoder) Decode(pkt models.Packet) (*image.YCbCr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.codecCtx == nil {
		return nil, errClosed
	}
	if len(pkt.Payload) == 0 {
		return nil, decode.ErrNoFrame
	}

	// copy into libav-owned memory; a C struct must not hold a Go pointer
	if ret := C.av_new_packet(d.packet, C.int(len(pkt.Payload))); ret < 0 {
		return nil, fmt.Errorf("failed to allocate packet data: %s", avErr(ret))
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(d.packet.data)), len(pkt.Payload)), pkt.Payload)
	d.packet.pts = C.int64_t(pkt.PTS)

	ret := C.avcodec_send_packet(d.codecCtx, d.packet)
	C.av_packet_unref(d.packet)
	if ret < 0 && ret != C.averror_eagain() {
		return nil, fmt.Errorf("send packet error: %s", avErr(ret))
	}

	ret = C.avcodec_receive_frame(d.codecCtx, d.frame)
	if ret == C.averror_eagain() || ret == C.averror_eof() {
		return nil, decode.ErrNoFrame
	}
	if ret < 0 {
		return nil, fmt.Errorf("receive frame error: %s", avErr(ret))
	}
	defer C.av_frame_unref(d.frame)

	if C.is_yuv420(d.frame) == 0 {
		return nil, fmt.Errorf("%w: pixel format %d", decode.ErrUnsupportedFormat, int(d.frame.format))
	}
	return d.copyFrame()
}

func (d *Decoder) copyFrame() (*image.YCbCr, error) {
	w, h := int(d.frame.width), int(d.frame.height)
	if w <= 0 || h <= 0 {
		return nil, decode.ErrNoFrame
	}
	cw, ch := (w+1)/2, (h+1)/2

	ls := d.frame.linesize
	if int(ls[0]) < w || int(ls[1]) < cw || int(ls[2]) < cw {
		return nil, fmt.Errorf("%w: unexpected line sizes %v", decode.ErrUnsupportedFormat, ls[:3])
	}

	if d.img == nil || d.img.Rect.Dx() != w || d.img.Rect.Dy() != h {
		d.img = image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	}

	copyPlane(d.img.Y, d.img.YStride, d.frame.data[0], int(ls[0]), w, h)
	copyPlane(d.img.Cb, d.img.CStride, d.frame.data[1], int(ls[1]), cw, ch)
	copyPlane(d.img.Cr, d.img.CStride, d.frame.data[2], int(ls[2]), cw, ch)
	return d.img, nil
}

func copyPlane(dst []byte, dstStride int, src *C.uint8_t, srcStride, w, h int) {
	plane := unsafe.Slice((*byte)(unsafe.Pointer(src)), srcStride*(h-1)+w)
	for y := 0; y < h; y++ {
		copy(dst[y*dstStride:y*dstStride+w], plane[y*srcStride:y*srcStride+w])
	}
}

// Close releases all decoder resources
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.packet != nil {
		C.av_packet_free(&d.packet)
	}
	if d.frame != nil {
		C.av_frame_free(&d.frame)
	}
	if d.codecCtx != nil {
		C.avcodec_free_context(&d.codecCtx)
	}
	return nil
}

func avErr(errnum C.int) string {
	buf := make([]byte, C.AV_ERROR_MAX_STRING_SIZE)
	C.av_strerror(errnum, (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf)))
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
