package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mirrolink/decode"
	"mirrolink/models"
	"mirrolink/protocol"
	"mirrolink/record"
)

// CaptureState represents the lifecycle state of the capture loop
type CaptureState int

const (
	StateIdle       CaptureState = iota // Never started
	StateForwarding                     // Bridge being established
	StateDecoding                       // Reading and decoding packets
	StateStopping                       // Stop requested, joining the loop
	StateStopped                        // Loop ended
	StateFailed                         // Setup failed or error storm
)

func (s CaptureState) String() string {
	return [...]string{"IDLE", "FORWARDING", "DECODING", "STOPPING", "STOPPED", "FAILED"}[s]
}

// Transport sets up the byte stream the capture loop reads from
type Transport interface {
	Establish(ctx context.Context, serial string, cfg models.StreamConfig) error
	Teardown(ctx context.Context)
	Addr() string
}

// FrameCallback receives every decoded frame. Frame.Pix is reused after the
// callback returns; copy it to keep it.
type FrameCallback func(frame models.Frame)

// ExitObserver is told when the loop ends on its own, with the generation
// of the session that ended
type ExitObserver func(serial string, generation uint64, err error)

// CaptureOptions tunes retry and error handling
type CaptureOptions struct {
	DialAttempts  int
	DialInterval  time.Duration
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	ErrorPause    time.Duration
	MaxErrors     int
	ErrorWindow   time.Duration
	StatsInterval time.Duration
}

func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		DialAttempts:  10,
		DialInterval:  300 * time.Millisecond,
		DialTimeout:   2 * time.Second,
		ReadTimeout:   5 * time.Second,
		ErrorPause:    100 * time.Millisecond,
		MaxErrors:     5,
		ErrorWindow:   5 * time.Second,
		StatsInterval: 5 * time.Second,
	}
}

// CaptureStats is a point-in-time view of the session counters
type CaptureStats struct {
	PacketsRead   int64     `json:"packets_read"`
	BytesRead     int64     `json:"bytes_read"`
	FramesDecoded int64     `json:"frames_decoded"`
	DecodeErrors  int64     `json:"decode_errors"`
	ReadErrors    int64     `json:"read_errors"`
	FPS           float64   `json:"fps"`
	StartedAt     time.Time `json:"started_at"`
}

type captureCounters struct {
	packets   atomic.Int64
	bytes     atomic.Int64
	frames    atomic.Int64
	decodeErr atomic.Int64
	readErr   atomic.Int64
	fpsMilli  atomic.Int64
	startedAt atomic.Int64 // unix nanos
}

func (c *captureCounters) reset() {
	c.packets.Store(0)
	c.bytes.Store(0)
	c.frames.Store(0)
	c.decodeErr.Store(0)
	c.readErr.Store(0)
	c.fpsMilli.Store(0)
	c.startedAt.Store(time.Now().UnixNano())
}

// errDecode marks a packet the decoder rejected; the loop moves on to the next
var errDecode = errors.New("decode failed")

// captureRun is the state of one started session
type captureRun struct {
	generation uint64
	serial     string
	cfg        models.StreamConfig
	pipeline   *decode.Pipeline
	errs       *errorWindow

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	connMu sync.Mutex
	conn   net.Conn
}

// halt asks the loop to end and unblocks a pending read
func (r *captureRun) halt() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.connMu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.connMu.Unlock()
}

func (r *captureRun) halted() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// pause waits d and reports false if the run was halted meanwhile
func (r *captureRun) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-r.stop:
		return false
	case <-t.C:
		return true
	}
}

func (r *captureRun) setConn(c net.Conn) bool {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.halted() {
		return false
	}
	r.conn = c
	return true
}

// CaptureLoop owns one mirroring session at a time: bridge, decoder,
// receive goroutine and optional recorder
type CaptureLoop struct {
	transport  Transport
	newDecoder decode.Factory
	opts       CaptureOptions
	log        *zap.SugaredLogger

	opMu sync.Mutex // serializes Start, Stop and UpdateConfig

	mu         sync.Mutex
	state      CaptureState
	run        *captureRun
	serial     string
	cfg        models.StreamConfig
	lastErr    error
	generation uint64

	cbMu    sync.Mutex
	onFrame FrameCallback

	exitMu  sync.Mutex
	onExits []ExitObserver

	recMu    sync.Mutex
	recorder *record.Recorder
	sps, pps []byte

	stats captureCounters
}

func NewCaptureLoop(transport Transport, newDecoder decode.Factory, opts CaptureOptions, log *zap.SugaredLogger) *CaptureLoop {
	def := DefaultCaptureOptions()
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = def.DialAttempts
	}
	if opts.DialInterval <= 0 {
		opts.DialInterval = def.DialInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.ErrorPause <= 0 {
		opts.ErrorPause = def.ErrorPause
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = def.MaxErrors
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = def.ErrorWindow
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = def.StatsInterval
	}
	return &CaptureLoop{
		transport:  transport,
		newDecoder: newDecoder,
		opts:       opts,
		log:        log,
	}
}

// SetFrameCallback replaces the frame sink. nil drops frames.
func (l *CaptureLoop) SetFrameCallback(fn FrameCallback) {
	l.cbMu.Lock()
	l.onFrame = fn
	l.cbMu.Unlock()
}

// OnExit registers an observer for sessions that end without Stop
func (l *CaptureLoop) OnExit(fn ExitObserver) {
	l.exitMu.Lock()
	l.onExits = append(l.onExits, fn)
	l.exitMu.Unlock()
}

// Start validates cfg, establishes the bridge, opens the decoder and starts
// the receive goroutine. A running session is stopped first.
func (l *CaptureLoop) Start(ctx context.Context, serial string, cfg models.StreamConfig) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.start(ctx, serial, cfg)
}

func (l *CaptureLoop) start(ctx context.Context, serial string, cfg models.StreamConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		l.log.Errorf("❌ [%s] Refusing to start capture: %v", serial, err)
		return err
	}

	l.mu.Lock()
	running := l.run != nil
	l.mu.Unlock()
	if running {
		l.log.Infof("🔄 [%s] Capture already running, restarting with new config", serial)
		l.stop(ctx)
	}

	l.setState(StateForwarding)
	if err := l.transport.Establish(ctx, serial, cfg); err != nil {
		l.fail(serial, err)
		return fmt.Errorf("failed to establish bridge: %w", err)
	}

	pipeline, err := decode.NewPipeline(cfg, l.newDecoder)
	if err != nil {
		l.transport.Teardown(ctx)
		l.fail(serial, err)
		return fmt.Errorf("failed to initialize decoder: %w", err)
	}

	l.recMu.Lock()
	l.sps, l.pps = nil, nil
	l.recMu.Unlock()
	l.stats.reset()

	l.mu.Lock()
	l.generation++
	run := &captureRun{
		generation: l.generation,
		serial:     serial,
		cfg:        cfg,
		pipeline:   pipeline,
		errs:       newErrorWindow(l.opts.MaxErrors, l.opts.ErrorWindow),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	l.run = run
	l.serial = serial
	l.cfg = cfg
	l.lastErr = nil
	l.state = StateDecoding
	l.mu.Unlock()

	go l.receive(run)

	l.log.Infof("🎬 [%s] Capture started (%dx%d @ %dfps, %d bps)", serial, cfg.Width, cfg.Height, cfg.MaxFPS, cfg.Bitrate)

	if cfg.Record {
		if err := l.StartRecording(cfg.RecordPath); err != nil {
			l.stop(ctx)
			l.fail(serial, err)
			return err
		}
	}
	return nil
}

// fail records a setup failure and returns the loop to Idle
func (l *CaptureLoop) fail(serial string, err error) {
	l.log.Errorf("❌ [%s] Capture setup failed: %v", serial, err)
	l.mu.Lock()
	l.state = StateFailed
	l.lastErr = err
	l.state = StateIdle
	l.mu.Unlock()
}

func (l *CaptureLoop) setState(s CaptureState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Stop ends the session and releases everything it holds. It is a no-op
// when nothing is running.
func (l *CaptureLoop) Stop() {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.stop(context.Background())
}

func (l *CaptureLoop) stop(ctx context.Context) {
	l.mu.Lock()
	run := l.run
	if run == nil {
		l.mu.Unlock()
		return
	}
	if l.state == StateDecoding {
		l.state = StateStopping
	}
	l.mu.Unlock()

	l.log.Infof("🛑 [%s] Stopping capture...", run.serial)
	run.halt()
	<-run.done

	if err := multierr.Combine(l.closeRecorder(), run.pipeline.Close()); err != nil {
		l.log.Warnw("⚠️ Failed to release capture resources", "serial", run.serial, "errors", multierr.Errors(err))
	}
	l.transport.Teardown(ctx)

	l.mu.Lock()
	l.run = nil
	if l.state != StateFailed {
		l.state = StateStopped
	}
	l.mu.Unlock()

	l.log.Infof("✅ [%s] Capture stopped", run.serial)
}

// UpdateConfig restarts the session on the same device with cfg
func (l *CaptureLoop) UpdateConfig(ctx context.Context, cfg models.StreamConfig) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	serial := l.serial
	l.mu.Unlock()
	if serial == "" {
		return ErrNoDeviceSelected
	}

	l.stop(ctx)
	return l.start(ctx, serial, cfg)
}

// receive is the capture goroutine for one run
func (l *CaptureLoop) receive(run *captureRun) {
	err := l.runCapture(run)

	halted := run.halted()
	if !halted {
		l.mu.Lock()
		if errors.Is(err, ErrErrorStorm) {
			l.state = StateFailed
		} else {
			l.state = StateStopped
		}
		l.lastErr = err
		l.mu.Unlock()
	}
	close(run.done)

	if !halted {
		l.notifyExit(run, err)
	}
}

func (l *CaptureLoop) runCapture(run *captureRun) error {
	conn, err := l.dial(run)
	if err != nil {
		if run.halted() {
			return nil
		}
		l.log.Errorf("❌ [%s] Failed to connect to companion: %v", run.serial, err)
		return err
	}
	if !run.setConn(conn) {
		conn.Close()
		return nil
	}
	defer conn.Close()

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetReadBuffer(1024 * 1024)
	}
	l.log.Infof("✅ [%s] Connected to companion at %s", run.serial, conn.RemoteAddr())

	reader := protocol.NewReader(conn)
	lastStats := time.Now()
	var lastFrames int64

	for !run.halted() {
		if l.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
		}

		err := l.iterate(run, reader)

		if now := time.Now(); now.Sub(lastStats) >= l.opts.StatsInterval {
			frames := l.stats.frames.Load()
			fps := float64(frames-lastFrames) / now.Sub(lastStats).Seconds()
			l.stats.fpsMilli.Store(int64(fps * 1000))
			l.log.Infof("📊 [%s] %.1f fps (%d frames, %d packets)", run.serial, fps, frames, l.stats.packets.Load())
			lastStats, lastFrames = now, frames
		}

		switch {
		case err == nil, errors.Is(err, decode.ErrNoFrame):
		case errors.Is(err, protocol.ErrReadTimeout):
			// static screens send nothing
		case protocol.IsConnectionLoss(err):
			if run.halted() {
				return nil
			}
			l.log.Warnf("⚠️ [%s] Stream closed by companion: %v", run.serial, err)
			return err
		case errors.Is(err, errDecode):
			l.log.Debugf("[%s] %v", run.serial, err)
		default:
			if run.halted() {
				return nil
			}
			l.log.Warnf("⚠️ [%s] Capture error, retrying: %v", run.serial, err)
			if run.errs.record() {
				l.log.Errorf("❌ [%s] More than %d errors within %v, giving up", run.serial, l.opts.MaxErrors, l.opts.ErrorWindow)
				return fmt.Errorf("%w: last error: %v", ErrErrorStorm, err)
			}
			run.pause(l.opts.ErrorPause)
		}
	}
	return nil
}

// iterate reads, records, decodes and delivers one packet. A panic anywhere
// in the iteration is returned as an error.
func (l *CaptureLoop) iterate(run *captureRun, reader *protocol.Reader) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capture iteration panicked: %v", r)
		}
	}()

	pkt, err := reader.ReadPacket()
	if err != nil {
		if !errors.Is(err, protocol.ErrReadTimeout) {
			l.stats.readErr.Add(1)
		}
		return err
	}
	l.stats.packets.Add(1)
	l.stats.bytes.Add(int64(len(pkt.Payload)))

	l.observePacket(run, pkt)

	frame, err := run.pipeline.Process(pkt)
	if err != nil {
		if errors.Is(err, decode.ErrNoFrame) {
			return err
		}
		l.stats.decodeErr.Add(1)
		if errors.Is(err, decode.ErrUnsupportedFormat) {
			return err
		}
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	if frame.Width == 0 || frame.Height == 0 {
		return decode.ErrNoFrame
	}
	l.stats.frames.Add(1)
	l.deliver(frame)
	return nil
}

func (l *CaptureLoop) deliver(frame models.Frame) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	if l.onFrame != nil {
		l.onFrame(frame)
	}
}

// observePacket caches parameter sets for later recordings and feeds the
// active recorder
func (l *CaptureLoop) observePacket(run *captureRun, pkt models.Packet) {
	l.recMu.Lock()
	defer l.recMu.Unlock()

	if nalus, err := h264.AnnexBUnmarshal(pkt.Payload); err == nil {
		for _, nalu := range nalus {
			if len(nalu) == 0 {
				continue
			}
			switch h264.NALUType(nalu[0] & 0x1f) {
			case h264.NALUTypeSPS:
				l.sps = append([]byte(nil), nalu...)
			case h264.NALUTypePPS:
				l.pps = append([]byte(nil), nalu...)
			}
		}
	}

	if l.recorder == nil {
		return
	}
	if err := l.recorder.WritePacket(pkt); err != nil {
		l.log.Warnf("⚠️ [%s] Recording write failed: %v", run.serial, err)
	}
}

func (l *CaptureLoop) notifyExit(run *captureRun, err error) {
	l.exitMu.Lock()
	observers := append([]ExitObserver(nil), l.onExits...)
	l.exitMu.Unlock()

	for _, fn := range observers {
		fn(run.serial, run.generation, err)
	}
}

// dial connects to the forwarded port, retrying while the companion starts
func (l *CaptureLoop) dial(run *captureRun) (net.Conn, error) {
	addr := l.transport.Addr()
	var lastErr error
	for attempt := 1; attempt <= l.opts.DialAttempts; attempt++ {
		if run.halted() {
			return nil, protocol.ErrConnectionLost
		}
		conn, err := net.DialTimeout("tcp", addr, l.opts.DialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		l.log.Debugf("[%s] Connection attempt %d/%d to %s failed: %v", run.serial, attempt, l.opts.DialAttempts, addr, err)
		if !run.pause(l.opts.DialInterval) {
			return nil, protocol.ErrConnectionLost
		}
	}
	return nil, fmt.Errorf("%w: failed to connect to %s after %d attempts: %v",
		protocol.ErrConnectionLost, addr, l.opts.DialAttempts, lastErr)
}

// StartRecording opens a recording sink for the running session
func (l *CaptureLoop) StartRecording(path string) error {
	l.mu.Lock()
	state, cfg, serial := l.state, l.cfg, l.serial
	l.mu.Unlock()
	if state != StateDecoding {
		return ErrNotActive
	}

	l.recMu.Lock()
	defer l.recMu.Unlock()
	if l.recorder != nil {
		return ErrAlreadyRecording
	}

	rec, err := record.Open(path, record.Params{
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    cfg.MaxFPS,
		SPS:    l.sps,
		PPS:    l.pps,
	})
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	l.recorder = rec
	l.log.Infof("⏺️ [%s] Recording to %s", serial, path)
	return nil
}

// StopRecording finalizes the recording. It is a no-op when not recording.
func (l *CaptureLoop) StopRecording() error {
	return l.closeRecorder()
}

func (l *CaptureLoop) closeRecorder() error {
	l.recMu.Lock()
	rec := l.recorder
	l.recorder = nil
	l.recMu.Unlock()

	if rec == nil {
		return nil
	}
	err := rec.Close()
	l.log.Infof("⏹️ Recording saved to %s (%d frames)", rec.Path(), rec.Frames())
	return err
}

// RecordingPath returns the active recording file, or ""
func (l *CaptureLoop) RecordingPath() string {
	l.recMu.Lock()
	defer l.recMu.Unlock()
	if l.recorder == nil {
		return ""
	}
	return l.recorder.Path()
}

func (l *CaptureLoop) IsRecording() bool {
	return l.RecordingPath() != ""
}

func (l *CaptureLoop) State() CaptureState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsActive reports whether the loop is decoding
func (l *CaptureLoop) IsActive() bool {
	return l.State() == StateDecoding
}

// Config returns the config of the current or last session
func (l *CaptureLoop) Config() models.StreamConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Serial returns the device of the current or last session
func (l *CaptureLoop) Serial() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.serial
}

// Generation increments on every successful Start
func (l *CaptureLoop) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// Err returns why the last session ended or failed to start
func (l *CaptureLoop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Done is closed when the current session's goroutine has exited. With no
// session it is already closed.
func (l *CaptureLoop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return l.run.done
}

func (l *CaptureLoop) Stats() CaptureStats {
	return CaptureStats{
		PacketsRead:   l.stats.packets.Load(),
		BytesRead:     l.stats.bytes.Load(),
		FramesDecoded: l.stats.frames.Load(),
		DecodeErrors:  l.stats.decodeErr.Load(),
		ReadErrors:    l.stats.readErr.Load(),
		FPS:           float64(l.stats.fpsMilli.Load()) / 1000,
		StartedAt:     time.Unix(0, l.stats.startedAt.Load()),
	}
}
