package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"mirrolink/adb"
	"mirrolink/models"
)

const (
	DefaultForwardPort = 27183
	DefaultSocketName  = "scrcpy"
	DefaultRemotePath  = "/data/local/tmp/scrcpy-server"
	companionClass     = "com.genymobile.scrcpy.Server"
)

// BridgeRunner is the part of the adb client the bridge drives
type BridgeRunner interface {
	Push(ctx context.Context, serial, localPath, remotePath string) error
	StartShell(serial string, args []string) (adb.Process, error)
	Forward(ctx context.Context, serial string, localPort int, remoteSocket string) error
	RemoveForward(ctx context.Context, serial string, localPort int) error
}

// BridgeConfig locates the companion binary and the forward endpoint
type BridgeConfig struct {
	ServerPath string // local companion binary
	RemotePath string
	SocketName string
	Port       int
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		ServerPath: "scrcpy-server",
		RemotePath: DefaultRemotePath,
		SocketName: DefaultSocketName,
		Port:       DefaultForwardPort,
	}
}

// forwardLeases tracks which local ports have a live forward in this process
var forwardLeases = struct {
	sync.Mutex
	held map[int]*Bridge
}{held: make(map[int]*Bridge)}

// Bridge stands up the on-device companion and the local port forward
type Bridge struct {
	runner BridgeRunner
	cfg    BridgeConfig
	log    *zap.SugaredLogger

	mu        sync.Mutex
	serial    string
	server    adb.Process
	forwarded bool
	leased    bool
}

func NewBridge(runner BridgeRunner, cfg BridgeConfig, log *zap.SugaredLogger) *Bridge {
	def := DefaultBridgeConfig()
	if cfg.ServerPath == "" {
		cfg.ServerPath = def.ServerPath
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = def.RemotePath
	}
	if cfg.SocketName == "" {
		cfg.SocketName = def.SocketName
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	return &Bridge{
		runner: runner,
		cfg:    cfg,
		log:    log,
	}
}

// Addr is the loopback address of the forward
func (b *Bridge) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", b.cfg.Port)
}

// Establish pushes the companion, launches it and forwards the local port.
// A failing step undoes the earlier ones before returning.
func (b *Bridge) Establish(ctx context.Context, serial string, sc models.StreamConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.lease(); err != nil {
		return err
	}
	b.serial = serial

	// Step 1: Push companion to device
	b.log.Infof("📦 [%s] Pushing companion server...", serial)
	if err := b.runner.Push(ctx, serial, b.cfg.ServerPath, b.cfg.RemotePath); err != nil {
		b.release()
		return fmt.Errorf("failed to push companion server: %w", err)
	}

	// Step 2: Launch it with width, max fps and bitrate
	b.log.Infof("🚀 [%s] Starting companion server (%dx%d @ %dfps, %d bps)...",
		serial, sc.Width, sc.Height, sc.MaxFPS, sc.Bitrate)
	proc, err := b.runner.StartShell(serial, b.launchArgs(sc))
	if err != nil {
		b.release()
		return fmt.Errorf("failed to start companion server: %w", err)
	}
	b.server = proc

	// Step 3: Forward local port to the companion's abstract socket
	b.log.Infof("🔌 [%s] Setting up forward on port %d (socket: %s)...", serial, b.cfg.Port, b.cfg.SocketName)
	if err := b.runner.Forward(ctx, serial, b.cfg.Port, b.cfg.SocketName); err != nil {
		b.stopServer()
		b.release()
		return fmt.Errorf("failed to set up forward: %w", err)
	}
	b.forwarded = true

	b.log.Infof("✅ [%s] Forward established on %s", serial, b.Addr())
	return nil
}

func (b *Bridge) launchArgs(sc models.StreamConfig) []string {
	return []string{
		"CLASSPATH=" + b.cfg.RemotePath,
		"app_process",
		"/",
		companionClass,
		strconv.Itoa(sc.Width),
		strconv.Itoa(sc.MaxFPS),
		strconv.Itoa(sc.Bitrate),
	}
}

// Teardown removes the forward and stops the companion. Failures are logged
// and never returned; the companion may already be gone.
func (b *Bridge) Teardown(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.forwarded {
		b.log.Infof("🔌 [%s] Removing forward on port %d...", b.serial, b.cfg.Port)
		if err := b.runner.RemoveForward(ctx, b.serial, b.cfg.Port); err != nil {
			b.log.Warnf("⚠️ [%s] Failed to remove forward: %v", b.serial, err)
		}
		b.forwarded = false
	}
	b.stopServer()
	b.release()
}

func (b *Bridge) stopServer() {
	if b.server == nil {
		return
	}
	b.log.Infof("🛑 [%s] Stopping companion server (PID: %d)...", b.serial, b.server.Pid())
	if err := b.server.Stop(); err != nil {
		b.log.Warnf("⚠️ [%s] Failed to stop companion server: %v", b.serial, err)
	}
	b.server = nil
}

func (b *Bridge) lease() error {
	forwardLeases.Lock()
	defer forwardLeases.Unlock()
	if holder, ok := forwardLeases.held[b.cfg.Port]; ok {
		if holder == b {
			return fmt.Errorf("%w: port %d already established, tear down first", ErrForwardBusy, b.cfg.Port)
		}
		return fmt.Errorf("%w: port %d", ErrForwardBusy, b.cfg.Port)
	}
	forwardLeases.held[b.cfg.Port] = b
	b.leased = true
	return nil
}

func (b *Bridge) release() {
	if !b.leased {
		return
	}
	forwardLeases.Lock()
	if forwardLeases.held[b.cfg.Port] == b {
		delete(forwardLeases.held, b.cfg.Port)
	}
	forwardLeases.Unlock()
	b.leased = false
}
