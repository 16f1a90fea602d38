package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mirrolink/adb"
	"mirrolink/api"
	"mirrolink/config"
	"mirrolink/decode/libav"
	"mirrolink/models"
	"mirrolink/service"
	"mirrolink/store"
	"mirrolink/usb"
)

// setupLogging builds a console logger writing to stdout and to a
// timestamped file in logDir: log/2025-12-08_21-52-35.log
func setupLogging(logDir string, debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stdout"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	var logPath string
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logPath = filepath.Join(logDir, timestamp+".log")
		cfg.OutputPaths = append(cfg.OutputPaths, logPath)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	log := logger.Sugar()
	if logPath != "" {
		log.Infof("📝 Logging to: %s", logPath)
	}
	return log, nil
}

// parseFlags overlays command-line flags on the environment config
func parseFlags(cfg config.Config) config.Config {
	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	flag.StringVar(&cfg.ADBPath, "adb", cfg.ADBPath, "path to the adb binary")
	flag.StringVar(&cfg.ServerPath, "server", cfg.ServerPath, "path to the companion server jar")
	flag.IntVar(&cfg.ForwardPort, "port", cfg.ForwardPort, "local port forwarded to the device")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.IntVar(&cfg.StreamWidth, "width", cfg.StreamWidth, "stream width")
	flag.IntVar(&cfg.StreamHeight, "height", cfg.StreamHeight, "stream height")
	flag.IntVar(&cfg.StreamMaxFPS, "fps", cfg.StreamMaxFPS, "maximum stream frame rate")
	flag.IntVar(&cfg.StreamBitrate, "bitrate", cfg.StreamBitrate, "stream bitrate in bits per second")
	flag.BoolVar(&cfg.AutoStart, "auto-start", cfg.AutoStart, "start mirroring when a device is plugged in")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	flag.Parse()
	return cfg
}

func main() {
	cfg := parseFlags(config.Load())

	log, err := setupLogging(cfg.LogDir, cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting mirrolink...")

	db, err := config.InitDatabase(cfg.DBPath)
	if err != nil {
		log.Fatalw("failed to open database", "path", cfg.DBPath, "error", err)
	}
	defer db.Close()
	history := store.NewDeviceHistory(db, log)

	adbClient := adb.NewClient(cfg.ADBPath, log)

	openUSB := func() (usb.Enumerator, error) {
		lib, err := usb.OpenLibUSB()
		if err != nil {
			return nil, err
		}
		return lib, nil
	}
	monitor := service.NewDeviceMonitor(openUSB, adbClient, cfg.PollInterval, log)

	bridge := service.NewBridge(adbClient, service.BridgeConfig{
		ServerPath: cfg.ServerPath,
		RemotePath: cfg.RemotePath,
		SocketName: cfg.SocketName,
		Port:       cfg.ForwardPort,
	}, log)
	capture := service.NewCaptureLoop(bridge, libav.New, service.DefaultCaptureOptions(), log)

	opts := service.DefaultSessionOptions()
	opts.Defaults = models.StreamConfig{
		Width:   cfg.StreamWidth,
		Height:  cfg.StreamHeight,
		MaxFPS:  cfg.StreamMaxFPS,
		Bitrate: cfg.StreamBitrate,
	}
	opts.AutoStart = cfg.AutoStart
	opts.AutoRestart = cfg.AutoRestart
	opts.MaxRestarts = cfg.MaxRestarts
	controller := service.NewSessionController(monitor, capture, history, opts, log)

	// Initialize WebSocket hub
	wsHub := api.NewWebSocketHub(log)
	go wsHub.Run()

	relay := api.NewFrameRelay(wsHub, 0, 0, log)
	go relay.Run()
	controller.SetFrameCallback(relay.OnFrame)

	monitor.OnDeviceConnected(history.Observer(models.EventDeviceConnected))
	monitor.OnDeviceDisconnected(history.Observer(models.EventDeviceDisconnected))
	monitor.OnDeviceConnected(func(dev models.Device) {
		wsHub.BroadcastToAll(models.DeviceEvent{Type: models.EventDeviceConnected, Device: dev, Timestamp: time.Now().Unix()})
	})
	monitor.OnDeviceDisconnected(func(dev models.Device) {
		wsHub.BroadcastToAll(models.DeviceEvent{Type: models.EventDeviceDisconnected, Device: dev, Timestamp: time.Now().Unix()})
	})
	capture.OnExit(func(serial string, _ uint64, err error) {
		msg := gin.H{"type": "session_ended", "serial": serial}
		if err != nil {
			msg["error"] = err.Error()
		}
		wsHub.BroadcastToAll(msg)
	})

	dispatcher := service.NewActionDispatcher(adbClient, controller, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Initialize(ctx); err != nil {
		log.Fatalw("failed to start device monitor", "error", err)
	}

	// Setup HTTP server
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, api.NewHandlers(controller, dispatcher, history), wsHub)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.Infof("🚀 Server starting on http://%s", cfg.HTTPAddr)
		log.Infof("WebSocket server on ws://%s/ws", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("failed to start server", "error", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	log.Info("🛑 Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("server shutdown", "error", err)
	}

	controller.Close()
	dispatcher.Close()
	relay.Close()
	wsHub.Close()
	if err := monitor.Close(); err != nil {
		log.Warnw("device monitor close", "error", err)
	}
	log.Info("✅ Stopped")
}
