package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration, read from the environment and
// overridable by command-line flags in main
type Config struct {
	HTTPAddr     string
	ADBPath      string
	ServerPath   string
	RemotePath   string
	SocketName   string
	ForwardPort  int
	DBPath       string
	LogDir       string
	PollInterval time.Duration

	StreamWidth   int
	StreamHeight  int
	StreamMaxFPS  int
	StreamBitrate int

	AutoStart   bool
	AutoRestart bool
	MaxRestarts int
	Debug       bool
}

// Load reads every setting from the environment, falling back to defaults
func Load() Config {
	return Config{
		HTTPAddr:     getEnv("MIRROLINK_HTTP_ADDR", ":8080"),
		ADBPath:      getEnv("ADB_PATH", "adb"),
		ServerPath:   getEnv("SCRCPY_SERVER_PATH", "./scrcpy-server"),
		RemotePath:   getEnv("SCRCPY_REMOTE_PATH", "/data/local/tmp/scrcpy-server"),
		SocketName:   getEnv("SCRCPY_SOCKET", "scrcpy"),
		ForwardPort:  getIntEnv("FORWARD_PORT", 27183),
		DBPath:       getEnv("DB_PATH", "./data/mirrolink.db"),
		LogDir:       getEnv("LOG_DIR", "log"),
		PollInterval: getDurationEnv("POLL_INTERVAL", time.Second),

		StreamWidth:   getIntEnv("STREAM_WIDTH", 1280),
		StreamHeight:  getIntEnv("STREAM_HEIGHT", 720),
		StreamMaxFPS:  getIntEnv("STREAM_MAX_FPS", 60),
		StreamBitrate: getIntEnv("STREAM_BITRATE", 8000000),

		AutoStart:   getBoolEnv("AUTO_START", false),
		AutoRestart: getBoolEnv("AUTO_RESTART", true),
		MaxRestarts: getIntEnv("MAX_RESTARTS", 3),
		Debug:       getBoolEnv("DEBUG", false),
	}
}

// getEnv gets environment variable with fallback default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid integer for %s: %v\n", key, err)
		return defaultVal
	}
	return n
}

func getBoolEnv(key string, defaultVal bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "":
		return defaultVal
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		fmt.Fprintf(os.Stderr, "invalid boolean for %s, using %v\n", key, defaultVal)
		return defaultVal
	}
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "invalid duration for %s: %q\n", key, val)
		return defaultVal
	}
	return d
}
