package observability

import (
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a structured JSON logger for component.
// Level comes from LENDER_LOG_LEVEL (default info). When LENDER_LOG_FILE is set,
// records are also written to that file with size-based rotation.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv("LENDER_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logOutput()).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

var (
	rotatingMu sync.Mutex
	rotating   *lumberjack.Logger
)

func logOutput() io.Writer {
	path := os.Getenv("LENDER_LOG_FILE")
	if path == "" {
		return os.Stdout
	}
	rotatingMu.Lock()
	defer rotatingMu.Unlock()
	if rotating == nil || rotating.Filename != path {
		rotating = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    envInt("LENDER_LOG_MAX_SIZE_MB", 100),
			MaxBackups: envInt("LENDER_LOG_MAX_BACKUPS", 5),
			MaxAge:     envInt("LENDER_LOG_MAX_AGE_DAYS", 14),
			Compress:   true,
		}
	}
	return zerolog.MultiLevelWriter(os.Stdout, rotating)
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
