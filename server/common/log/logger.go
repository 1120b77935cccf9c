package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	cmnenv "dm_server/server/common/env"
)

const (
	envLogFilePath = "LOG_FILE_PATH"
	envLogFormat   = "LOG_FORMAT"
	envLogLevel    = "LOG_LEVEL"
	logFormatText  = "text"
	logFormatJSON  = "json"
)

var (
	mu     sync.RWMutex
	global = newLoggerFromEnv()
)

func newLoggerFromEnv() *zap.SugaredLogger {
	format := strings.ToLower(strings.TrimSpace(cmnenv.String(envLogFormat, logFormatText)))
	level, err := zapcore.ParseLevel(cmnenv.String(envLogLevel, "info"))
	if err != nil {
		level = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	if format != logFormatJSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	if path := strings.TrimSpace(cmnenv.String(envLogFilePath, "")); path != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, path)
	}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewExample(zap.AddCallerSkip(1))
	}
	return logger.Sugar()
}

// SetLogger replaces the process logger; tests use it to silence or capture output.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func Sync() {
	_ = current().Sync()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func Debugf(format string, args ...any) {
	current().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	current().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	current().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	current().Errorf(format, args...)
}
