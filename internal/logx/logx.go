package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int8

const (
	LevelDebug Level = Level(zapcore.DebugLevel)
	LevelInfo  Level = Level(zapcore.InfoLevel)
	LevelWarn  Level = Level(zapcore.WarnLevel)
	LevelError Level = Level(zapcore.ErrorLevel)
)

// EnvLevel names the environment variable consulted by Configure.
const EnvLevel = "AUTHGATE_LOG_LEVEL"

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger atomic.Pointer[zap.Logger]
)

func init() {
	SetOutput(os.Stderr)
}

func newLogger(w io.Writer) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.RFC3339TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}

// SetOutput redirects log output. Used by tests and the CLI.
func SetOutput(w io.Writer) {
	logger.Store(newLogger(w))
}

func ParseLevel(v string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", v)
	}
}

func SetLevel(v string) error {
	lvl, err := ParseLevel(v)
	if err != nil {
		return err
	}
	level.SetLevel(zapcore.Level(lvl))
	return nil
}

// Configure resolves log level from flags and env.
// Precedence: --log-level > --verbose > AUTHGATE_LOG_LEVEL > default(info).
func Configure(flagLevel string, verbose bool) error {
	if strings.TrimSpace(flagLevel) != "" {
		return SetLevel(flagLevel)
	}
	if verbose {
		return SetLevel("debug")
	}
	if env := strings.TrimSpace(os.Getenv(EnvLevel)); env != "" {
		return SetLevel(env)
	}
	return SetLevel("info")
}

func IsDebug() bool {
	return level.Enabled(zapcore.DebugLevel)
}

func logf(l zapcore.Level, format string, args ...any) {
	if !level.Enabled(l) {
		return
	}
	msg := Redact(fmt.Sprintf(format, args...))
	if ce := logger.Load().Check(l, msg); ce != nil {
		ce.Write()
	}
}

// Sync flushes buffered output.
func Sync() { _ = logger.Load().Sync() }

func Debugf(format string, args ...any) { logf(zapcore.DebugLevel, format, args...) }
func Infof(format string, args ...any)  { logf(zapcore.InfoLevel, format, args...) }
func Warnf(format string, args ...any)  { logf(zapcore.WarnLevel, format, args...) }
func Errorf(format string, args ...any) { logf(zapcore.ErrorLevel, format, args...) }
