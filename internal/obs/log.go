package obs

import (
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
	base  = newLogger(os.Stdout, "json")
)

// Options configures the process-wide logger.
type Options struct {
	Debug  bool
	Format string // "json" (default) or "console"
	Output io.Writer
}

// Configure replaces the global logger. Safe to call more than once.
func Configure(o Options) {
	if o.Output == nil {
		o.Output = os.Stdout
	}
	EnableDebug(o.Debug)
	l := newLogger(o.Output, o.Format)
	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zap.DebugLevel)
		return
	}
	level.SetLevel(zap.InfoLevel)
}

// DebugEnabled reports whether debug events are emitted. Hot paths use it to
// skip building Fields.
func DebugEnabled() bool { return level.Enabled(zap.DebugLevel) }

type Fields map[string]any

func newLogger(w io.Writer, format string) *zap.Logger {
	ec := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	var enc zapcore.Encoder
	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		enc = zapcore.NewJSONEncoder(ec)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level))
}

func logWith(lvl zapcore.Level, msg string, f Fields) {
	mu.RLock()
	l := base
	mu.RUnlock()
	ce := l.Check(lvl, msg)
	if ce == nil {
		return
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		zf = append(zf, zap.Any(k, f[k]))
	}
	ce.Write(zf...)
}

func Info(msg string, f Fields)  { logWith(zap.InfoLevel, msg, f) }
func Warn(msg string, f Fields)  { logWith(zap.WarnLevel, msg, f) }
func Error(msg string, f Fields) { logWith(zap.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(zap.DebugLevel, msg, f) }

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
