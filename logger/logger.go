// Package logger is the structured logging facade used across the module.
// Calls take a message followed by alternating key/value pairs:
//
//	logger.Info("slot ready", "slot_name", name, "position", lsn)
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var current atomic.Pointer[Logger]

func init() {
	l := New(LevelInfo)
	current.Store(&l)
}

// New returns a JSON logger writing to stderr at the given level.
// Unknown levels fall back to info.
func New(level Level) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level.zap()),
	)
	return &zapLogger{s: zap.New(core).Sugar()}
}

// FromZap adapts an existing zap logger.
func FromZap(l *zap.Logger) Logger {
	if l == nil {
		return Nop
	}
	return &zapLogger{s: l.Sugar()}
}

// Nop discards everything.
var Nop Logger = &zapLogger{s: zap.NewNop().Sugar()}

// SetDefault replaces the logger used by the package level functions.
func SetDefault(l Logger) {
	if l == nil {
		l = Nop
	}
	current.Store(&l)
}

func Default() Logger {
	return *current.Load()
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l *zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
