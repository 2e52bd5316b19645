package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/luxfi/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a config.yaml logging.level string onto slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "crit", "critical":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}

// zapLogger implements log.Logger the same geth-style-methods-plus-
// node-compatibility-methods surface as NoOp, but forwards everything
// to a real *zap.SugaredLogger instead of discarding it. Used by the
// daemon in place of NoOp once a config.LoggingConfig names a level.
type zapLogger struct {
	z     *zap.SugaredLogger
	level zap.AtomicLevel
}

// NewProduction builds a JSON-to-stderr Logger at the given level.
func NewProduction(level slog.Level) (log.Logger, error) {
	atomic := zap.NewAtomicLevelAt(slogToZap(level))
	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	built, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{z: built.Sugar(), level: atomic}, nil
}

func slogToZap(l slog.Level) zapcore.Level {
	switch {
	case l < slog.LevelInfo:
		return zapcore.DebugLevel
	case l < slog.LevelWarn:
		return zapcore.InfoLevel
	case l < slog.LevelError:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func zapToSlog(l zapcore.Level) slog.Level {
	switch l {
	case zapcore.DebugLevel:
		return slog.LevelDebug
	case zapcore.WarnLevel:
		return slog.LevelWarn
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (n *zapLogger) With(ctx ...interface{}) log.Logger {
	return &zapLogger{z: n.z.With(ctx...), level: n.level}
}

func (n *zapLogger) New(ctx ...interface{}) log.Logger { return n.With(ctx...) }

func (n *zapLogger) Log(level slog.Level, msg string, ctx ...interface{}) {
	switch {
	case level >= slog.LevelError:
		n.z.Errorw(msg, ctx...)
	case level >= slog.LevelWarn:
		n.z.Warnw(msg, ctx...)
	case level >= slog.LevelInfo:
		n.z.Infow(msg, ctx...)
	default:
		n.z.Debugw(msg, ctx...)
	}
}

func (n *zapLogger) Trace(msg string, ctx ...interface{}) { n.z.Debugw(msg, ctx...) }
func (n *zapLogger) Debug(msg string, ctx ...interface{}) { n.z.Debugw(msg, ctx...) }
func (n *zapLogger) Info(msg string, ctx ...interface{})  { n.z.Infow(msg, ctx...) }
func (n *zapLogger) Warn(msg string, ctx ...interface{})  { n.z.Warnw(msg, ctx...) }
func (n *zapLogger) Error(msg string, ctx ...interface{}) { n.z.Errorw(msg, ctx...) }
func (n *zapLogger) Crit(msg string, ctx ...interface{})  { n.z.Errorw(msg, ctx...) }

func (n *zapLogger) WriteLog(level slog.Level, msg string, attrs ...any) {
	n.Log(level, msg, attrs...)
}

func (n *zapLogger) Enabled(_ context.Context, level slog.Level) bool {
	return n.level.Enabled(slogToZap(level))
}

func (n *zapLogger) Handler() slog.Handler { return nil }

func (n *zapLogger) Fatal(msg string, fields ...zap.Field) { n.z.Desugar().Fatal(msg, fields...) }
func (n *zapLogger) Verbo(msg string, fields ...zap.Field) { n.z.Desugar().Debug(msg, fields...) }

func (n *zapLogger) WithFields(fields ...zap.Field) log.Logger {
	return &zapLogger{z: n.z.Desugar().With(fields...).Sugar(), level: n.level}
}

func (n *zapLogger) WithOptions(opts ...zap.Option) log.Logger {
	return &zapLogger{z: n.z.Desugar().WithOptions(opts...).Sugar(), level: n.level}
}

func (n *zapLogger) SetLevel(level slog.Level)       { n.level.SetLevel(slogToZap(level)) }
func (n *zapLogger) GetLevel() slog.Level            { return zapToSlog(n.level.Level()) }
func (n *zapLogger) EnabledLevel(lvl slog.Level) bool { return n.level.Enabled(slogToZap(lvl)) }

func (n *zapLogger) StopOnPanic()                    {}
func (n *zapLogger) RecoverAndPanic(f func())        { f() }
func (n *zapLogger) RecoverAndExit(f, exit func())   { f() }
func (n *zapLogger) Stop()                           { _ = n.z.Sync() }

func (n *zapLogger) Write(p []byte) (int, error) {
	n.z.Info(string(p))
	return len(p), nil
}
