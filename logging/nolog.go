// Package logging provides a no-op implementation of the
// github.com/luxfi/log.Logger interface, used as the default logger
// for tests and for components that have not been given one.
package logging

import (
	"context"
	"log/slog"

	"github.com/luxfi/log"
	"go.uber.org/zap"
)

// NoOp is a Logger that discards everything written to it.
type NoOp struct{}

// New returns a no-op Logger.
func New() log.Logger {
	return NoOp{}
}

func (NoOp) With(ctx ...interface{}) log.Logger { return NoOp{} }
func (NoOp) New(ctx ...interface{}) log.Logger  { return NoOp{} }

func (NoOp) Log(level slog.Level, msg string, ctx ...interface{}) {}
func (NoOp) Trace(msg string, ctx ...interface{})                 {}
func (NoOp) Debug(msg string, ctx ...interface{})                 {}
func (NoOp) Info(msg string, ctx ...interface{})                  {}
func (NoOp) Warn(msg string, ctx ...interface{})                  {}
func (NoOp) Error(msg string, ctx ...interface{})                 {}
func (NoOp) Crit(msg string, ctx ...interface{})                  {}

func (NoOp) WriteLog(level slog.Level, msg string, attrs ...any) {}

func (NoOp) Enabled(ctx context.Context, level slog.Level) bool { return false }
func (NoOp) Handler() slog.Handler                              { return nil }

func (NoOp) Fatal(msg string, fields ...zap.Field) {}
func (NoOp) Verbo(msg string, fields ...zap.Field) {}

func (n NoOp) WithFields(fields ...zap.Field) log.Logger  { return n }
func (n NoOp) WithOptions(opts ...zap.Option) log.Logger  { return n }

func (NoOp) SetLevel(level slog.Level)       {}
func (NoOp) GetLevel() slog.Level            { return slog.Level(0) }
func (NoOp) EnabledLevel(lvl slog.Level) bool { return false }

func (NoOp) StopOnPanic() {}
func (NoOp) RecoverAndPanic(f func()) { f() }
func (NoOp) RecoverAndExit(f, exit func()) { f() }
func (NoOp) Stop() {}

func (NoOp) Write(p []byte) (int, error) { return len(p), nil }
