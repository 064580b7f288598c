// Package logging is a thin abstraction over log/slog so protocol packages
// depend on a minimal interface instead of a concrete handler.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the minimal structured logging interface used across the module.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement Logger.
type SlogAdapter struct{ *slog.Logger }

func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }
func (s *SlogAdapter) Info(msg string, args ...any)  { s.Logger.Info(msg, args...) }
func (s *SlogAdapter) Warn(msg string, args ...any)  { s.Logger.Warn(msg, args...) }
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// New builds a JSON slog-backed Logger writing to w (os.Stdout if nil).
func New(w io.Writer, level slog.Level) Logger {
	if w == nil {
		w = os.Stdout
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &SlogAdapter{Logger: slog.New(h)}
}

// Default returns a Logger backed by slog.Default().
func Default() Logger { return &SlogAdapter{Logger: slog.Default()} }

// NoOp returns a Logger that discards everything. Useful default for
// library constructors.
func NoOp() Logger { return noOp{} }

type noOp struct{}

func (noOp) Debug(string, ...any) {}
func (noOp) Info(string, ...any)  {}
func (noOp) Warn(string, ...any)  {}
func (noOp) Error(string, ...any) {}
