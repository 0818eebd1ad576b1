// Package tlog is a small structured, leveled logger adapted from
// go-ethereum's log package: a thin API around log/slog's plain text and
// JSON handlers with a single minimum level fixed at construction. Output
// is not colorized and there is no per-module (vmodule) verbosity. Every
// long-lived subsystem takes a Logger at construction
// instead of reaching for a package-level global.
package tlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Level mirrors go-ethereum's six-level scheme (Trace is mapped below
// slog's Debug since slog has no native Trace level).
type Level int

const (
	LevelTrace Level = iota - 1
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelTrace:
		return slog.LevelDebug - 4
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelCrit:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// Logger is the interface every subsystem depends on.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any) // logs then os.Exit(2), matching §6 exit code for fatal invariants.
	With(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

// New returns a Logger writing human-readable lines to os.Stderr at or
// above minLevel.
func New(minLevel Level) Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: minLevel.slogLevel()})
	return &logger{inner: slog.New(h)}
}

// NewJSON returns a Logger emitting JSON lines, used in production
// deployments where logs are shipped to an aggregator.
func NewJSON(minLevel Level) Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: minLevel.slogLevel()})
	return &logger{inner: slog.New(h)}
}

// Discard returns a Logger that drops everything; used as the null
// registry for tests.
func Discard() Logger {
	return &logger{inner: slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 8}))}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func (l *logger) log(level Level, msg string, ctx ...any) {
	l.inner.Log(context.Background(), level.slogLevel(), msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(LevelTrace, msg, ctx...) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(LevelDebug, msg, ctx...) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(LevelInfo, msg, ctx...) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(LevelWarn, msg, ctx...) }
func (l *logger) Error(msg string, ctx ...any) { l.log(LevelError, msg, ctx...) }

func (l *logger) Crit(msg string, ctx ...any) {
	l.log(LevelCrit, msg, ctx...)
	fmt.Fprintln(os.Stderr, "fatal invariant violation, aborting")
	os.Exit(2)
}

func (l *logger) With(ctx ...any) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}
