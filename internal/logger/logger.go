// Package logger is the process-wide structured logger. Output is JSON on
// stdout, or an OpenTelemetry log pipeline when OTEL_ENABLED=true.
//
// Warnings and errors are sampled (one in ERROR_SAMPLE_RATE reaches the
// handler) but always counted. Critical and Fatal are never sampled.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	LevelTrace    = slog.Level(-8)
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarning  = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.Level(10)
	LevelFatal    = slog.Level(12)
)

const defaultSampleRate = 100

// Options configures the logger. The zero value logs JSON at INFO to stdout
// with the default sample rate.
type Options struct {
	Level       slog.Level
	SampleRate  int // log one in SampleRate warnings/errors; <= 1 logs all
	Output      io.Writer
	OTEL        bool
	ServiceName string
}

var (
	Logger       *slog.Logger
	programLevel = new(slog.LevelVar)
	sampleRate   atomic.Int64
	sampleSeq    atomic.Uint64
	shutdownFunc func(context.Context) error
)

func init() {
	if err := Configure(optionsFromEnv()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup OTEL logging, falling back to JSON: %v\n", err)
		_ = Configure(Options{Level: programLevel.Level(), SampleRate: int(sampleRate.Load())})
	}
}

func optionsFromEnv() Options {
	opts := Options{Level: LevelInfo, SampleRate: defaultSampleRate}

	if level, err := ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		opts.Level = level
	}
	if rate, err := strconv.Atoi(os.Getenv("ERROR_SAMPLE_RATE")); err == nil && rate > 0 {
		opts.SampleRate = rate
	}
	opts.OTEL = strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true")
	opts.ServiceName = os.Getenv("OTEL_SERVICE_NAME")
	return opts
}

// Configure replaces the process logger. Any previous OTEL pipeline is left
// running; call Shutdown first when reconfiguring a live process.
func Configure(opts Options) error {
	programLevel.Set(opts.Level)
	if opts.SampleRate <= 0 {
		opts.SampleRate = defaultSampleRate
	}
	sampleRate.Store(int64(opts.SampleRate))

	var handler slog.Handler
	if opts.OTEL {
		name := opts.ServiceName
		if name == "" {
			name = "automations"
		}
		h, shutdown, err := newOTELHandler(context.Background(), name)
		if err != nil {
			return err
		}
		handler, shutdownFunc = h, shutdown
	} else {
		out := opts.Output
		if out == nil {
			out = os.Stdout
		}
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:       programLevel,
			ReplaceAttr: levelNames,
		})
		shutdownFunc = nil
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
	return nil
}

// levelNames renders the custom levels by name instead of "ERROR+2"
func levelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch level {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case LevelCritical:
		a.Value = slog.StringValue("CRITICAL")
	case LevelFatal:
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

// ParseLevel converts a level name to slog.Level
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL":
		return LevelCritical, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// SetLevel changes the minimum level without rebuilding the handler
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// Shutdown flushes the OTEL pipeline, if one is running
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// sampled admits every SampleRate-th call
func sampled() bool {
	rate := uint64(sampleRate.Load())
	if rate <= 1 {
		return true
	}
	return sampleSeq.Add(1)%rate == 1
}

func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn is sampled; TotalWarnings always counts it
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if sampled() {
		Logger.Warn(msg, args...)
	}
}

// Error is sampled; TotalErrors always counts it
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if sampled() {
		Logger.Error(msg, args...)
	}
}

// Critical is for failures that need operator attention: conditions that
// failed closed, an unreachable idempotency store. Never sampled.
func Critical(msg string, args ...any) {
	TotalErrors.Add(1)
	TotalCritical.Add(1)
	Logger.Log(context.Background(), LevelCritical, msg, args...)
}

// Fatal logs, flushes OTEL and exits
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}
