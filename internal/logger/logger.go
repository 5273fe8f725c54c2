// Package logger is the process wide slog logger. Records go to stdout as
// JSON or text, optionally to a rotated file, or to an OTLP collector when
// OTEL_ENABLED=true.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
)

// Options configures Setup. Zero values keep the defaults: JSON on stdout,
// INFO, no sampling.
type Options struct {
	Level  string // TRACE, DEBUG, INFO, WARN, ERROR, FATAL
	Format string // json or text
	// File enables a rotated log file next to stdout
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// SampleRate keeps 1 out of SampleRate warnings and errors
	SampleRate int
	// OTEL exports records over OTLP/gRPC instead of writing them locally
	OTEL        bool
	ServiceName string
}

var (
	Logger       *slog.Logger
	programLevel = new(slog.LevelVar)
	sampleRate   atomic.Int32

	mu           sync.Mutex
	shutdownFunc func(context.Context) error
	closer       io.Closer
)

// Counters incremented regardless of sampling
var (
	TotalErrors   atomic.Int64
	TotalWarnings atomic.Int64
)

func init() {
	opts := Options{Level: os.Getenv("LOG_LEVEL"), File: os.Getenv("LOG_FILE")}
	if s := os.Getenv("ERROR_SAMPLE_RATE"); s != "" {
		if rate, err := strconv.Atoi(s); err == nil {
			opts.SampleRate = rate
		}
	}
	if strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true") {
		opts.OTEL = true
		opts.ServiceName = os.Getenv("OTEL_SERVICE_NAME")
	}
	if err := Setup(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed, using JSON on stdout: %v\n", err)
		_ = Setup(context.Background(), Options{Level: opts.Level})
	}
}

// Setup replaces the process logger. It may be called again once the
// configuration file has been read.
func Setup(ctx context.Context, opts Options) error {
	level := LevelInfo
	if opts.Level != "" {
		l, err := ParseLevel(opts.Level)
		if err != nil {
			return err
		}
		level = l
	}

	var (
		handler  slog.Handler
		shutdown func(context.Context) error
		file     io.Closer
	)
	if opts.OTEL {
		h, sd, err := otelHandler(ctx, opts.ServiceName)
		if err != nil {
			return err
		}
		handler, shutdown = h, sd
	} else {
		var out io.Writer = os.Stdout
		if opts.File != "" {
			rotated := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
			}
			out = io.MultiWriter(os.Stdout, rotated)
			file = rotated
		}
		handler = localHandler(out, opts.Format)
	}

	mu.Lock()
	defer mu.Unlock()
	release(ctx)
	programLevel.Set(level)
	rate := opts.SampleRate
	if rate < 1 {
		rate = 1
	}
	sampleRate.Store(int32(rate))
	shutdownFunc = shutdown
	closer = file
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
	return nil
}

// SetOutput sends records to w as JSON. Tests use it to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	Logger = slog.New(localHandler(w, "json"))
	slog.SetDefault(Logger)
}

func localHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: programLevel, ReplaceAttr: levelNames}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// levelNames prints the custom levels by name instead of DEBUG-4 and ERROR+4
func levelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	switch a.Value.Any().(slog.Level) {
	case LevelTrace:
		a.Value = slog.StringValue("TRACE")
	case LevelFatal:
		a.Value = slog.StringValue("FATAL")
	}
	return a
}

func otelHandler(ctx context.Context, serviceName string) (slog.Handler, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "trialrules"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}
	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	h := &levelHandler{
		level:   programLevel,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	}
	return h, provider.Shutdown, nil
}

// levelHandler filters records below level before they reach the bridge
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// release must be called with mu held
func release(ctx context.Context) {
	if shutdownFunc != nil {
		_ = shutdownFunc(ctx)
		shutdownFunc = nil
	}
	if closer != nil {
		_ = closer.Close()
		closer = nil
	}
}

// Shutdown flushes the OTLP exporter and closes the log file
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	if shutdownFunc != nil {
		err = shutdownFunc(ctx)
		shutdownFunc = nil
	}
	if closer != nil {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
		closer = nil
	}
	return err
}

func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name to slog.Level
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
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
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

func shouldSample() bool {
	rate := sampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

func current() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return Logger
}

func Trace(msg string, args ...any) {
	current().Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) {
	current().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	current().Info(msg, args...)
}

// Warn is sampled; TotalWarnings counts every call
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		current().Warn(msg, args...)
	}
}

// Error is sampled; TotalErrors counts every call
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		current().Error(msg, args...)
	}
}

// Fatal logs, flushes and exits with status 1
func Fatal(msg string, args ...any) {
	current().Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}
