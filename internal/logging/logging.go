// Package logging provides centralized logging configuration for agentchat.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex

	// logWriter is the rotating file writer, if file logging is enabled.
	logWriter   io.WriteCloser
	logWriterMu sync.Mutex

	// allowedComponents is the set of components to log (nil means all).
	allowedComponents map[string]bool
	componentsMu      sync.RWMutex
)

// Component names used across the module.
const (
	ComponentTransport = "transport"
	ComponentReducer   = "reducer"
	ComponentStore     = "store"
	ComponentClient    = "client"
	ComponentSession   = "session"
	ComponentCLI       = "cli"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum console level (debug, info, warn, error).
	Level string
	// File is an optional log file, written in addition to stderr and
	// rotated by size.
	File string
	// MaxSizeMB is the rotation threshold for File. Default: 10.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Default: 3.
	MaxBackups int
	// JSON switches the handlers to JSON output.
	JSON bool
	// Components restricts output to the named components (empty means all).
	Components []string
	// Output overrides stderr as the console destination. Used by tests.
	Output io.Writer
}

// Initialize sets up the global logger with the given configuration.
func Initialize(cfg Config) error {
	level := ParseLevel(cfg.Level)

	componentsMu.Lock()
	if len(cfg.Components) > 0 {
		allowedComponents = make(map[string]bool, len(cfg.Components))
		for _, c := range cfg.Components {
			allowedComponents[c] = true
		}
	} else {
		allowedComponents = nil
	}
	componentsMu.Unlock()

	console := cfg.Output
	if console == nil {
		console = os.Stderr
	}

	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}

	var w io.Writer = console
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}
		logWriter = lj
		w = io.MultiWriter(console, lj)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)

	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()

	slog.SetDefault(logger)
	return nil
}

// Get returns the global logger, or slog.Default() before Initialize.
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close releases the log file, if any.
func Close() error {
	logWriterMu.Lock()
	defer logWriterMu.Unlock()

	if logWriter != nil {
		err := logWriter.Close()
		logWriter = nil
		if err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
	}
	return nil
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isComponentAllowed(component string) bool {
	componentsMu.RLock()
	defer componentsMu.RUnlock()

	if allowedComponents == nil {
		return true
	}
	return allowedComponents[component]
}

// componentFilterHandler drops records of components that are filtered out.
type componentFilterHandler struct {
	inner     slog.Handler
	component string
}

func (h *componentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !isComponentAllowed(h.component) {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *componentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if !isComponentAllowed(h.component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *componentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithAttrs(attrs), component: h.component}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{inner: h.inner.WithGroup(name), component: h.component}
}

// WithComponent returns a logger tagged with a component attribute.
// Filtered-out components get a logger that discards everything.
func WithComponent(component string) *slog.Logger {
	base := Get()
	return slog.New(&componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	})
}

// Transport returns the logger for WebSocket transport events.
func Transport() *slog.Logger { return WithComponent(ComponentTransport) }

// Reducer returns the logger for message reducer events.
func Reducer() *slog.Logger { return WithComponent(ComponentReducer) }

// Store returns the logger for chat store events.
func Store() *slog.Logger { return WithComponent(ComponentStore) }

// Client returns the logger for REST client events.
func Client() *slog.Logger { return WithComponent(ComponentClient) }

// Session returns the logger for session controller events.
func Session() *slog.Logger { return WithComponent(ComponentSession) }

// CLI returns the logger for command-line events.
func CLI() *slog.Logger { return WithComponent(ComponentCLI) }

// WithRoom returns a child logger carrying the chat room ID, and the
// session ID when one is known.
func WithRoom(base *slog.Logger, roomID, sessionID string) *slog.Logger {
	if base == nil {
		return nil
	}
	if sessionID == "" {
		return base.With("room_id", roomID)
	}
	return base.With("room_id", roomID, "session_id", sessionID)
}
