// Package logging provides centralized logging configuration for myfisker.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalMu     sync.RWMutex
	globalLogger *slog.Logger

	// fileMu guards logFile, the rotating writer opened by Initialize.
	fileMu  sync.Mutex
	logFile io.WriteCloser

	componentsMu      sync.RWMutex
	allowedComponents map[string]bool // nil logs every component
)

// Rotation defaults for FileLogConfig.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
)

// FileLogConfig configures the rotated log file.
type FileLogConfig struct {
	// Path of the log file. Empty disables file logging.
	Path string
	// MaxSizeMB is the size that triggers rotation.
	MaxSizeMB int
	// MaxBackups is how many rotated files are kept.
	MaxBackups int
	// Compress gzips rotated files.
	Compress bool
}

// DefaultFileLogConfig returns the rotation defaults with no path set.
func DefaultFileLogConfig() FileLogConfig {
	return FileLogConfig{
		MaxSizeMB:  DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
	}
}

// Config holds logging configuration.
type Config struct {
	// Level is the console level: debug, info, warn or error.
	Level string
	// FileLevel is the file level. Empty means Level.
	FileLevel string
	// FileLog enables the rotated log file when non-nil with a Path.
	FileLog *FileLogConfig
	// JSON switches both outputs to JSON.
	JSON bool
	// Components restricts output to these components. Empty logs all.
	Components []string
	// Output replaces os.Stderr as the console.
	Output io.Writer
}

// sensitiveKeys are attribute keys whose values never reach a log.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"access_token":  true,
	"id_token":      true,
	"refresh_token": true,
	"authorization": true,
}

const redactedValue = "********"

// Initialize replaces the global logger. Console output goes to cfg.Output;
// with FileLog set, records are also written to a rotated file, each side
// filtered by its own level.
func Initialize(cfg Config) error {
	consoleLevel := ParseLevel(cfg.Level)
	fileLevel := consoleLevel
	if cfg.FileLevel != "" {
		fileLevel = ParseLevel(cfg.FileLevel)
	}

	console := cfg.Output
	if console == nil {
		console = os.Stderr
	}

	setComponents(cfg.Components)

	fileWriter := openLogFile(cfg.FileLog)

	var handler slog.Handler
	switch {
	case fileWriter != nil && fileLevel != consoleLevel:
		handler = &multiHandler{handlers: []slog.Handler{
			newHandler(console, consoleLevel, cfg.JSON),
			newHandler(fileWriter, fileLevel, cfg.JSON),
		}}
	case fileWriter != nil:
		handler = newHandler(io.MultiWriter(console, fileWriter), consoleLevel, cfg.JSON)
	default:
		handler = newHandler(console, consoleLevel, cfg.JSON)
	}

	logger := slog.New(handler)
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
	slog.SetDefault(logger)
	return nil
}

func setComponents(components []string) {
	componentsMu.Lock()
	defer componentsMu.Unlock()
	if len(components) == 0 {
		allowedComponents = nil
		return
	}
	allowedComponents = make(map[string]bool, len(components))
	for _, c := range components {
		allowedComponents[c] = true
	}
}

// openLogFile swaps in a new rotating writer, closing the previous one.
// It returns nil when file logging is disabled.
func openLogFile(fc *FileLogConfig) io.Writer {
	fileMu.Lock()
	defer fileMu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	if fc == nil || fc.Path == "" {
		return nil
	}

	maxSize := fc.MaxSizeMB
	if maxSize <= 0 {
		maxSize = DefaultMaxSizeMB
	}
	maxBackups := fc.MaxBackups
	if maxBackups < 0 {
		maxBackups = DefaultMaxBackups
	}
	lj := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   fc.Compress,
	}
	logFile = lj
	return lj
}

func newHandler(w io.Writer, level slog.Level, asJSON bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	if asJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// redact masks the values of sensitive attributes.
func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redactedValue)
	}
	return a
}

// multiHandler sends each record to every handler enabled for its level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// Get returns the global logger, or slog.Default before Initialize.
func Get() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()

	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// Close closes the log file, if one is open.
func Close() error {
	fileMu.Lock()
	defer fileMu.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
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

// componentFilterHandler drops records of components not selected by
// Config.Components.
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
	return &componentFilterHandler{
		inner:     h.inner.WithAttrs(attrs),
		component: h.component,
	}
}

func (h *componentFilterHandler) WithGroup(name string) slog.Handler {
	return &componentFilterHandler{
		inner:     h.inner.WithGroup(name),
		component: h.component,
	}
}

// WithComponent returns a logger tagged with component.
func WithComponent(component string) *slog.Logger {
	base := Get()
	handler := &componentFilterHandler{
		inner:     base.Handler().WithAttrs([]slog.Attr{slog.String("component", component)}),
		component: component,
	}
	return slog.New(handler)
}

// Auth returns a logger for token authentication events.
func Auth() *slog.Logger {
	return WithComponent("auth")
}

// Session returns a logger for WebSocket handshake events.
func Session() *slog.Logger {
	return WithComponent("session")
}

// Poller returns a logger for poll cycle events.
func Poller() *slog.Logger {
	return WithComponent("poller")
}

// Publish returns a logger for snapshot publishers.
func Publish() *slog.Logger {
	return WithComponent("publish")
}

// Hook returns a logger for hook events.
func Hook() *slog.Logger {
	return WithComponent("hook")
}

// Settings returns a logger for configuration loading and reloads.
func Settings() *slog.Logger {
	return WithComponent("config")
}

// MCP returns a logger for MCP server events.
func MCP() *slog.Logger {
	return WithComponent("mcp")
}

// Shutdown returns a logger for the shutdown sequence.
func Shutdown() *slog.Logger {
	return WithComponent("shutdown")
}

// WithVehicle returns a logger that includes the vehicle identifier.
func WithVehicle(base *slog.Logger, vin string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("vin", vin)
}

// WithCycle returns a logger with poll cycle context.
func WithCycle(base *slog.Logger, cycleID string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With("cycle_id", cycleID)
}
