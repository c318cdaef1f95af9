package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config captures logging configuration options.
type Config struct {
	Level    string
	Dir      string
	Filename string
}

var (
	colorReset = "\x1b[0m"
	colorTime  = "\x1b[90m"
	colorDebug = "\x1b[36m"
	colorInfo  = "\x1b[32m"
	colorWarn  = "\x1b[33m"
	colorError = "\x1b[31m"
)

// tagColors maps bracketed module tags to their console colors.
var tagColors = map[string]string{
	"[BOOT]":      "\x1b[96m",
	"[HTTP]":      "\x1b[95m",
	"[WebSocket]": "\x1b[92m",
	"[TTS]":       "\x1b[94m",
	"[Queue]":     "\x1b[93m",
	"[Breaker]":   "\x1b[91m",
}

// textHandler renders records as colored single-line console output.
type textHandler struct {
	writer io.Writer
	level  slog.Level
	mu     sync.Mutex
}

func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *textHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	timeStr := r.Time.Format("2006-01-02 15:04:05.000")
	msg := r.Message

	var levelColor string
	switch r.Level {
	case slog.LevelDebug:
		levelColor = colorDebug
	case slog.LevelInfo:
		levelColor = colorInfo
	case slog.LevelWarn:
		levelColor = colorWarn
	case slog.LevelError:
		levelColor = colorError
	default:
		levelColor = colorReset
	}

	var output string
	var tagged bool
	for tag, color := range tagColors {
		if strings.HasPrefix(msg, tag) {
			output = fmt.Sprintf("%s[%s]%s %s%s%s",
				colorTime, timeStr, colorReset,
				color, msg, colorReset)
			tagged = true
			break
		}
	}
	if !tagged {
		output = fmt.Sprintf("%s[%s]%s %s[%s]%s %s",
			colorTime, timeStr, colorReset,
			levelColor, r.Level.String(), colorReset,
			msg)
	}

	if r.NumAttrs() > 0 {
		output += " {"
		r.Attrs(func(a slog.Attr) bool {
			output += fmt.Sprintf(" %s=%v", a.Key, a.Value)
			return true
		})
		output += " }"
	}
	output += "\n"

	_, err := h.writer.Write([]byte(output))
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	return h
}

// Logger writes colored text to the console and JSON lines to a log file.
type Logger struct {
	config     Config
	jsonLogger *slog.Logger
	textLogger *slog.Logger
	logFile    *os.File
	mu         sync.Mutex
}

// DefaultLogger is set by the first New call for call sites that have no
// injected logger.
var DefaultLogger *Logger

func parseLevel(configLevel string) slog.Level {
	switch strings.ToLower(configLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger. When cfg.Dir is empty only console output is active.
func New(cfg Config) (*Logger, error) {
	level := parseLevel(cfg.Level)

	logger := &Logger{
		config: cfg,
		textLogger: slog.New(&textHandler{
			writer: os.Stdout,
			level:  level,
		}),
	}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		name := cfg.Filename
		if name == "" {
			name = fmt.Sprintf("gateway-%s.log", time.Now().Format("2006-01-02"))
		}
		file, err := os.OpenFile(filepath.Join(cfg.Dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.logFile = file
		logger.jsonLogger = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
	}

	if DefaultLogger == nil {
		DefaultLogger = logger
	}
	return logger, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		return err
	}
	return nil
}

func (l *Logger) log(level slog.Level, msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.textLogger.Log(context.Background(), level, msg)
	if l.jsonLogger != nil {
		l.jsonLogger.Log(context.Background(), level, msg)
	}
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(slog.LevelError, msg, args...)
}

func (l *Logger) logWithTag(level slog.Level, tag, msg string, args ...interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.log(level, fmt.Sprintf("[%s] %s", tag, msg))
}

func (l *Logger) DebugTag(tag, msg string, args ...interface{}) {
	l.logWithTag(slog.LevelDebug, tag, msg, args...)
}

func (l *Logger) InfoTag(tag, msg string, args ...interface{}) {
	l.logWithTag(slog.LevelInfo, tag, msg, args...)
}

func (l *Logger) WarnTag(tag, msg string, args ...interface{}) {
	l.logWithTag(slog.LevelWarn, tag, msg, args...)
}

func (l *Logger) ErrorTag(tag, msg string, args ...interface{}) {
	l.logWithTag(slog.LevelError, tag, msg, args...)
}

// Slog exposes the structured console logger for integrations that want the
// slog API directly.
func (l *Logger) Slog() *slog.Logger {
	return l.textLogger
}
