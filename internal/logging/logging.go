package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"platesolver/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging. Console output goes to w (stderr in the
// CLI, so it does not interleave with prompts); a dated file is added when
// file output is enabled.
func Setup(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{w}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("platesolver-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
	}

	out := io.MultiWriter(writers...)

	var slogLogger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		slogLogger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	} else {
		slogLogger = slog.New(&TraditionalHandler{
			logger: log.New(out, "", log.LstdFlags),
			level:  level,
		})
	}

	slog.SetDefault(slogLogger)

	slogLogger.Debug("platesolver logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())

	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	// [LEVEL] message
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)

	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &TraditionalHandler{logger: h.logger, level: h.level, attrs: merged}
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened.
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// LogSolveStart logs the beginning of a solve for one image.
func LogSolveStart(logger *slog.Logger, id, image, handle string) {
	logger.Info("solve started",
		"id", id,
		"image", image,
		"handle", handle,
	)
}

// LogSolveComplete logs a definitive result.
func LogSolveComplete(logger *slog.Logger, id, status, handle string, duration time.Duration, cards int) {
	logger.Info("solve finished",
		"id", id,
		"status", status,
		"handle", handle,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"header_cards", cards,
	)
}

// LogSolveError logs a solve that ended with an error rather than a result.
func LogSolveError(logger *slog.Logger, id, image string, duration time.Duration, err error) {
	logger.Error("solve failed",
		"id", id,
		"image", image,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogTransition logs a submit/poll state change.
func LogTransition(logger *slog.Logger, id, from, to, handle string, timeouts int) {
	logger.Debug("solve state changed",
		"id", id,
		"from", from,
		"to", to,
		"handle", handle,
		"timeouts", timeouts,
	)
}
