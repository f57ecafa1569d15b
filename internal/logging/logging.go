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
	"sync"
	"time"

	"sfmsweep/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with optional dated file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("sfmsweep-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "sfmsweep-current.log")
		_ = os.Remove(currentLogPath)
		// A missing symlink is not worth failing startup over.
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	var slogLogger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		slogLogger = NewWithWriter(io.MultiWriter(writers...), cfg.Logging.Level, "json")
	} else {
		slogLogger = slog.New(NewTraditionalHandler(io.MultiWriter(writers...), level))
	}
	slog.SetDefault(slogLogger)

	slogLogger.Info("sfmsweep logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	mu     *sync.Mutex
}

// NewTraditionalHandler writes log.LstdFlags-prefixed lines to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
		mu:     &sync.Mutex{},
	}
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

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup is a no-op; groups flatten into the attribute list.
func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
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

// LogCandidateStart logs the beginning of one sweep candidate.
func LogCandidateStart(logger *slog.Logger, stage string, id int, artifact string, params map[string]any) {
	logger.Info("candidate started",
		"stage", stage,
		"id", id,
		"artifact", artifact,
		"params", params,
	)
}

// LogCandidateComplete logs a scored candidate.
func LogCandidateComplete(logger *slog.Logger, stage string, id int, duration time.Duration, metric float64) {
	logger.Info("candidate completed",
		"stage", stage,
		"id", id,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"metric", metric,
	)
}

// LogCandidateError logs candidate failures. These never abort the sweep.
func LogCandidateError(logger *slog.Logger, stage string, id int, duration time.Duration, err error, params map[string]any) {
	logger.Warn("candidate failed",
		"stage", stage,
		"id", id,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"params", params,
	)
}

// LogStageSummary logs the outcome of a complete stage.
func LogStageSummary(logger *slog.Logger, stage string, total, failed, winner int, metric float64) {
	logger.Info("stage finished",
		"stage", stage,
		"candidates", total,
		"failed", failed,
		"winner", winner,
		"metric", metric,
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}

// LogPartition logs the moves performed by a dataset partition.
func LogPartition(logger *slog.Logger, workDir string, parked, restored, missing int) {
	logger.Info("image set partitioned",
		"dir", workDir,
		"parked", parked,
		"restored", restored,
		"missing", missing,
	)
}
