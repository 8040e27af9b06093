package audit

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig controls the rotating audit file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileSink appends one JSON line per fact to a size-rotated file.
type FileSink struct {
	rotator *lumberjack.Logger
	logger  *slog.Logger
}

// NewFileSink opens a rotating audit file.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit file path required")
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	// Audit lines are always written; level filtering does not apply.
	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &FileSink{rotator: rotator, logger: slog.New(handler)}, nil
}

// Emit implements Sink.
func (s *FileSink) Emit(ctx context.Context, fact Fact) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, string(fact.Action),
		slog.String("actor", fact.Actor),
		slog.String("entity", fact.Entity),
		slog.String("entity_id", fact.EntityID),
		slog.String("property_id", fact.PropertyID),
		slog.String("old_state", fact.OldState),
		slog.String("new_state", fact.NewState),
		slog.String("reason", fact.Reason),
		slog.Time("at", fact.Timestamp),
	)
	return nil
}

// Rotate forces a new file, keeping the current one as a backup.
func (s *FileSink) Rotate() error {
	return s.rotator.Rotate()
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	return s.rotator.Close()
}
