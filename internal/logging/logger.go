// Package logging provides leveled logging and an audit trail for chemlab.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - An AuditLog writing one JSONL line per lab operation
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"chemlab/internal/core"
)

// LevelTrace is a custom slog level below Debug. Per-tick engine chatter is
// only emitted at this level.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "trace", "debug", "info", "warn", "error" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
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

// NewLogger creates a leveled slog.Logger writing to w. format "json" selects
// the JSON handler; anything else uses text.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Label the custom trace level
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// AuditLog writes core.AuditEntry values to a JSONL file. It is safe for
// concurrent use. A nil AuditLog is safe to use; all methods are no-ops on a
// nil receiver.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

var _ core.AuditRecorder = (*AuditLog)(nil)

type auditLine struct {
	Time       string `json:"time"`
	Operation  string `json:"operation"`
	Entity     string `json:"entity,omitempty"`
	Action     string `json:"action,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// OpenAuditLog opens path for append, creating parent directories as needed.
// An empty path returns nil, which records nothing.
func OpenAuditLog(path string) (*AuditLog, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &AuditLog{file: f}, nil
}

// Record implements core.AuditRecorder.
func (a *AuditLog) Record(_ context.Context, entry core.AuditEntry) {
	if a == nil {
		return
	}
	data, err := json.Marshal(auditLine{
		Time:       entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Operation:  entry.Operation,
		Entity:     string(entry.Entity),
		Action:     string(entry.Action),
		EntityID:   entry.EntityID,
		Status:     string(entry.Status),
		Error:      entry.Error,
		DurationMS: entry.Duration.Milliseconds(),
	})
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	_, _ = a.file.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
