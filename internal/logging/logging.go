// Package logging configures slog for the triage binary and enriches
// records with trace ids and per-run context fields.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"
)

// Options configures Setup
type Options struct {
	Level       string // debug, info, warn, error
	Format      string // text or json
	OTel        bool   // route records through the OTel log bridge
	ServiceName string
	Output      io.Writer // defaults to stderr
}

// ParseLevel maps a level name to slog.Level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, or error)", s)
}

// New builds a logger without installing it
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch {
	case opts.OTel:
		name := opts.ServiceName
		if name == "" {
			name = "triage"
		}
		handler = NewTraceHandler(otelslog.NewHandler(name, otelslog.WithLoggerProvider(global.GetLoggerProvider())))
	case strings.EqualFold(opts.Format, "json"):
		handler = NewTraceHandler(slog.NewJSONHandler(out, hopts))
	case opts.Format == "" || strings.EqualFold(opts.Format, "text"):
		handler = NewTraceHandler(slog.NewTextHandler(out, hopts))
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text or json)", opts.Format)
	}
	return slog.New(handler), nil
}

// Setup builds a logger and installs it as the slog default
func Setup(opts Options) (*slog.Logger, error) {
	logger, err := New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// TraceHandler adds trace/span ids and LogFields from the context
type TraceHandler struct {
	slog.Handler
}

// NewTraceHandler wraps h
func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	f := GetLogFields(ctx)
	if f.IssueID != "" {
		r.AddAttrs(slog.String("issue_id", f.IssueID))
	}
	if f.RunID != "" {
		r.AddAttrs(slog.String("run_id", f.RunID))
	}
	if f.Stage != "" {
		r.AddAttrs(slog.String("stage", f.Stage))
	}
	if f.Component != "" {
		r.AddAttrs(slog.String("component", f.Component))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
