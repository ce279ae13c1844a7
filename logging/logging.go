// Package logging builds the process logger: human readable text on the console and,
// when configured, a rotating JSON audit log that only keeps event records. The
// event attribute must be passed on the log call itself; attributes bound with
// Logger.With are not considered for routing.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventKey is the attribute that marks a record for the audit log.
const EventKey = "event"

type Options struct {
	Level   string
	Console io.Writer

	AuditFile       string
	AuditMaxSizeMB  int
	AuditMaxBackups int
	AuditMaxAgeDays int

	// Audit replaces the rotating file, mainly for tests.
	Audit io.Writer
}

// New returns the logger and a closer for the audit file. The closer is never nil.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	console := slog.NewTextHandler(opts.Console, &slog.HandlerOptions{Level: level})

	audit := opts.Audit
	var closer io.Closer = nopCloser{}
	if audit == nil && opts.AuditFile != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.AuditFile,
			MaxSize:    opts.AuditMaxSizeMB,
			MaxBackups: opts.AuditMaxBackups,
			MaxAge:     opts.AuditMaxAgeDays,
			Compress:   true,
		}
		audit, closer = lj, lj
	}
	if audit == nil {
		return slog.New(console), closer, nil
	}

	// Event records are kept regardless of the console level.
	auditHandler := slogmulti.Router().
		Add(slog.NewJSONHandler(audit, &slog.HandlerOptions{Level: slog.LevelDebug}), hasEvent).
		Handler()
	return slog.New(slogmulti.Fanout(console, auditHandler)), closer, nil
}

// ParseLevel accepts debug, info, warn and error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

func hasEvent(_ context.Context, r slog.Record) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == EventKey {
			found = true
			return false
		}
		return true
	})
	return found
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
