// ha-ingestor - Home Assistant Telemetry Ingestion Platform
// Copyright 2026 W. Thornton (wtthornton)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wtthornton/ha-ingestor-sub013

package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// NewSlogLogger returns an *slog.Logger that writes through the global
// zerolog logger. Libraries that speak slog (the supervisor's event
// hook) get the same output stream and level filtering as the rest of
// the service.
func NewSlogLogger() *slog.Logger {
	return slog.New(&slogBridge{})
}

// slogBridge adapts slog records onto zerolog events. Bound attrs are
// qualified with the group open at bind time, so only record attrs get
// the current group prefix.
type slogBridge struct {
	attrs []slog.Attr
	group string
}

func (h *slogBridge) Enabled(_ context.Context, level slog.Level) bool {
	return slogToZerolog(level) >= zerolog.GlobalLevel()
}

func (h *slogBridge) Handle(_ context.Context, rec slog.Record) error {
	// WithLevel has a pointer receiver; the logger needs a home first.
	l := Logger()
	ev := l.WithLevel(slogToZerolog(rec.Level))
	for _, a := range h.attrs {
		ev = ev.Interface(a.Key, a.Value.Any())
	}
	rec.Attrs(func(a slog.Attr) bool {
		ev = ev.Interface(h.key(a.Key), a.Value.Any())
		return true
	})
	ev.Msg(rec.Message)
	return nil
}

func (h *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}
	return &slogBridge{attrs: merged, group: h.group}
}

func (h *slogBridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	prefix := name
	if h.group != "" {
		prefix = h.group + "." + name
	}
	return &slogBridge{attrs: h.attrs, group: prefix}
}

func (h *slogBridge) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func slogToZerolog(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
