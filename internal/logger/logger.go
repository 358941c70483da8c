// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// New returns a logger writing to w in the given format, text or json.
// Unknown levels fall back to info; an unknown format panics.
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "text":
		opts.ReplaceAttr = shortSource
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		panic(fmt.Sprintf("invalid format: %s", format))
	}
}

// shortSource keeps the package directory and file name of the source
// attribute
func shortSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	parts := strings.Split(filepath.ToSlash(src.File), "/")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	src.File = filepath.Join(parts...)
	return a
}

func parseLogLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return slog.LevelInfo
}
