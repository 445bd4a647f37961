// Copyright 2026 The Forgeline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Shared field keys. Log consumers key dashboards off these names, so every
// component uses the same constant rather than its own spelling.
const (
	TicketIDKey   = "ticket_id"
	RunIDKey      = "run_id"
	StepKey       = "step"
	EntryIDKey    = "entry_id"
	ValidationKey = "validation_uuid"
	HolderKey     = "holder"
	EventKey      = "event"
	ReasonKey     = "reason"
)

// Config controls the logger built by New. Zero values fall back to the
// defaults from DefaultConfig.
type Config struct {
	// Level is the minimum level emitted: debug, info, warn, error.
	Level string

	// Format picks json or text output.
	Format Format

	// Output defaults to os.Stderr.
	Output io.Writer

	// AddSource includes the caller's file and line in each record.
	AddSource bool
}

// DefaultConfig is info-level JSON to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    FormatJSON,
		Output:    os.Stderr,
		AddSource: false,
	}
}

// FromEnv builds a Config from LOG_LEVEL, LOG_FORMAT and LOG_SOURCE.
// ORCHESTRATOR_DEBUG=true|1 wins over LOG_LEVEL and turns on source info.
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("ORCHESTRATOR_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New builds a slog.Logger for the config. A nil config means defaults.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return slog.New(handler)
}

// Unknown level strings fall back to info rather than erroring; a typo in an
// env var should not take the process down.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithComponent tags every record with the subsystem that emitted it.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

func WithTicket(logger *slog.Logger, ticketID string) *slog.Logger {
	return logger.With(slog.String(TicketIDKey, ticketID))
}

// WithRunContext carries the ticket and run through everything logged while
// executing a run.
func WithRunContext(logger *slog.Logger, ticketID, runID string) *slog.Logger {
	return logger.With(
		slog.String(TicketIDKey, ticketID),
		slog.String(RunIDKey, runID),
	)
}

func WithStepContext(logger *slog.Logger, runID, step string) *slog.Logger {
	return logger.With(
		slog.String(RunIDKey, runID),
		slog.String(StepKey, step),
	)
}

// Attr and the typed helpers below exist so call sites do not import slog
// just to build attributes.
func Attr(key string, value any) slog.Attr {
	return slog.Any(key, value)
}

func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

func Int(key string, value int) slog.Attr {
	return slog.Int(key, value)
}

func Int64(key string, value int64) slog.Attr {
	return slog.Int64(key, value)
}

func Bool(key string, value bool) slog.Attr {
	return slog.Bool(key, value)
}

func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Duration logs a millisecond count under key with an _ms suffix.
func Duration(key string, value int64) slog.Attr {
	return slog.Int64(key+"_ms", value)
}
