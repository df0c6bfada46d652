package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Options tunes the JSON handler built by New.
type Options struct {
	Service string
	Env     string
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
}

// Setup builds the service logger on stdout, installs it as the slog default
// and bridges the standard library logger onto it. LOG_LEVEL picks the level.
func Setup(service, env string) *slog.Logger {
	logger := New(os.Stdout, Options{
		Service: service,
		Env:     env,
		Level:   os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)

	stdBridge := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
	return logger
}

// New returns a JSON logger writing to w. Sensitive attributes are masked
// before they reach the writer.
func New(w io.Writer, opts Options) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: replaceAttr,
	})
	args := []any{slog.String("service", strings.TrimSpace(opts.Service))}
	if env := strings.TrimSpace(opts.Env); env != "" {
		args = append(args, slog.String("env", env))
	}
	return slog.New(handler).With(args...)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

func replaceAttr(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) == 0 {
		switch attr.Key {
		case slog.TimeKey:
			return slog.Attr{Key: "timestamp", Value: attr.Value}
		case slog.LevelKey:
			return slog.String("severity", strings.ToUpper(attr.Value.String()))
		case slog.MessageKey:
			return slog.Attr{Key: "message", Value: attr.Value}
		}
	}
	if IsSensitive(attr.Key) && attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}
