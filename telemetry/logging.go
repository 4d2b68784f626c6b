package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures SetupLogging. Empty fields fall back to LOG_LEVEL, LOG_FORMAT
// and LOG_FILE from the environment.
type LogOptions struct {
	Level  string // debug | info | warn | error
	Format string // text | json
	File   string // optional rotating log file, tee'd with stdout
}

// ParseLevel maps a level name to a slog level. Unknown names map to info and ok=false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "info", "":
		return slog.LevelInfo, true
	}
	return slog.LevelInfo, false
}

// SetupLogging installs the default slog logger and returns a closer for the log file.
func SetupLogging(opts LogOptions) io.Closer {
	if opts.Level == "" {
		opts.Level = os.Getenv("LOG_LEVEL")
	}
	if opts.Format == "" {
		opts.Format = os.Getenv("LOG_FORMAT")
	}
	if opts.File == "" {
		opts.File = os.Getenv("LOG_FILE")
	}

	lvl, ok := ParseLevel(opts.Level)
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	hopts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	format := strings.ToLower(opts.Format)
	if format == "json" {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		format = "text"
		handler = slog.NewTextHandler(out, hopts)
	}
	slog.SetDefault(slog.New(handler))
	if !ok {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", opts.Level))
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
