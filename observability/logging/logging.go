package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// EnvLogFile routes logs to a size-rotated file instead of stdout.
	EnvLogFile = "REQGUARD_LOG_FILE"
	// EnvLogLevel sets the minimum level (debug, info, warn, error).
	EnvLogLevel = "REQGUARD_LOG_LEVEL"
)

// Options controls where and how verbosely Setup logs.
type Options struct {
	Writer io.Writer
	Level  slog.Level
}

// OptionsFromEnv resolves the output and level from the process environment.
// A rotating lumberjack writer is used when REQGUARD_LOG_FILE is set.
func OptionsFromEnv() Options {
	opts := Options{Writer: os.Stdout, Level: ParseLevel(os.Getenv(EnvLogLevel))}
	if path := strings.TrimSpace(os.Getenv(EnvLogFile)); path != "" {
		opts.Writer = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    envInt("REQGUARD_LOG_MAX_SIZE_MB", 100),
			MaxBackups: envInt("REQGUARD_LOG_MAX_BACKUPS", 5),
			MaxAge:     envInt("REQGUARD_LOG_MAX_AGE_DAYS", 28),
			Compress:   true,
		}
	}
	return opts
}

// ParseLevel maps a level name onto slog. Unknown names fall back to info.
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

// Setup configures JSON logging from the environment and installs it as the
// slog default. The standard library logger is bridged onto the same handler.
func Setup(service, env string) *slog.Logger {
	return SetupWithOptions(service, env, OptionsFromEnv())
}

// SetupWithOptions is Setup with an explicit destination.
func SetupWithOptions(service, env string, opts Options) *slog.Logger {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	handler := NewHandler(opts.Writer, opts.Level).WithAttrs(attrs)

	base := slog.New(handler)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler, slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// NewHandler returns the JSON handler used by every reqguard binary, with
// timestamp/severity/message keys.
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
