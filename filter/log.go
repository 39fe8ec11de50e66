package filter

import (
	"log/slog"
	"strings"

	"github.com/fxsml/microprocessor"
)

// LogLevel represents the severity level for logging messages.
type LogLevel string

const (
	// LogLevelDebug is used for detailed information.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is used for general information messages.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is used for warning conditions.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is used for error conditions.
	LogLevelError LogLevel = "error"
)

// LogConfig configures the Log filter. Zero fields take their defaults.
type LogConfig struct {
	// Logger receives the log lines. Defaults to slog.Default().
	Logger microprocessor.Logger

	// Args are additional arguments to include in all log messages.
	Args []any

	// LevelSuccess defaults to LogLevelDebug.
	LevelSuccess LogLevel
	// LevelCancel defaults to LogLevelWarn.
	LevelCancel LogLevel
	// LevelFailure defaults to LogLevelError.
	LevelFailure LogLevel

	// MessageSuccess defaults to "MICROPROCESSOR: Success".
	MessageSuccess string
	// MessageCancel defaults to "MICROPROCESSOR: Cancel".
	MessageCancel string
	// MessageFailure defaults to "MICROPROCESSOR: Failure".
	MessageFailure string
}

var defaultLogConfig = LogConfig{
	LevelSuccess:   LogLevelDebug,
	LevelCancel:    LogLevelWarn,
	LevelFailure:   LogLevelError,
	MessageSuccess: "MICROPROCESSOR: Success",
	MessageCancel:  "MICROPROCESSOR: Cancel",
	MessageFailure: "MICROPROCESSOR: Failure",
}

func (c LogConfig) parse() LogConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.LevelSuccess = parseLogLevel(c.LevelSuccess, defaultLogConfig.LevelSuccess)
	c.LevelCancel = parseLogLevel(c.LevelCancel, defaultLogConfig.LevelCancel)
	c.LevelFailure = parseLogLevel(c.LevelFailure, defaultLogConfig.LevelFailure)
	if c.MessageSuccess == "" {
		c.MessageSuccess = defaultLogConfig.MessageSuccess
	}
	if c.MessageCancel == "" {
		c.MessageCancel = defaultLogConfig.MessageCancel
	}
	if c.MessageFailure == "" {
		c.MessageFailure = defaultLogConfig.MessageFailure
	}
	return c
}

func parseLogLevel(level, fallback LogLevel) LogLevel {
	level = LogLevel(strings.ToLower(string(level)))
	if level == "" {
		return fallback
	}
	return level
}

func logFunc(level LogLevel, log microprocessor.Logger) func(msg string, args ...any) {
	switch level {
	case LogLevelDebug:
		return log.Debug
	case LogLevelWarn:
		return log.Warn
	case LogLevelError:
		return log.Error
	default:
		return log.Info
	}
}

// Logger creates an observer that logs every invocation.
func Logger(cfg LogConfig) Observer {
	cfg = cfg.parse()
	logSuccess := logFunc(cfg.LevelSuccess, cfg.Logger)
	logCancel := logFunc(cfg.LevelCancel, cfg.Logger)
	logFailure := logFunc(cfg.LevelFailure, cfg.Logger)
	return func(inv *Invocation) {
		args := append(append([]any(nil), cfg.Args...), inv.Args()...)
		switch inv.Outcome() {
		case "success":
			logSuccess(cfg.MessageSuccess, append(args,
				"duration", inv.Duration, "output", inv.Output, "metadata", inv.Metadata)...)
		case "canceled":
			logCancel(cfg.MessageCancel, append(args, "error", inv.Err)...)
		default:
			logFailure(cfg.MessageFailure, append(args, "error", inv.Err, "duration", inv.Duration)...)
		}
	}
}

// Log creates a filter logging every invocation. It runs at position 1 of
// ExceptionHandlingStage, outside Metrics and Recover. Position 0 is left
// to filters that must see the final output, such as the outbox.
func Log(cfg LogConfig) microprocessor.Filter {
	return Observe(microprocessor.ExceptionHandlingStage, 1, Logger(cfg))
}
