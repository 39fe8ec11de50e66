package microprocessor

import (
	"log/slog"
	"time"
)

// Config configures a Processor. The zero value is usable.
//
// Scalar fields can be overlaid from the environment with the config
// package, e.g. MICROPROCESSOR_PROCESSOR_MAX_DEPTH=32.
type Config struct {
	// Filters run around every handler and query, outside any filters
	// declared by handlers, queries or registrations.
	Filters []Filter

	// Logger receives operation logs. Defaults to slog.Default().
	Logger Logger

	// CommandPolicy decides which input messages are commands.
	// Defaults to DefaultCommandPolicy.
	CommandPolicy CommandPolicy

	// PrincipalProvider supplies the principal of each operation.
	// Defaults to PrincipalFromContext.
	PrincipalProvider PrincipalProvider

	// MaxDepth limits how deeply events may cascade from an input message.
	// Defaults to 64.
	MaxDepth int

	// FlushTimeout bounds flushing the unit of work. Zero means no limit.
	FlushTimeout time.Duration
}

var defaultConfig = Config{
	MaxDepth: 64,
}

func (c Config) parse() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.CommandPolicy == nil {
		c.CommandPolicy = DefaultCommandPolicy
	}
	if c.PrincipalProvider == nil {
		c.PrincipalProvider = PrincipalFromContext
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = defaultConfig.MaxDepth
	}
	if c.FlushTimeout < 0 {
		c.FlushTimeout = 0
	}
	return c
}
