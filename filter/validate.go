package filter

import (
	"context"
	"time"

	"github.com/fxsml/microprocessor"
)

// Validator is implemented by messages that can check themselves.
type Validator interface {
	Validate() error
}

// Validate rejects messages whose Validate method fails. Messages that do
// not implement Validator pass.
func Validate() microprocessor.Filter {
	return Check(microprocessor.ValidationStage, 0, func(_ *microprocessor.Context, msg any) error {
		v, ok := msg.(Validator)
		if !ok {
			return nil
		}
		if err := v.Validate(); err != nil {
			return microprocessor.NewUnprocessableError("invalid message", err)
		}
		return nil
	})
}

// Check creates a filter in stage that runs check before every handler
// and query.
func Check(stage microprocessor.Stage, position uint8, check func(ctx *microprocessor.Context, msg any) error) microprocessor.Filter {
	return microprocessor.NewFilter(microprocessor.FilterConfig{
		Stage:    stage,
		Position: position,
		Handle: func(next microprocessor.HandleFunc) microprocessor.HandleFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.HandleResult, error) {
				if err := check(ctx, messageOf(ctx, msg)); err != nil {
					return microprocessor.HandleResult{}, err
				}
				return next(ctx, msg)
			}
		},
		Execute: func(next microprocessor.ExecuteFunc) microprocessor.ExecuteFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.ExecuteResult, error) {
				if err := check(ctx, messageOf(ctx, msg)); err != nil {
					return microprocessor.ExecuteResult{}, err
				}
				return next(ctx, msg)
			}
		},
	})
}

// Timeout bounds every handler and query invocation by d. Zero or negative
// durations disable the timeout.
func Timeout(d time.Duration) microprocessor.Filter {
	return microprocessor.NewFilter(microprocessor.FilterConfig{
		Stage:    microprocessor.ProcessingStage,
		Position: 0,
		Enabled:  func(*microprocessor.Context) bool { return d > 0 },
		Handle: func(next microprocessor.HandleFunc) microprocessor.HandleFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.HandleResult, error) {
				timed, cancel := context.WithTimeout(ctx, d)
				defer cancel()
				return next(ctx.WithContext(timed), msg)
			}
		},
		Execute: func(next microprocessor.ExecuteFunc) microprocessor.ExecuteFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.ExecuteResult, error) {
				timed, cancel := context.WithTimeout(ctx, d)
				defer cancel()
				return next(ctx.WithContext(timed), msg)
			}
		},
	})
}
