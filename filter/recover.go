// Package filter provides ready-made filters for a microprocessor.Processor:
// panic recovery, logging, metrics, authorization, validation and timeouts.
package filter

import "github.com/fxsml/microprocessor"

// RecoveryError wraps a panic value with the stack trace.
type RecoveryError = microprocessor.PanicError

// Recover turns panics of handlers, queries and inner filters into a
// *RecoveryError. The processor recovers panics on its own; this filter
// runs in ExceptionHandlingStage inside Log and Metrics, so both observe
// recovered panics as failures.
func Recover() microprocessor.Filter {
	return microprocessor.NewFilter(microprocessor.FilterConfig{
		Stage:    microprocessor.ExceptionHandlingStage,
		Position: 10,
		Handle: func(next microprocessor.HandleFunc) microprocessor.HandleFunc {
			return func(ctx *microprocessor.Context, msg any) (res microprocessor.HandleResult, err error) {
				defer microprocessor.RecoverInto(&err)
				return next(ctx, msg)
			}
		},
		Execute: func(next microprocessor.ExecuteFunc) microprocessor.ExecuteFunc {
			return func(ctx *microprocessor.Context, msg any) (res microprocessor.ExecuteResult, err error) {
				defer microprocessor.RecoverInto(&err)
				return next(ctx, msg)
			}
		},
	})
}
