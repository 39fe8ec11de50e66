package filter

import (
	"fmt"
	"time"

	"github.com/fxsml/microprocessor"
)

// Invocation describes one run of a handler or query pipeline.
type Invocation struct {
	// Message is the message or query being handled.
	Message any
	// Source is where Message came from.
	Source microprocessor.MessageSource
	// OperationID identifies the processor operation.
	OperationID string

	Start    time.Time
	Duration time.Duration
	// Output is the number of output events, always 0 for queries.
	Output int
	// Metadata is the number of metadata events.
	Metadata int

	Err error
}

// Outcome classifies the invocation as "success", "canceled" or "failure".
func (i *Invocation) Outcome() string {
	switch {
	case i.Err == nil:
		return "success"
	case microprocessor.IsCanceled(i.Err):
		return "canceled"
	default:
		return "failure"
	}
}

// MessageType returns the Go type name of the message.
func (i *Invocation) MessageType() string {
	return fmt.Sprintf("%T", i.Message)
}

// Args returns the invocation as key-value pairs for a Logger.
func (i *Invocation) Args() []any {
	return []any{
		"operation", i.OperationID,
		"message", i.MessageType(),
		"source", i.Source.String(),
	}
}

// Observer receives every finished invocation.
type Observer func(inv *Invocation)

// Observe creates a filter that reports every invocation to observe.
func Observe(stage microprocessor.Stage, position uint8, observe Observer) microprocessor.Filter {
	return microprocessor.NewFilter(microprocessor.FilterConfig{
		Stage:    stage,
		Position: position,
		Handle: func(next microprocessor.HandleFunc) microprocessor.HandleFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.HandleResult, error) {
				inv := begin(ctx, msg)
				res, err := next(ctx, msg)
				inv.finish(err)
				inv.Output = res.Output.Count()
				inv.Metadata = res.Metadata.Count()
				observe(inv)
				return res, err
			}
		},
		Execute: func(next microprocessor.ExecuteFunc) microprocessor.ExecuteFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.ExecuteResult, error) {
				inv := begin(ctx, msg)
				res, err := next(ctx, msg)
				inv.finish(err)
				inv.Metadata = res.Metadata.Count()
				observe(inv)
				return res, err
			}
		},
	})
}

func begin(ctx *microprocessor.Context, msg any) *Invocation {
	inv := &Invocation{
		Message:     msg,
		OperationID: ctx.OperationID(),
		Start:       time.Now(),
	}
	if top, ok := ctx.StackTrace().Current(); ok {
		inv.Message = top.Message
		inv.Source = top.Source
	}
	return inv
}

func (i *Invocation) finish(err error) {
	i.Duration = time.Since(i.Start)
	i.Err = err
}

// Distribute creates an observer that passes invocations to all observers.
func Distribute(observers ...Observer) Observer {
	return func(inv *Invocation) {
		for _, o := range observers {
			if o != nil {
				o(inv)
			}
		}
	}
}
