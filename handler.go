package microprocessor

// MessageHandler handles messages of type T. Events are published through
// ctx.OutputStream(); changes are collected by units of work enlisted with
// ctx.Enlist.
type MessageHandler[T any] interface {
	Handle(ctx *Context, msg T) error
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc[T any] func(ctx *Context, msg T) error

// Handle calls f(ctx, msg).
func (f MessageHandlerFunc[T]) Handle(ctx *Context, msg T) error {
	return f(ctx, msg)
}

// Query produces a result without side effects visible as events.
type Query[R any] interface {
	Execute(ctx *Context) (R, error)
}

// QueryFunc adapts a function to the Query interface.
type QueryFunc[R any] func(ctx *Context) (R, error)

// Execute calls f(ctx).
func (f QueryFunc[R]) Execute(ctx *Context) (R, error) {
	return f(ctx)
}

// QueryWith produces a result from an input message.
type QueryWith[M, R any] interface {
	Execute(ctx *Context, msg M) (R, error)
}

// QueryWithFunc adapts a function to the QueryWith interface.
type QueryWithFunc[M, R any] func(ctx *Context, msg M) (R, error)

// Execute calls f(ctx, msg).
func (f QueryWithFunc[M, R]) Execute(ctx *Context, msg M) (R, error) {
	return f(ctx, msg)
}

// FilterProvider is implemented by handlers and queries that declare their
// own filters. These run inside the processor's global filters.
type FilterProvider interface {
	Filters() []Filter
}

var (
	_ MessageHandler[any] = MessageHandlerFunc[any](nil)
	_ Query[any]          = QueryFunc[any](nil)
	_ QueryWith[any, any] = QueryWithFunc[any, any](nil)
)
