// Package microprocessor routes commands, events and queries through a
// pipeline of filters to their handlers, in process.
//
// # Overview
//
//	input stream → Processor → filters → handler → output stream
//	                   ↑                              │
//	                   └──────── events (depth first) ┘
//
// A Processor handles a MessageStream of input messages. Handlers are looked
// up in a Registry by the dynamic type of each message. Every handler runs
// inside a pipeline of filters; events it publishes are handled right away,
// before the next message, so handlers observe events in causal order.
// When all messages have settled, the units of work enlisted by the
// handlers are flushed.
//
// # Handlers
//
//	reg := microprocessor.NewRegistry()
//	microprocessor.RegisterFunc(reg, func(ctx *microprocessor.Context, cmd PlaceOrderCommand) error {
//	    return ctx.OutputStream().Publish(OrderPlaced{ID: cmd.ID})
//	})
//	microprocessor.RegisterFunc(reg, func(ctx *microprocessor.Context, evt OrderPlaced) error {
//	    return ctx.OutputStream().Publish(InventoryReserved{OrderID: evt.ID})
//	})
//
//	p := microprocessor.New(reg, microprocessor.Config{})
//	events, err := p.HandleMessages(ctx, PlaceOrderCommand{ID: "42"})
//	// events: OrderPlaced, InventoryReserved
//
// # Queries
//
//	total, err := microprocessor.Execute(ctx, p, microprocessor.QueryFunc[int](
//	    func(ctx *microprocessor.Context) (int, error) {
//	        return countOrders(ctx)
//	    }))
//
// Queries cannot publish output events.
//
// # Filters
//
// Filters run in four stages: ExceptionHandlingStage, AuthorizationStage,
// ValidationStage and ProcessingStage. Within a stage they are ordered by
// their position. The processor's global filters run outermost, followed
// by filters declared by the handler or query (FilterProvider) and filters
// given at registration (WithFilters).
//
// # Errors
//
// Handlers report application failures with *InternalError values
// (NewBusinessRuleError, NewNotFoundError, ...). The processor turns every
// failure into a *GatewayError: failures of commands and queries keep their
// kind, while failures of events become KindInternalServerError because the
// command that caused them already succeeded. Cancellation errors are
// returned unchanged.
package microprocessor
