package microprocessor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/fxsml/microprocessor/internal/test"
	"github.com/fxsml/microprocessor/uow"
)

type placeOrderCommand struct{ ID string }

type cancelOrder struct{ ID string }

func (cancelOrder) Command() {}

type orderPlaced struct{ ID string }

func (e orderPlaced) orderID() string { return e.ID }

type inventoryReserved struct{ OrderID string }

func (e inventoryReserved) orderID() string { return e.OrderID }

type orderEvent interface{ orderID() string }

type auditRecord struct{ Action string }

type loopEvent struct{ N int }

func newTestProcessor(reg *Registry, filters ...Filter) (*Processor, *test.Logger) {
	logger := &test.Logger{}
	return New(reg, Config{Logger: logger, Filters: filters}), logger
}

func gatewayKind(t *testing.T, err error) ErrorKind {
	t.Helper()
	gerr, ok := AsGatewayError(err)
	if !ok {
		t.Fatalf("Expected *GatewayError, got %T: %v", err, err)
	}
	return gerr.Kind
}

func TestProcessor_HandlesDepthFirst(t *testing.T) {
	reg := NewRegistry()
	var handled []string
	record := func(name string) { handled = append(handled, name) }

	RegisterFunc(reg, func(ctx *Context, cmd placeOrderCommand) error {
		record("M" + cmd.ID)
		if cmd.ID == "1" {
			return ctx.OutputStream().Publish(orderPlaced{ID: "E1"})
		}
		return nil
	})
	RegisterFunc(reg, func(ctx *Context, evt orderPlaced) error {
		record(evt.ID)
		return ctx.OutputStream().Publish(inventoryReserved{OrderID: "E2"})
	})
	RegisterFunc(reg, func(_ *Context, evt inventoryReserved) error {
		record(evt.OrderID)
		return nil
	})

	p, _ := newTestProcessor(reg)
	out, err := p.HandleMessages(context.Background(), placeOrderCommand{ID: "1"}, placeOrderCommand{ID: "3"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if want := []string{"M1", "E1", "E2", "M3"}; !slices.Equal(handled, want) {
		t.Errorf("Expected %v, got %v", want, handled)
	}
	want := []any{orderPlaced{ID: "E1"}, inventoryReserved{OrderID: "E2"}}
	if got := out.Messages(); !slices.Equal(got, want) {
		t.Errorf("Expected output %v, got %v", want, got)
	}
}

func TestProcessor_OutputKeepsCausalOrder(t *testing.T) {
	reg := NewRegistry()
	RegisterFunc(reg, func(ctx *Context, cmd placeOrderCommand) error {
		_ = ctx.OutputStream().Publish(orderPlaced{ID: "a"})
		return ctx.OutputStream().Publish(orderPlaced{ID: "b"})
	})
	RegisterFunc(reg, func(ctx *Context, evt orderPlaced) error {
		return ctx.OutputStream().Publish(inventoryReserved{OrderID: evt.ID})
	})

	p, _ := newTestProcessor(reg)
	out, err := p.HandleMessages(context.Background(), placeOrderCommand{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := []any{
		orderPlaced{ID: "a"}, inventoryReserved{OrderID: "a"},
		orderPlaced{ID: "b"}, inventoryReserved{OrderID: "b"},
	}
	if got := out.Messages(); !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestProcessor_ResetsOutputBetweenHandlers(t *testing.T) {
	reg := NewRegistry()
	var seen []int
	RegisterFunc(reg, func(ctx *Context, cmd placeOrderCommand) error {
		seen = append(seen, ctx.OutputStream().Count())
		if cmd.ID == "1" {
			return ctx.OutputStream().Publish(orderPlaced{ID: "E1"})
		}
		return nil
	})
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		seen = append(seen, ctx.OutputStream().Count())
		return nil
	})

	p, _ := newTestProcessor(reg)
	if _, err := p.HandleMessages(context.Background(), placeOrderCommand{ID: "1"}, placeOrderCommand{ID: "3"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if want := []int{0, 0, 0, 0}; !slices.Equal(seen, want) {
		t.Errorf("Expected every handler to start with an empty output stream, got %v", seen)
	}
}

func TestProcessor_ResetsOutputAfterFailure(t *testing.T) {
	reg := NewRegistry()
	var counts []int
	RegisterFunc(reg, func(ctx *Context, cmd placeOrderCommand) error {
		counts = append(counts, ctx.OutputStream().Count())
		_ = ctx.OutputStream().Publish(orderPlaced{})
		return errors.New("boom")
	})

	p, _ := newTestProcessor(reg)
	_, _ = p.HandleMessages(context.Background(), placeOrderCommand{})
	_, _ = p.HandleMessages(context.Background(), placeOrderCommand{})

	if !slices.Equal(counts, []int{0, 0}) {
		t.Errorf("Expected empty output streams, got %v", counts)
	}
}

func TestProcessor_Scenario_OrderPlaced(t *testing.T) {
	reg := NewRegistry()
	RegisterFunc(reg, func(ctx *Context, evt orderPlaced) error {
		return ctx.OutputStream().Publish(inventoryReserved{OrderID: evt.ID})
	})

	p, _ := newTestProcessor(reg)
	out, err := p.HandleMessages(context.Background(), orderPlaced{ID: "42"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if out.Count() != 1 {
		t.Fatalf("Expected 1 output event, got %d", out.Count())
	}
	if got, _ := out.At(0); got != (inventoryReserved{OrderID: "42"}) {
		t.Errorf("Expected InventoryReserved, got %v", got)
	}
}

func TestProcessor_EmptyInput(t *testing.T) {
	p, _ := newTestProcessor(NewRegistry())
	out, err := p.Handle(context.Background(), MessageStream{})
	if err != nil || !out.IsEmpty() {
		t.Errorf("Expected empty output and no error, got %v (%v)", out, err)
	}
}

func TestProcessor_MessageWithoutHandlers(t *testing.T) {
	p, _ := newTestProcessor(NewRegistry())
	out, err := p.HandleMessages(context.Background(), orderPlaced{})
	if err != nil || out.Count() != 0 {
		t.Errorf("Expected no output and no error, got %v (%v)", out, err)
	}
}

func TestProcessor_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name  string
		input any
		fail  error
		want  ErrorKind
	}{
		{"command by name", placeOrderCommand{}, NewBusinessRuleError("out of stock"), KindBadRequest},
		{"command by marker", cancelOrder{}, NewNotFoundError("no such order"), KindNotFound},
		{"command unauthorized", cancelOrder{}, NewUnauthorizedError("denied"), KindUnauthorized},
		{"command unexpected error", placeOrderCommand{}, errors.New("disk full"), KindInternalServerError},
		{"command conflict", placeOrderCommand{}, fmt.Errorf("save: %w", uow.ErrConcurrencyConflict), KindConflict},
		{"input event", orderPlaced{}, NewBusinessRuleError("out of stock"), KindInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			fail := func(*Context, any) error { return tt.fail }
			RegisterFunc(reg, func(ctx *Context, m placeOrderCommand) error { return fail(ctx, m) })
			RegisterFunc(reg, func(ctx *Context, m cancelOrder) error { return fail(ctx, m) })
			RegisterFunc(reg, func(ctx *Context, m orderPlaced) error { return fail(ctx, m) })

			p, _ := newTestProcessor(reg)
			_, err := p.HandleMessages(context.Background(), tt.input)
			if got := gatewayKind(t, err); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
			if !errors.Is(err, tt.fail) {
				t.Errorf("Expected cause to be kept, got %v", err)
			}
		})
	}
}

func TestProcessor_EventFailureCausedByCommandIsInternal(t *testing.T) {
	reg := NewRegistry()
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		return ctx.OutputStream().Publish(orderPlaced{})
	})
	RegisterFunc(reg, func(*Context, orderPlaced) error {
		return NewBusinessRuleError("out of stock")
	})

	p, logger := newTestProcessor(reg)
	_, err := p.HandleMessages(context.Background(), placeOrderCommand{})

	if got := gatewayKind(t, err); got != KindInternalServerError {
		t.Errorf("Expected %s, got %s", KindInternalServerError, got)
	}
	gerr, _ := AsGatewayError(err)
	if gerr.StatusCode() != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", gerr.StatusCode())
	}
	if len(logger.Calls("error")) != 1 {
		t.Errorf("Expected the failure to be logged once, got %v", logger.Calls("error"))
	}
}

func TestProcessor_RecoversPanics(t *testing.T) {
	reg := NewRegistry()
	unit := &test.Unit{}
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		if err := ctx.Enlist(unit, nil); err != nil {
			return err
		}
		return ctx.OutputStream().Publish(orderPlaced{ID: "E1"})
	})
	RegisterFunc(reg, func(*Context, orderPlaced) error {
		panic("inventory unavailable")
	})

	p, _ := newTestProcessor(reg)
	_, err := p.HandleMessages(context.Background(), placeOrderCommand{})

	if got := gatewayKind(t, err); got != KindInternalServerError {
		t.Errorf("Expected %s, got %s", KindInternalServerError, got)
	}
	var perr *PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected *PanicError in chain, got %v", err)
	}
	if perr.PanicValue != "inventory unavailable" {
		t.Errorf("Expected panic value, got %v", perr.PanicValue)
	}
	if !strings.Contains(perr.StackTrace, "processor_test.go") {
		t.Errorf("Expected stack trace of the handler, got %q", perr.StackTrace)
	}
	if unit.Flushes() != 0 {
		t.Errorf("Expected no flush, got %d", unit.Flushes())
	}
}

func TestProcessor_CanceledBeforeHandling(t *testing.T) {
	reg := NewRegistry()
	called := false
	RegisterFunc(reg, func(*Context, placeOrderCommand) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, logger := newTestProcessor(reg)
	_, err := p.HandleMessages(ctx, placeOrderCommand{})

	if called {
		t.Error("Expected handler not to run")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if _, ok := AsGatewayError(err); ok {
		t.Error("Expected cancellation not to be reported as a gateway error")
	}
	if len(logger.Calls("warn")) != 1 || len(logger.Calls("error")) != 0 {
		t.Error("Expected cancellation to be logged as a warning")
	}
}

func TestProcessor_CanceledBetweenMessages(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	var handled []string
	RegisterFunc(reg, func(_ *Context, cmd placeOrderCommand) error {
		handled = append(handled, cmd.ID)
		cancel()
		return nil
	})

	p, _ := newTestProcessor(reg)
	_, err := p.HandleMessages(ctx, placeOrderCommand{ID: "1"}, placeOrderCommand{ID: "2"})

	if !IsCanceled(err) {
		t.Errorf("Expected cancellation, got %v", err)
	}
	if !slices.Equal(handled, []string{"1"}) {
		t.Errorf("Expected only the first message to be handled, got %v", handled)
	}
}

func TestProcessor_HandlerErrorAfterCancelIsCancellation(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	RegisterFunc(reg, func(*Context, placeOrderCommand) error {
		cancel()
		return errors.New("interrupted")
	})

	p, _ := newTestProcessor(reg)
	_, err := p.HandleMessages(ctx, placeOrderCommand{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestProcessor_FlushesEnlistedUnitOnce(t *testing.T) {
	reg := NewRegistry()
	unit := &test.Unit{}
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		if err := ctx.Enlist(unit, "orders"); err != nil {
			return err
		}
		return ctx.OutputStream().Publish(orderPlaced{})
	})
	RegisterFunc(reg, func(ctx *Context, _ orderPlaced) error {
		if unit.Flushes() != 0 {
			t.Error("Expected unit not to be flushed before all messages are handled")
		}
		return ctx.Enlist(unit, "orders")
	})

	p, _ := newTestProcessor(reg)
	if _, err := p.HandleMessages(context.Background(), placeOrderCommand{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if unit.Flushes() != 1 {
		t.Errorf("Expected 1 flush, got %d", unit.Flushes())
	}
}

func TestProcessor_FailedOperationIsNotFlushed(t *testing.T) {
	reg := NewRegistry()
	unit := &test.Unit{}
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		_ = ctx.Enlist(unit, nil)
		return NewBusinessRuleError("rejected")
	})

	p, _ := newTestProcessor(reg)
	if _, err := p.HandleMessages(context.Background(), placeOrderCommand{}); err == nil {
		t.Fatal("Expected error")
	}
	if unit.Flushes() != 0 {
		t.Errorf("Expected no flush, got %d", unit.Flushes())
	}
}

func TestProcessor_FlushConflict(t *testing.T) {
	conflict := fmt.Errorf("version mismatch: %w", uow.ErrConcurrencyConflict)
	tests := []struct {
		name  string
		input []any
		want  ErrorKind
	}{
		{"single command", []any{placeOrderCommand{}}, KindConflict},
		{"two commands", []any{placeOrderCommand{}, placeOrderCommand{}}, KindInternalServerError},
		{"single event", []any{orderPlaced{}}, KindInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			enlist := func(ctx *Context) error { return ctx.Enlist(&test.Unit{Err: conflict}, "orders") }
			RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error { return enlist(ctx) })
			RegisterFunc(reg, func(ctx *Context, _ orderPlaced) error { return enlist(ctx) })

			p, _ := newTestProcessor(reg)
			_, err := p.HandleMessages(context.Background(), tt.input...)
			if got := gatewayKind(t, err); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
			if !uow.IsConcurrencyConflict(err) {
				t.Errorf("Expected conflict to be kept as cause, got %v", err)
			}
		})
	}
}

func TestProcessor_HandlesMetadataAfterFlush(t *testing.T) {
	reg := NewRegistry()
	var trace test.Recorder[string]
	unit := &test.Unit{OnFlush: func(context.Context) { trace.Add("flush") }}

	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		trace.Add("command")
		if err := ctx.Enlist(unit, nil); err != nil {
			return err
		}
		return ctx.MetadataStream().Publish(auditRecord{Action: "place"})
	})
	RegisterFunc(reg, func(ctx *Context, rec auditRecord) error {
		trace.Add("metadata " + rec.Action)
		if src := ctx.StackTrace().CurrentSource(); src != SourceMetadataStream {
			t.Errorf("Expected metadata source, got %s", src)
		}
		return nil
	}, WithSources(SourceMetadataStream))

	p, _ := newTestProcessor(reg)
	out, err := p.HandleMessages(context.Background(), placeOrderCommand{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !out.IsEmpty() {
		t.Errorf("Expected metadata not to be part of the output, got %v", out.Messages())
	}
	if want := []string{"command", "flush", "metadata place"}; !slices.Equal(trace.Values(), want) {
		t.Errorf("Expected %v, got %v", want, trace.Values())
	}
}

func TestProcessor_MetadataCascades(t *testing.T) {
	reg := NewRegistry()
	var actions []string
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		return ctx.MetadataStream().Publish(auditRecord{Action: "first"})
	})
	RegisterFunc(reg, func(ctx *Context, rec auditRecord) error {
		actions = append(actions, rec.Action)
		if rec.Action == "first" {
			return ctx.MetadataStream().Publish(auditRecord{Action: "second"})
		}
		return nil
	})

	p, _ := newTestProcessor(reg)
	if _, err := p.HandleMessages(context.Background(), placeOrderCommand{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if want := []string{"first", "second"}; !slices.Equal(actions, want) {
		t.Errorf("Expected %v, got %v", want, actions)
	}
}

func TestProcessor_MetadataHandlersCannotPublishOutput(t *testing.T) {
	reg := NewRegistry()
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		return ctx.MetadataStream().Publish(auditRecord{})
	})
	RegisterFunc(reg, func(ctx *Context, _ auditRecord) error {
		return ctx.OutputStream().Publish(orderPlaced{})
	})

	p, _ := newTestProcessor(reg)
	_, err := p.HandleMessages(context.Background(), placeOrderCommand{})
	if !errors.Is(err, ErrPublishNotAllowed) {
		t.Errorf("Expected ErrPublishNotAllowed, got %v", err)
	}
	if got := gatewayKind(t, err); got != KindInternalServerError {
		t.Errorf("Expected %s, got %s", KindInternalServerError, got)
	}
}

func TestProcessor_MaxDepth(t *testing.T) {
	reg := NewRegistry()
	RegisterFunc(reg, func(ctx *Context, evt loopEvent) error {
		return ctx.OutputStream().Publish(loopEvent{N: evt.N + 1})
	})

	p := New(reg, Config{Logger: NopLogger(), MaxDepth: 3})
	_, err := p.HandleMessages(context.Background(), loopEvent{})
	if !errors.Is(err, ErrMaxDepthExceeded) {
		t.Errorf("Expected ErrMaxDepthExceeded, got %v", err)
	}
}

func TestProcessor_GlobalFiltersWrapHandlers(t *testing.T) {
	reg := NewRegistry()
	var trace []string
	RegisterFunc(reg, func(*Context, placeOrderCommand) error {
		trace = append(trace, "handler")
		return nil
	}, WithFilters(traceFilter(&trace, "registered", ExceptionHandlingStage, 0)))

	p, _ := newTestProcessor(reg,
		traceFilter(&trace, "global-processing", ProcessingStage, 0),
		traceFilter(&trace, "global-validation", ValidationStage, 0),
	)
	if _, err := p.HandleMessages(context.Background(), placeOrderCommand{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := []string{"global-validation", "global-processing", "registered", "handler"}
	if !slices.Equal(trace, want) {
		t.Errorf("Expected %v, got %v", want, trace)
	}
}

type auditedHandler struct {
	trace *[]string
}

func (h *auditedHandler) Filters() []Filter {
	return []Filter{traceFilter(h.trace, "declared", AuthorizationStage, 0)}
}

func (h *auditedHandler) Handle(*Context, placeOrderCommand) error {
	*h.trace = append(*h.trace, "handler")
	return nil
}

func TestProcessor_DeclaredFilters(t *testing.T) {
	reg := NewRegistry()
	var trace []string
	Register[placeOrderCommand](reg, &auditedHandler{trace: &trace},
		WithFilters(traceFilter(&trace, "registered", ExceptionHandlingStage, 0)))

	p, _ := newTestProcessor(reg, traceFilter(&trace, "global", ProcessingStage, 0))
	for range 2 {
		if _, err := p.HandleMessages(context.Background(), placeOrderCommand{}); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	want := []string{"global", "declared", "registered", "handler"}
	if !slices.Equal(trace, append(slices.Clone(want), want...)) {
		t.Errorf("Expected %v twice, got %v", want, trace)
	}
}

func TestProcessor_FilterCanRewriteOutput(t *testing.T) {
	reg := NewRegistry()
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		return ctx.OutputStream().Publish(orderPlaced{ID: "raw"})
	})
	drop := HandleFilter(ProcessingStage, 0, func(next HandleFunc) HandleFunc {
		return func(ctx *Context, msg any) (HandleResult, error) {
			res, err := next(ctx, msg)
			return res.WithOutput(NewMessageStream(inventoryReserved{OrderID: "rewritten"})), err
		}
	})

	p, _ := newTestProcessor(reg, drop)
	out, err := p.HandleMessages(context.Background(), placeOrderCommand{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got := out.Messages(); !slices.Equal(got, []any{inventoryReserved{OrderID: "rewritten"}}) {
		t.Errorf("Expected rewritten output, got %v", got)
	}
}

func TestProcessor_AppendedHandlerReplacesRegistered(t *testing.T) {
	reg := NewRegistry()
	registered := false
	RegisterFunc(reg, func(*Context, orderPlaced) error {
		registered = true
		return nil
	})
	var got []any
	input := MessageStream{}.AppendWith(orderPlaced{ID: "1"}, func(_ *Context, msg any) error {
		got = append(got, msg)
		return nil
	})

	p, _ := newTestProcessor(reg)
	if _, err := p.Handle(context.Background(), input); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if registered {
		t.Error("Expected registered handler not to run")
	}
	if !slices.Equal(got, []any{orderPlaced{ID: "1"}}) {
		t.Errorf("Expected appended handler to run, got %v", got)
	}
}

func TestProcessor_PublishWithHandler(t *testing.T) {
	reg := NewRegistry()
	var got []string
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		return ctx.OutputStream().PublishWith(orderPlaced{ID: "custom"}, func(_ *Context, msg any) error {
			got = append(got, msg.(orderPlaced).ID)
			return nil
		})
	})

	p, _ := newTestProcessor(reg)
	out, err := p.HandleMessages(context.Background(), placeOrderCommand{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !slices.Equal(got, []string{"custom"}) || out.Count() != 1 {
		t.Errorf("Expected custom handler to run once, got %v (output %d)", got, out.Count())
	}
}

func TestProcessor_InterfaceHandlersRunAfterExactMatches(t *testing.T) {
	reg := NewRegistry()
	var trace []string
	RegisterFunc(reg, func(_ *Context, evt orderEvent) error {
		trace = append(trace, "interface "+evt.orderID())
		return nil
	})
	RegisterFunc(reg, func(_ *Context, evt orderPlaced) error {
		trace = append(trace, "exact "+evt.ID)
		return nil
	})

	p, _ := newTestProcessor(reg)
	if _, err := p.HandleMessages(context.Background(), orderPlaced{ID: "1"}, inventoryReserved{OrderID: "2"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := []string{"exact 1", "interface 1", "interface 2"}
	if !slices.Equal(trace, want) {
		t.Errorf("Expected %v, got %v", want, trace)
	}
}

func TestProcessor_WithSources(t *testing.T) {
	reg := NewRegistry()
	var sources []MessageSource
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		return ctx.OutputStream().Publish(orderPlaced{})
	})
	RegisterFunc(reg, func(ctx *Context, _ orderPlaced) error {
		sources = append(sources, ctx.StackTrace().CurrentSource())
		return nil
	}, WithSources(SourceInputStream))

	p, _ := newTestProcessor(reg)
	if _, err := p.HandleMessages(context.Background(), placeOrderCommand{}, orderPlaced{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !slices.Equal(sources, []MessageSource{SourceInputStream}) {
		t.Errorf("Expected handler to run for the input event only, got %v", sources)
	}
}

type countingHandler struct {
	id int
}

func (h *countingHandler) Handle(ctx *Context, _ orderPlaced) error {
	return ctx.MetadataStream().Publish(auditRecord{Action: fmt.Sprint(h.id)})
}

func TestProcessor_Lifetimes(t *testing.T) {
	tests := []struct {
		lifetime Lifetime
		distinct func(created int) bool
		perOp    int
	}{
		{Singleton, func(n int) bool { return n == 1 }, 1},
		{PerOperation, func(n int) bool { return n == 2 }, 1},
		{PerResolve, func(n int) bool { return n >= 4 }, 2},
	}
	for _, tt := range tests {
		t.Run(tt.lifetime.String(), func(t *testing.T) {
			reg := NewRegistry()
			created := 0
			RegisterFactory(reg, func() MessageHandler[orderPlaced] {
				created++
				return &countingHandler{id: created}
			}, tt.lifetime)

			var ids [][]string
			var current []string
			RegisterFunc(reg, func(_ *Context, rec auditRecord) error {
				current = append(current, rec.Action)
				return nil
			})

			p, _ := newTestProcessor(reg)
			for range 2 {
				current = nil
				if _, err := p.HandleMessages(context.Background(), orderPlaced{}, orderPlaced{}); err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				ids = append(ids, current)
			}

			if !tt.distinct(created) {
				t.Errorf("Unexpected number of instances: %d", created)
			}
			for _, opIDs := range ids {
				if n := len(slices.Compact(slices.Clone(opIDs))); n != tt.perOp {
					t.Errorf("Expected %d instance(s) per operation, got %v", tt.perOp, opIDs)
				}
			}
		})
	}
}

func TestProcessor_PrincipalFromContext(t *testing.T) {
	reg := NewRegistry()
	var names []string
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		names = append(names, ctx.Principal().Name())
		if !HasClaim(ctx.Principal(), "role", "clerk") {
			return NewUnauthorizedError("clerks only")
		}
		return nil
	})

	p, _ := newTestProcessor(reg)
	ctx := WithPrincipal(context.Background(), NewPrincipal("alice", Claim{Type: "role", Values: []string{"clerk"}}))
	if _, err := p.HandleMessages(ctx, placeOrderCommand{}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	_, err := p.HandleMessages(context.Background(), placeOrderCommand{})
	if got := gatewayKind(t, err); got != KindUnauthorized {
		t.Errorf("Expected %s, got %s", KindUnauthorized, got)
	}
	if !slices.Equal(names, []string{"alice", ""}) {
		t.Errorf("Expected alice then anonymous, got %v", names)
	}
}

func TestProcessor_OperationsAreIsolated(t *testing.T) {
	reg := NewRegistry()
	ids := map[string]bool{}
	RegisterFunc(reg, func(ctx *Context, _ placeOrderCommand) error {
		ids[ctx.OperationID()] = true
		if ctx.StackTrace().Count() != 1 {
			t.Errorf("Expected a fresh stack trace, got %d entries", ctx.StackTrace().Count())
		}
		return nil
	})

	p, _ := newTestProcessor(reg)
	for range 3 {
		if _, err := p.HandleMessages(context.Background(), placeOrderCommand{}); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}
	if len(ids) != 3 {
		t.Errorf("Expected 3 operation IDs, got %d", len(ids))
	}
}
