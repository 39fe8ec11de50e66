package microprocessor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxsml/microprocessor/uow"
)

// Processor handles message streams and executes queries.
//
// Every call is one operation with a Context of its own. Messages are
// handled one at a time: for every message, each matching handler runs
// through its filter pipeline, and the events it published are handled
// right away, depth first, before the next message. Once everything has
// been handled the operation's unit of work is flushed, after which the
// collected metadata events are handled.
//
// Errors returned by a Processor are either cancellation errors (see
// IsCanceled) or *GatewayError.
//
// A Processor is safe for concurrent use; concurrent operations share
// nothing but the Registry.
type Processor struct {
	registry     *Registry
	filters      *Pipeline
	logger       Logger
	isCommand    CommandPolicy
	principal    PrincipalProvider
	maxDepth     int
	flushTimeout time.Duration

	pipelines sync.Map // *registration → HandleFunc
}

// New creates a processor dispatching to the handlers in registry.
func New(registry *Registry, cfg Config) *Processor {
	if registry == nil {
		registry = NewRegistry()
	}
	cfg = cfg.parse()
	return &Processor{
		registry:     registry,
		filters:      NewPipeline(cfg.Filters...),
		logger:       cfg.Logger,
		isCommand:    cfg.CommandPolicy,
		principal:    cfg.PrincipalProvider,
		maxDepth:     cfg.MaxDepth,
		flushTimeout: cfg.FlushTimeout,
	}
}

// Registry returns the registry the processor dispatches to.
func (p *Processor) Registry() *Registry {
	return p.registry
}

// IsCommand reports whether msg is a command according to the processor's
// CommandPolicy.
func (p *Processor) IsCommand(msg any) bool {
	return p.isCommand(msg)
}

// Handle handles every message of input and returns all events published
// along the way, in the order they were handled.
func (p *Processor) Handle(ctx context.Context, input MessageStream) (MessageStream, error) {
	mc := p.newOperation(ctx, kindHandle)

	output, metadata, err := p.handleStream(mc, input, SourceInputStream, 0)
	if err != nil {
		return MessageStream{}, p.failed(mc, err)
	}
	if err := p.flush(mc, p.singleCommand(input)); err != nil {
		return MessageStream{}, p.failed(mc, err)
	}
	if err := p.handleMetadata(mc, metadata); err != nil {
		return MessageStream{}, p.failed(mc, err)
	}

	p.logger.Debug("operation completed",
		"operation", mc.OperationID(),
		"input", input.Count(),
		"output", output.Count(),
		"metadata", metadata.Count())
	return output, nil
}

// HandleMessages is a shorthand for Handle(ctx, NewMessageStream(msgs...)).
func (p *Processor) HandleMessages(ctx context.Context, msgs ...any) (MessageStream, error) {
	return p.Handle(ctx, NewMessageStream(msgs...))
}

// newOperation creates the Context of a new operation. Operations started
// from within another one inherit its principal and stack trace.
func (p *Processor) newOperation(parent context.Context, kind operationKind) *Context {
	if parent == nil {
		parent = context.Background()
	}
	op := &operation{
		kind:       kind,
		processor:  p,
		unitOfWork: uow.NewController(),
	}
	if outer, ok := parent.Value(contextKey{}).(*Context); ok {
		op.principal = outer.Principal()
		op.stackTrace = outer.StackTrace().clone()
	} else {
		op.principal = p.principal(parent)
		op.stackTrace = NewStackTrace(SourceNone)
	}
	if op.principal == nil {
		op.principal = Anonymous()
	}
	return newContext(parent, op)
}

// handleStream handles the messages of stream in order. For output streams
// every event is added to the returned output right before the events it
// caused.
func (p *Processor) handleStream(mc *Context, stream MessageStream, source MessageSource, depth int) (output, metadata MessageStream, err error) {
	err = stream.HandleMessagesWith(func(msg any, handler MessageHandlerFunc[any]) error {
		if source == SourceOutputStream {
			output = output.Append(msg)
		}
		out, meta, err := p.handleMessage(mc, MessageInfo{Message: msg, Source: source}, handler, depth)
		if err != nil {
			return err
		}
		output = output.AppendStream(out)
		metadata = metadata.AppendStream(meta)
		return nil
	})
	return output, metadata, err
}

func (p *Processor) handleMessage(mc *Context, info MessageInfo, override MessageHandlerFunc[any], depth int) (output, metadata MessageStream, err error) {
	if err := mc.Err(); err != nil {
		return output, metadata, err
	}

	stack := mc.StackTrace()
	stack.Push(info)
	defer stack.Pop()

	if depth > p.maxDepth {
		return output, metadata, p.classify(mc, fmt.Errorf("%w: %d", ErrMaxDepthExceeded, p.maxDepth))
	}

	pipelines := p.pipelinesFor(mc, info, override)
	p.logger.Debug("handling message",
		"operation", mc.OperationID(),
		"message", fmt.Sprintf("%T", info.Message),
		"source", info.Source,
		"depth", depth,
		"handlers", len(pipelines))

	for _, handle := range pipelines {
		result, err := p.invoke(mc, handle, info.Message)
		if err != nil {
			if ctxErr := mc.Err(); ctxErr != nil {
				return output, metadata, ctxErr
			}
			return output, metadata, p.classify(mc, err)
		}

		out, meta, err := p.handleStream(mc, result.Output, SourceOutputStream, depth+1)
		if err != nil {
			return output, metadata, err
		}
		output = output.AppendStream(out)

		if mc.op.kind == kindMetadata {
			if _, _, err := p.handleStream(mc, result.Metadata, SourceMetadataStream, depth+1); err != nil {
				return output, metadata, err
			}
			continue
		}
		metadata = metadata.AppendStream(result.Metadata).AppendStream(meta)
	}

	if err := mc.Err(); err != nil {
		return output, metadata, err
	}
	return output, metadata, nil
}

// invoke runs one handler pipeline. The event buffers are reset afterwards,
// whatever the outcome. A panic becomes a *PanicError.
func (p *Processor) invoke(mc *Context, handle HandleFunc, msg any) (res HandleResult, err error) {
	defer mc.reset()
	defer RecoverInto(&err)
	return handle(mc, msg)
}

// pipelinesFor returns the handler pipelines for a message. A handler
// appended to the message replaces the registered ones.
func (p *Processor) pipelinesFor(mc *Context, info MessageInfo, override MessageHandlerFunc[any]) []HandleFunc {
	if override != nil {
		return []HandleFunc{p.filters.WrapHandle(handlerStep(func(ctx *Context, msg any) error {
			return override(ctx, msg)
		}))}
	}
	regs := p.registry.resolve(info.Message, info.Source)
	pipelines := make([]HandleFunc, 0, len(regs))
	for _, reg := range regs {
		pipelines = append(pipelines, p.pipeline(mc, reg))
	}
	return pipelines
}

// pipeline returns the pipeline of reg, building it on first use.
func (p *Processor) pipeline(mc *Context, reg *registration) HandleFunc {
	if h, ok := p.pipelines.Load(reg); ok {
		return h.(HandleFunc)
	}
	declared := reg.declaredFilters(reg.resolve(mc))
	h := layers{p.filters, declared, reg.filters}.wrapHandle(handlerStep(func(ctx *Context, msg any) error {
		return reg.invoke(reg.resolve(ctx), ctx, msg)
	}))
	actual, _ := p.pipelines.LoadOrStore(reg, h)
	return actual.(HandleFunc)
}

// handlerStep turns a handler call into the innermost pipeline step, which
// collects the events the handler published.
func handlerStep(call func(ctx *Context, msg any) error) HandleFunc {
	return func(ctx *Context, msg any) (HandleResult, error) {
		if err := call(ctx, msg); err != nil {
			return HandleResult{}, err
		}
		return HandleResult{
			Output:   ctx.OutputStream().Stream(),
			Metadata: ctx.MetadataStream().Stream(),
		}, nil
	}
}

// flush flushes the operation's unit of work. A concurrency conflict is the
// caller's fault only if the operation handled nothing but a single command
// or query.
func (p *Processor) flush(mc *Context, singleRequest bool) error {
	ctx := context.Context(mc)
	if p.flushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.flushTimeout)
		defer cancel()
	}
	err := mc.UnitOfWork().Flush(ctx)
	switch {
	case err == nil || IsCanceled(err):
		return err
	case uow.IsConcurrencyConflict(err) && singleRequest:
		return newGatewayError(KindConflict, "concurrency conflict", err)
	}
	if _, ok := AsGatewayError(err); ok {
		return err
	}
	return newGatewayError(KindInternalServerError, "flushing unit of work failed", err)
}

// handleMetadata handles metadata events in an operation of their own. It
// returns once they and all metadata events they caused are handled.
func (p *Processor) handleMetadata(parent *Context, metadata MessageStream) error {
	if metadata.IsEmpty() {
		return nil
	}
	mc := p.newOperation(parent, kindMetadata)
	if _, _, err := p.handleStream(mc, metadata, SourceMetadataStream, 0); err != nil {
		return err
	}
	return p.flush(mc, false)
}

func (p *Processor) singleCommand(input MessageStream) bool {
	if input.Count() != 1 {
		return false
	}
	msg, _ := input.At(0)
	return p.isCommand(msg)
}

// classify converts err according to the message on top of the stack trace.
func (p *Processor) classify(mc *Context, err error) error {
	info, ok := mc.StackTrace().Current()
	return classify(err, ok && p.isClientFault(info))
}

func (p *Processor) isClientFault(info MessageInfo) bool {
	switch info.Source {
	case SourceQuery:
		return true
	case SourceInputStream:
		return p.isCommand(info.Message)
	default:
		return false
	}
}

// failed makes sure err belongs to the external taxonomy and logs it.
func (p *Processor) failed(mc *Context, err error) error {
	if IsCanceled(err) {
		p.logger.Warn("operation canceled", "operation", mc.OperationID(), "kind", mc.op.kind, "error", err)
		return err
	}
	if _, ok := AsGatewayError(err); !ok {
		err = newGatewayError(KindInternalServerError, "unexpected failure", err)
	}
	p.logger.Error("operation failed", "operation", mc.OperationID(), "kind", mc.op.kind, "error", err)
	return err
}
