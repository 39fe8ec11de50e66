package microprocessor

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fxsml/microprocessor/uow"
)

// UnitOfWorkController collects the units of work of an operation.
// *uow.Controller and uow.Immediate implement it.
type UnitOfWorkController interface {
	Enlist(ctx context.Context, u uow.UnitOfWork, resourceID any) error
	RequiresFlush() bool
	Flush(ctx context.Context) error
}

var (
	_ UnitOfWorkController = (*uow.Controller)(nil)
	_ UnitOfWorkController = uow.Immediate{}
)

type operationKind uint8

const (
	kindNone operationKind = iota
	kindHandle
	kindQuery
	kindMetadata
)

func (k operationKind) String() string {
	switch k {
	case kindHandle:
		return "handle"
	case kindQuery:
		return "query"
	case kindMetadata:
		return "metadata"
	default:
		return "none"
	}
}

// operation is the state shared by all Contexts of one processor call.
type operation struct {
	id         string
	kind       operationKind
	processor  *Processor
	principal  Principal
	stackTrace *StackTrace
	unitOfWork UnitOfWorkController

	mu        sync.Mutex
	output    *EventBuffer
	metadata  *EventBuffer
	instances map[*registration]any
}

// Context is the context of a single processor operation: handling an input
// stream, executing a query or draining a metadata stream. It is passed
// explicitly to every filter, handler and query of the operation.
//
// Context implements context.Context; cancellation and deadlines come from
// the context the operation was started with. Handlers may pass it to
// Execute to run a nested query, which gets a Context of its own.
type Context struct {
	context.Context
	op *operation
}

type contextKey struct{}

// FromContext returns the innermost operation Context reachable from ctx.
// Outside of any operation it returns a null Context: its output and
// metadata streams reject every event, its stack trace is empty and units
// of work enlisted with it are flushed immediately.
func FromContext(ctx context.Context) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if c, ok := ctx.(*Context); ok {
		return c
	}
	if c, ok := ctx.Value(contextKey{}).(*Context); ok {
		return c
	}
	return newNullContext(ctx)
}

// NullContext returns a Context that belongs to no operation.
func NullContext() *Context {
	return newNullContext(context.Background())
}

func newNullContext(parent context.Context) *Context {
	return newContext(parent, &operation{
		kind:       kindNone,
		principal:  PrincipalFromContext(parent),
		stackTrace: NewStackTrace(SourceNone),
		unitOfWork: uow.Immediate{},
	})
}

func newContext(parent context.Context, op *operation) *Context {
	if op.id == "" {
		op.id = uuid.NewString()
	}
	op.output, op.metadata = op.kind.buffers()
	return &Context{Context: parent, op: op}
}

func (k operationKind) buffers() (output, metadata *EventBuffer) {
	switch k {
	case kindHandle:
		return newEventBuffer(), newEventBuffer()
	case kindQuery:
		return newRejectingBuffer("queries cannot publish events"), newEventBuffer()
	case kindMetadata:
		return newRejectingBuffer("metadata handlers cannot publish output events"), newEventBuffer()
	default:
		return newRejectingBuffer("no operation is active"), newRejectingBuffer("no operation is active")
	}
}

// Value returns c for the key used by FromContext and defers all other keys
// to the parent context.
func (c *Context) Value(key any) any {
	if key == (contextKey{}) {
		return c
	}
	return c.Context.Value(key)
}

// WithContext returns a shallow copy of c that uses ctx for cancellation and
// values. All operation state stays shared. ctx is expected to be derived
// from c.
func (c *Context) WithContext(ctx context.Context) *Context {
	if ctx == nil {
		panic("microprocessor: nil context")
	}
	return &Context{Context: ctx, op: c.op}
}

// OperationID uniquely identifies the operation.
func (c *Context) OperationID() string {
	return c.op.id
}

// Principal returns the identity the operation runs for.
func (c *Context) Principal() Principal {
	return c.op.principal
}

// StackTrace returns the messages in flight.
func (c *Context) StackTrace() *StackTrace {
	return c.op.stackTrace
}

// UnitOfWork returns the controller collecting the operation's units of work.
func (c *Context) UnitOfWork() UnitOfWorkController {
	return c.op.unitOfWork
}

// Enlist registers u with the operation's unit of work under resourceID.
func (c *Context) Enlist(u uow.UnitOfWork, resourceID any) error {
	return c.op.unitOfWork.Enlist(c, u, resourceID)
}

// OutputStream returns the buffer for events published by the current
// handler invocation.
func (c *Context) OutputStream() *EventBuffer {
	c.op.mu.Lock()
	defer c.op.mu.Unlock()
	return c.op.output
}

// MetadataStream returns the buffer for metadata events published by the
// current handler or query invocation.
func (c *Context) MetadataStream() *EventBuffer {
	c.op.mu.Lock()
	defer c.op.mu.Unlock()
	return c.op.metadata
}

// Processor returns the processor running the operation, or nil for a null
// Context.
func (c *Context) Processor() *Processor {
	return c.op.processor
}

// reset installs empty event buffers, so the next invocation only sees the
// events it publishes itself.
func (c *Context) reset() {
	output, metadata := c.op.kind.buffers()
	c.op.mu.Lock()
	defer c.op.mu.Unlock()
	c.op.output = output
	c.op.metadata = metadata
}

// instance returns the per-operation handler instance of reg.
func (c *Context) instance(reg *registration) any {
	c.op.mu.Lock()
	defer c.op.mu.Unlock()
	if h, ok := c.op.instances[reg]; ok {
		return h
	}
	if c.op.instances == nil {
		c.op.instances = make(map[*registration]any)
	}
	h := reg.newInstance()
	c.op.instances[reg] = h
	return h
}
