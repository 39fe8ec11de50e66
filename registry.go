package microprocessor

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// Lifetime controls how often a handler created by a factory is instantiated.
type Lifetime uint8

const (
	// Singleton handlers are created once and shared by all operations.
	Singleton Lifetime = iota
	// PerOperation handlers are created once per processor operation.
	PerOperation
	// PerResolve handlers are created every time a message is handled.
	PerResolve
)

func (l Lifetime) String() string {
	switch l {
	case Singleton:
		return "singleton"
	case PerOperation:
		return "per-operation"
	case PerResolve:
		return "per-resolve"
	default:
		return fmt.Sprintf("Lifetime(%d)", uint8(l))
	}
}

type registration struct {
	name        string
	msgType     reflect.Type
	lifetime    Lifetime
	newInstance func() any
	invoke      func(instance any, ctx *Context, msg any) error
	filters     *Pipeline
	sources     []MessageSource

	once     sync.Once
	instance any

	declaredOnce sync.Once
	declared     *Pipeline
}

func (r *registration) accepts(source MessageSource) bool {
	return len(r.sources) == 0 || slices.Contains(r.sources, source)
}

func (r *registration) resolve(ctx *Context) any {
	switch r.lifetime {
	case PerOperation:
		return ctx.instance(r)
	case PerResolve:
		return r.newInstance()
	default:
		r.once.Do(func() { r.instance = r.newInstance() })
		return r.instance
	}
}

// declaredFilters returns the filters declared by the handler type. They are
// taken from the first instance and reused for all later ones.
func (r *registration) declaredFilters(instance any) *Pipeline {
	r.declaredOnce.Do(func() { r.declared = declaredFilters(instance) })
	return r.declared
}

// RegisterOption configures a handler registration.
type RegisterOption func(*registration)

// WithFilters adds filters that run innermost, right around the handler.
func WithFilters(filters ...Filter) RegisterOption {
	return func(r *registration) {
		r.filters.Add(filters...)
	}
}

// WithSources restricts the handler to messages from the given sources.
// By default a handler receives messages from every source.
func WithSources(sources ...MessageSource) RegisterOption {
	return func(r *registration) {
		r.sources = append(r.sources, sources...)
	}
}

// WithName names the handler in logs.
func WithName(name string) RegisterOption {
	return func(r *registration) {
		r.name = name
	}
}

// Registry maps message types to handlers. A handler registered for type T
// receives every message whose dynamic type is T or, if T is an interface
// type, implements T. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	regs  []*registration
	cache sync.Map // reflect.Type → []*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register registers a handler instance for messages of type T.
func Register[T any](r *Registry, h MessageHandler[T], opts ...RegisterOption) {
	if h == nil {
		panic("microprocessor: nil handler")
	}
	opts = append([]RegisterOption{WithName(fmt.Sprintf("%T", h))}, opts...)
	r.add(newRegistration[T](func() any { return h }, Singleton, opts))
}

// RegisterFunc registers a handler function for messages of type T.
func RegisterFunc[T any](r *Registry, fn func(ctx *Context, msg T) error, opts ...RegisterOption) {
	if fn == nil {
		panic("microprocessor: nil handler func")
	}
	Register[T](r, MessageHandlerFunc[T](fn), opts...)
}

// RegisterFactory registers a handler constructor for messages of type T.
// The constructor is called according to lifetime.
func RegisterFactory[T any](r *Registry, newHandler func() MessageHandler[T], lifetime Lifetime, opts ...RegisterOption) {
	if newHandler == nil {
		panic("microprocessor: nil handler factory")
	}
	r.add(newRegistration[T](func() any { return newHandler() }, lifetime, opts))
}

func newRegistration[T any](newInstance func() any, lifetime Lifetime, opts []RegisterOption) *registration {
	reg := &registration{
		msgType:     reflect.TypeFor[T](),
		lifetime:    lifetime,
		newInstance: newInstance,
		filters:     NewPipeline(),
		invoke: func(instance any, ctx *Context, msg any) error {
			m, ok := msg.(T)
			if !ok {
				return fmt.Errorf("microprocessor: handler for %s received %T", reflect.TypeFor[T](), msg)
			}
			return instance.(MessageHandler[T]).Handle(ctx, m)
		},
	}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.name == "" {
		reg.name = "handler[" + reg.msgType.String() + "]"
	}
	return reg
}

func (r *Registry) add(reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, reg)
	r.cache.Clear()
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// registrations returns the registrations matching t: exact matches first,
// then assignable ones, each in registration order.
func (r *Registry) registrations(t reflect.Type) []*registration {
	if cached, ok := r.cache.Load(t); ok {
		return cached.([]*registration)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var exact, assignable []*registration
	for _, reg := range r.regs {
		switch {
		case reg.msgType == t:
			exact = append(exact, reg)
		case t.AssignableTo(reg.msgType):
			assignable = append(assignable, reg)
		}
	}
	matched := append(exact, assignable...)
	r.cache.Store(t, matched)
	return matched
}

// resolve returns the registrations handling msg coming from source.
func (r *Registry) resolve(msg any, source MessageSource) []*registration {
	t := reflect.TypeOf(msg)
	if t == nil {
		return nil
	}
	var regs []*registration
	for _, reg := range r.registrations(t) {
		if reg.accepts(source) {
			regs = append(regs, reg)
		}
	}
	return regs
}
