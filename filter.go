package microprocessor

import "fmt"

// Stage is the coarse position of a filter in a pipeline. Stages always run
// in the order ExceptionHandlingStage, AuthorizationStage, ValidationStage,
// ProcessingStage.
type Stage uint8

const (
	// ExceptionHandlingStage holds filters that observe or translate the
	// failures of everything inside them.
	ExceptionHandlingStage Stage = iota
	// AuthorizationStage holds filters that check the principal.
	AuthorizationStage
	// ValidationStage holds filters that check the message.
	ValidationStage
	// ProcessingStage holds filters that run right around the handler.
	ProcessingStage

	stageCount
)

func (s Stage) String() string {
	switch s {
	case ExceptionHandlingStage:
		return "exception-handling"
	case AuthorizationStage:
		return "authorization"
	case ValidationStage:
		return "validation"
	case ProcessingStage:
		return "processing"
	default:
		return fmt.Sprintf("Stage(%d)", uint8(s))
	}
}

// HandleFunc invokes a message handler pipeline.
type HandleFunc func(ctx *Context, msg any) (HandleResult, error)

// ExecuteFunc invokes a query pipeline. msg is the query's input message,
// or nil for queries without input.
type ExecuteFunc func(ctx *Context, msg any) (ExecuteResult, error)

// Filter is a cross-cutting step wrapped around handlers and queries.
type Filter interface {
	// Stage returns the stage the filter runs in.
	Stage() Stage
	// Position orders filters within a stage, lowest first.
	Position() uint8
	// Enabled reports whether the filter takes part in an invocation.
	// Disabled filters pass control straight to the next step.
	Enabled(ctx *Context) bool
	// Handle wraps a message handler step.
	Handle(next HandleFunc) HandleFunc
	// Execute wraps a query step.
	Execute(next ExecuteFunc) ExecuteFunc
}

// FilterConfig describes a filter built by NewFilter.
type FilterConfig struct {
	Stage    Stage
	Position uint8

	// Enabled is consulted on every invocation. Nil means always enabled.
	Enabled func(ctx *Context) bool

	// Handle wraps message handlers. Nil leaves handlers untouched.
	Handle func(next HandleFunc) HandleFunc

	// Execute wraps queries. Nil leaves queries untouched.
	Execute func(next ExecuteFunc) ExecuteFunc
}

type funcFilter struct {
	cfg FilterConfig
}

// NewFilter creates a Filter from functions.
func NewFilter(cfg FilterConfig) Filter {
	return &funcFilter{cfg: cfg}
}

// HandleFilter creates a filter that only wraps message handlers.
func HandleFilter(stage Stage, position uint8, handle func(next HandleFunc) HandleFunc) Filter {
	return NewFilter(FilterConfig{Stage: stage, Position: position, Handle: handle})
}

// ExecuteFilter creates a filter that only wraps queries.
func ExecuteFilter(stage Stage, position uint8, execute func(next ExecuteFunc) ExecuteFunc) Filter {
	return NewFilter(FilterConfig{Stage: stage, Position: position, Execute: execute})
}

func (f *funcFilter) Stage() Stage    { return f.cfg.Stage }
func (f *funcFilter) Position() uint8 { return f.cfg.Position }

func (f *funcFilter) Enabled(ctx *Context) bool {
	return f.cfg.Enabled == nil || f.cfg.Enabled(ctx)
}

func (f *funcFilter) Handle(next HandleFunc) HandleFunc {
	if f.cfg.Handle == nil {
		return next
	}
	return f.cfg.Handle(next)
}

func (f *funcFilter) Execute(next ExecuteFunc) ExecuteFunc {
	if f.cfg.Execute == nil {
		return next
	}
	return f.cfg.Execute(next)
}
