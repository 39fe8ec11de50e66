package microprocessor

import (
	"fmt"
	"slices"
)

// Pipeline is an ordered set of filters. Filters are grouped by Stage and
// ordered by Position within a stage; filters with equal positions keep the
// order in which they were added.
//
// A Pipeline is not safe for concurrent modification. The processor and
// registrations build their own pipelines from filter slices, so filters are
// fixed once New or Register returned.
type Pipeline struct {
	stages [stageCount][]Filter
}

// NewPipeline creates a pipeline containing filters.
func NewPipeline(filters ...Filter) *Pipeline {
	return new(Pipeline).Add(filters...)
}

// Add inserts filters into their stage, each one before the first filter
// of that stage with a greater position. Add panics on a filter with an
// unknown stage.
func (p *Pipeline) Add(filters ...Filter) *Pipeline {
	for _, f := range filters {
		if f == nil {
			continue
		}
		stage := f.Stage()
		if stage >= stageCount {
			panic(fmt.Sprintf("microprocessor: filter %T has unknown stage %s", f, stage))
		}
		bucket := p.stages[stage]
		i := slices.IndexFunc(bucket, func(g Filter) bool {
			return g.Position() > f.Position()
		})
		if i < 0 {
			i = len(bucket)
		}
		p.stages[stage] = slices.Insert(bucket, i, f)
	}
	return p
}

// Filters returns all filters in execution order.
func (p *Pipeline) Filters() []Filter {
	if p == nil {
		return nil
	}
	filters := make([]Filter, 0, p.Len())
	for _, bucket := range p.stages {
		filters = append(filters, bucket...)
	}
	return filters
}

// Len returns the number of filters.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, bucket := range p.stages {
		n += len(bucket)
	}
	return n
}

// WrapHandle wraps h so that the filters run outermost first.
func (p *Pipeline) WrapHandle(h HandleFunc) HandleFunc {
	filters := p.Filters()
	for i := len(filters) - 1; i >= 0; i-- {
		h = wrapHandle(filters[i], h)
	}
	return h
}

// WrapExecute wraps e so that the filters run outermost first.
func (p *Pipeline) WrapExecute(e ExecuteFunc) ExecuteFunc {
	filters := p.Filters()
	for i := len(filters) - 1; i >= 0; i-- {
		e = wrapExecute(filters[i], e)
	}
	return e
}

func wrapHandle(f Filter, next HandleFunc) HandleFunc {
	wrapped := f.Handle(next)
	return func(ctx *Context, msg any) (HandleResult, error) {
		if !f.Enabled(ctx) {
			return next(ctx, msg)
		}
		return wrapped(ctx, msg)
	}
}

func wrapExecute(f Filter, next ExecuteFunc) ExecuteFunc {
	wrapped := f.Execute(next)
	return func(ctx *Context, msg any) (ExecuteResult, error) {
		if !f.Enabled(ctx) {
			return next(ctx, msg)
		}
		return wrapped(ctx, msg)
	}
}

// layers is the stack of pipelines around one handler or query, outermost
// first: the processor's global filters, the filters declared by the
// handler type and the filters given at registration.
type layers []*Pipeline

func (l layers) wrapHandle(h HandleFunc) HandleFunc {
	for i := len(l) - 1; i >= 0; i-- {
		h = l[i].WrapHandle(h)
	}
	return h
}

func (l layers) wrapExecute(e ExecuteFunc) ExecuteFunc {
	for i := len(l) - 1; i >= 0; i-- {
		e = l[i].WrapExecute(e)
	}
	return e
}

func declaredFilters(v any) *Pipeline {
	if fp, ok := v.(FilterProvider); ok {
		return NewPipeline(fp.Filters()...)
	}
	return nil
}
