package microprocessor

import (
	"context"
	"fmt"
)

// Execute runs q in a query operation of p and returns its result.
//
// The query's Context rejects published output events. Metadata events
// published by the query are handled before Execute returns.
func Execute[R any](ctx context.Context, p *Processor, q Query[R]) (R, error) {
	v, err := p.execute(ctx, q, MessageInfo{Message: q, Source: SourceQuery}, nil,
		func(mc *Context, _ any) (any, error) {
			return q.Execute(mc)
		})
	return queryResult[R](v, err)
}

// ExecuteWith runs q with the input message msg in a query operation of p.
func ExecuteWith[M, R any](ctx context.Context, p *Processor, msg M, q QueryWith[M, R]) (R, error) {
	v, err := p.execute(ctx, q, MessageInfo{Message: msg, Source: SourceQuery}, msg,
		func(mc *Context, in any) (any, error) {
			var m M
			if in != nil {
				typed, ok := in.(M)
				if !ok {
					return nil, fmt.Errorf("microprocessor: query %T expects %T, got %T", q, m, in)
				}
				m = typed
			}
			return q.Execute(mc, m)
		})
	return queryResult[R](v, err)
}

func queryResult[R any](v any, err error) (R, error) {
	var zero R
	if err != nil || v == nil {
		return zero, err
	}
	r, ok := v.(R)
	if !ok {
		return zero, newGatewayError(KindInternalServerError, "query failed",
			fmt.Errorf("%w: want %T, got %T", ErrUnexpectedResult, zero, v))
	}
	return r, nil
}

func (p *Processor) execute(ctx context.Context, query any, info MessageInfo, msg any, run func(mc *Context, msg any) (any, error)) (any, error) {
	mc := p.newOperation(ctx, kindQuery)

	result, err := p.executeQuery(mc, query, info, msg, run)
	if err != nil {
		return nil, p.failed(mc, err)
	}
	if err := p.flush(mc, true); err != nil {
		return nil, p.failed(mc, err)
	}
	if err := p.handleMetadata(mc, result.Metadata); err != nil {
		return nil, p.failed(mc, err)
	}

	p.logger.Debug("operation completed",
		"operation", mc.OperationID(),
		"query", fmt.Sprintf("%T", query),
		"metadata", result.Metadata.Count())
	return result.Value, nil
}

func (p *Processor) executeQuery(mc *Context, query any, info MessageInfo, msg any, run func(mc *Context, msg any) (any, error)) (ExecuteResult, error) {
	if err := mc.Err(); err != nil {
		return ExecuteResult{}, err
	}

	stack := mc.StackTrace()
	stack.Push(info)
	defer stack.Pop()
	defer mc.reset()

	execute := layers{p.filters, declaredFilters(query)}.wrapExecute(func(ctx *Context, msg any) (ExecuteResult, error) {
		v, err := run(ctx, msg)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Value: v, Metadata: ctx.MetadataStream().Stream()}, nil
	})

	result, err := runQuery(mc, execute, msg)
	if err != nil {
		if ctxErr := mc.Err(); ctxErr != nil {
			return ExecuteResult{}, ctxErr
		}
		return ExecuteResult{}, p.classify(mc, err)
	}
	return result, nil
}

func runQuery(mc *Context, execute ExecuteFunc, msg any) (res ExecuteResult, err error) {
	defer RecoverInto(&err)
	return execute(mc, msg)
}
