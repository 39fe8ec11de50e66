package filter

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fxsml/microprocessor"
)

// KeyFunc selects the rate limiter bucket of an invocation.
type KeyFunc func(ctx *microprocessor.Context) string

// PrincipalKey buckets invocations by principal name. Anonymous callers
// share one bucket.
func PrincipalKey(ctx *microprocessor.Context) string {
	return ctx.Principal().Name()
}

// Concurrency limits the number of input messages and queries being
// processed at once to n. Only the outermost invocation of an operation
// takes a slot, so events and nested queries never wait on their own
// operation. n <= 0 disables the filter.
func Concurrency(n int64) microprocessor.Filter {
	var sem *semaphore.Weighted
	if n > 0 {
		sem = semaphore.NewWeighted(n)
	}
	return gate(20, n > 0, func(ctx *microprocessor.Context) (func(), error) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		return func() { sem.Release(1) }, nil
	})
}

// RateLimit delays input messages and queries so that each bucket selected
// by key passes at most limit invocations per second, with bursts of up to
// burst. A nil key uses PrincipalKey. limit <= 0 disables the filter.
func RateLimit(limit float64, burst int, key KeyFunc) microprocessor.Filter {
	if key == nil {
		key = PrincipalKey
	}
	if burst <= 0 {
		burst = 1
	}
	pool := &limiterPool{limit: rate.Limit(limit), burst: burst}
	return gate(15, limit > 0, func(ctx *microprocessor.Context) (func(), error) {
		if err := pool.get(key(ctx)).Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// The wait would outlast the deadline.
			return nil, context.DeadlineExceeded
		}
		return func() {}, nil
	})
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	l, ok := p.m[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.m[key] = l
	}
	return l
}

// gate creates an ExceptionHandlingStage filter that calls enter before
// the outermost invocation of an operation and the returned release after.
func gate(position uint8, enabled bool, enter func(ctx *microprocessor.Context) (func(), error)) microprocessor.Filter {
	return microprocessor.NewFilter(microprocessor.FilterConfig{
		Stage:    microprocessor.ExceptionHandlingStage,
		Position: position,
		Enabled: func(ctx *microprocessor.Context) bool {
			return enabled && ctx.StackTrace().Count() <= 1
		},
		Handle: func(next microprocessor.HandleFunc) microprocessor.HandleFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.HandleResult, error) {
				release, err := enter(ctx)
				if err != nil {
					return microprocessor.HandleResult{}, err
				}
				defer release()
				return next(ctx, msg)
			}
		},
		Execute: func(next microprocessor.ExecuteFunc) microprocessor.ExecuteFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.ExecuteResult, error) {
				release, err := enter(ctx)
				if err != nil {
					return microprocessor.ExecuteResult{}, err
				}
				defer release()
				return next(ctx, msg)
			}
		},
	})
}
