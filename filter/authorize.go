package filter

import (
	"fmt"
	"slices"

	"github.com/fxsml/microprocessor"
)

// RequireAuthenticated rejects invocations of anonymous principals.
func RequireAuthenticated() microprocessor.Filter {
	return Check(microprocessor.AuthorizationStage, 0, func(ctx *microprocessor.Context, msg any) error {
		if !ctx.Principal().IsAuthenticated() {
			return microprocessor.NewUnauthorizedError(fmt.Sprintf("%T requires an authenticated principal", msg))
		}
		return nil
	})
}

// Authorize rejects invocations unless the principal has a claim of
// claimType with one of values.
func Authorize(claimType string, values ...string) microprocessor.Filter {
	return Check(microprocessor.AuthorizationStage, 10, func(ctx *microprocessor.Context, msg any) error {
		claims := ctx.Principal().Claims(claimType)
		if slices.ContainsFunc(values, func(v string) bool { return slices.Contains(claims, v) }) {
			return nil
		}
		return microprocessor.NewUnauthorizedError(fmt.Sprintf("%T requires %s claim %v", msg, claimType, values))
	})
}

// messageOf returns the message or query being invoked. Queries without
// input are passed a nil msg.
func messageOf(ctx *microprocessor.Context, msg any) any {
	if msg != nil {
		return msg
	}
	if top, ok := ctx.StackTrace().Current(); ok {
		return top.Message
	}
	return nil
}
