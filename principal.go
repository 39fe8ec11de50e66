package microprocessor

import (
	"context"
	"slices"
)

// Claim is a statement about a principal, such as a role it has.
type Claim struct {
	Type   string
	Values []string
}

// Principal is the identity on whose behalf an operation runs.
type Principal interface {
	// Name identifies the principal. It is empty for anonymous principals.
	Name() string
	// IsAuthenticated reports whether the identity was established.
	IsAuthenticated() bool
	// Claims returns the values of all claims of the given type.
	Claims(claimType string) []string
}

// PrincipalProvider supplies the principal of a new operation.
type PrincipalProvider func(ctx context.Context) Principal

type principal struct {
	name   string
	claims map[string][]string
}

// NewPrincipal creates an authenticated principal. Claims of the same type
// are merged.
func NewPrincipal(name string, claims ...Claim) Principal {
	p := &principal{name: name, claims: make(map[string][]string, len(claims))}
	for _, c := range claims {
		p.claims[c.Type] = append(p.claims[c.Type], c.Values...)
	}
	return p
}

// Anonymous returns the unauthenticated principal without claims.
func Anonymous() Principal {
	return anonymous
}

var anonymous Principal = &principal{}

func (p *principal) Name() string { return p.name }

func (p *principal) IsAuthenticated() bool { return p.name != "" }

func (p *principal) Claims(claimType string) []string {
	return slices.Clone(p.claims[claimType])
}

// HasClaim reports whether p has a claim of claimType with the given value.
func HasClaim(p Principal, claimType, value string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Claims(claimType), value)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored with WithPrincipal, or
// the anonymous principal. It is the default PrincipalProvider.
func PrincipalFromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(principalKey{}).(Principal); ok && p != nil {
		return p
	}
	return Anonymous()
}
