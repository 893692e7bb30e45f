package auth

import (
	"context"

	"github.com/mehmetcc/jwtauth/internal/token"
)

type principalKey struct{}

func NewContext(ctx context.Context, p *token.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by Authenticate.
func PrincipalFromContext(ctx context.Context) (*token.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*token.Principal)
	return p, ok && p != nil
}
