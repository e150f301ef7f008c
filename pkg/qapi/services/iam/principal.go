package iam

import (
	"context"

	"github.com/quatton/qbatch/pkg/qauth"
)

type ctxKey string

const principalKey ctxKey = "qbatch.principal"

// Principal returns the verified claims the middleware attached to ctx. It
// is safe to call on a nil service.
func (s *IAMService) Principal(ctx context.Context) (*qauth.Claims, bool) {
	if v := ctx.Value(principalKey); v != nil {
		if p, ok := v.(*qauth.Claims); ok && p != nil {
			return p, true
		}
	}
	return nil, false
}
