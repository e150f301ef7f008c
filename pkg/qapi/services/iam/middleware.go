package iam

import (
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// Middleware attaches the verified principal of a valid bearer token.
// Requests without one pass through; handlers decide whether that is allowed.
func (s *IAMService) Middleware() func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		token, ok := bearerToken(ctx.Header("Authorization"))
		if ok {
			claims, err := s.auth.Verify(token)
			if err != nil {
				s.logger.Warn("rejected bearer token", "path", ctx.URL().Path, "error", err)
			} else {
				s.logger.Debug("authenticated principal", "subject", claims.Subject, "pipeline", claims.Pipeline)
				ctx = huma.WithValue(ctx, principalKey, claims)
			}
		}
		next(ctx)
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
