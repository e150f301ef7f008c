package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qbatch/pkg/qapi/schemas"
	"github.com/quatton/qbatch/pkg/qapi/services/iam"
)

func RegisterIAM(api huma.API, svc *iam.IAMService) {
	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/api/me",
		Summary:     "Get current principal",
		Description: "Returns the subject and scope of the bearer token",
		Tags:        []string{TagIam.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*schemas.MeResponse, error) {
		p, ok := svc.Principal(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("Authentication required")
		}
		resp := &schemas.MeResponse{}
		resp.Body.Principal.Subject = p.Subject
		resp.Body.Principal.Pipeline = p.Pipeline
		resp.Body.Principal.ExpiresAt = time.Unix(p.Exp, 0).UTC().Format(time.RFC3339)
		return resp, nil
	})
}
