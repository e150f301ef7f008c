package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qbatch/pkg/qapi/schemas"
	"github.com/quatton/qbatch/pkg/qapi/services/iam"
	"github.com/quatton/qbatch/pkg/qapi/services/runs"
)

type TriggerRunInput struct {
	Body schemas.TriggerRunRequest
}

type TriggerRunOutput struct {
	Body schemas.RunResponse
}

type ListRunsOutput struct {
	Body struct {
		Runs []schemas.RunResponse `json:"runs" doc:"Runs currently executing"`
	}
}

type CancelRunInput struct {
	RunID string `path:"runId" doc:"Run ID"`
}

// RegisterRuns registers run control routes. All of them require a token
// valid for the served pipeline.
func RegisterRuns(api huma.API, svc *runs.RunService, principals *iam.IAMService) {
	authorize := func(ctx context.Context) (string, error) {
		if svc == nil {
			return "", huma.Error503ServiceUnavailable("run control not configured")
		}
		p, ok := principals.Principal(ctx)
		if !ok {
			return "", huma.Error401Unauthorized("Authentication required")
		}
		if !p.Allows(svc.Pipeline()) {
			return "", huma.Error403Forbidden(fmt.Sprintf("token is not valid for pipeline %s", svc.Pipeline()))
		}
		return p.Subject, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "trigger-run",
		Method:        http.MethodPost,
		Path:          "/api/runs",
		Summary:       "Trigger a run",
		Description:   "Starts the pipeline in the background and returns its run ID",
		Tags:          []string{TagRuns.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *TriggerRunInput) (*TriggerRunOutput, error) {
		subject, err := authorize(ctx)
		if err != nil {
			return nil, err
		}

		run, err := svc.Trigger(runs.TriggerRequest{
			RerunFailed: input.Body.RerunFailed,
			TriggeredBy: subject,
		})
		if errors.Is(err, runs.ErrRunActive) {
			return nil, huma.Error409Conflict("a run of this pipeline is already active")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError(fmt.Sprintf("failed to trigger run: %v", err))
		}
		return &TriggerRunOutput{Body: toRunResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/api/runs",
		Summary:     "List active runs",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*ListRunsOutput, error) {
		if _, err := authorize(ctx); err != nil {
			return nil, err
		}
		resp := &ListRunsOutput{}
		resp.Body.Runs = []schemas.RunResponse{}
		for _, run := range svc.Active() {
			resp.Body.Runs = append(resp.Body.Runs, toRunResponse(run))
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-run",
		Method:        http.MethodDelete,
		Path:          "/api/runs/{runId}",
		Summary:       "Cancel a run",
		Description:   "Cancels an active run; running jobs are cancelled and pending jobs never start",
		Tags:          []string{TagRuns.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *CancelRunInput) (*struct{}, error) {
		if _, err := authorize(ctx); err != nil {
			return nil, err
		}
		if err := svc.Cancel(input.RunID); err != nil {
			if errors.Is(err, runs.ErrRunNotFound) {
				return nil, huma.Error404NotFound("run not found or already finished")
			}
			return nil, huma.Error500InternalServerError(err.Error())
		}
		return nil, nil
	})
}

func toRunResponse(run runs.ActiveRun) schemas.RunResponse {
	return schemas.RunResponse{
		RunID:       run.RunID,
		Pipeline:    run.Pipeline,
		RerunFailed: run.RerunFailed,
		StartedAt:   run.StartedAt.Format(time.RFC3339),
		TriggeredBy: run.TriggeredBy,
	}
}
