package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qbatch/pkg/qapi/schemas"
	"github.com/quatton/qbatch/pkg/qapi/services"
	"github.com/quatton/qbatch/pkg/qreport"
)

type GetReportInput struct {
	RunID string `path:"runId" doc:"Run ID"`
}

func RegisterReports(api huma.API, reports services.ReportStore, pipeline string) {
	huma.Register(api, huma.Operation{
		OperationID: "get-latest-report",
		Method:      http.MethodGet,
		Path:        "/api/reports/latest",
		Summary:     "Get the latest report",
		Description: "Returns the report of the pipeline's most recent finished run",
		Tags:        []string{TagReports.String()},
	}, func(ctx context.Context, input *struct{}) (*schemas.ReportResponse, error) {
		if reports == nil {
			return nil, huma.Error501NotImplemented("report storage not configured")
		}
		report, err := reports.Latest(ctx, pipeline)
		if err != nil {
			return nil, reportError(err)
		}
		return &schemas.ReportResponse{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/api/reports/{runId}",
		Summary:     "Get a run report",
		Description: "Returns the report of a finished run",
		Tags:        []string{TagReports.String()},
	}, func(ctx context.Context, input *GetReportInput) (*schemas.ReportResponse, error) {
		if reports == nil {
			return nil, huma.Error501NotImplemented("report storage not configured")
		}
		report, err := reports.Load(ctx, input.RunID)
		if err != nil {
			return nil, reportError(err)
		}
		return &schemas.ReportResponse{Body: report}, nil
	})
}

func reportError(err error) error {
	if errors.Is(err, qreport.ErrNotFound) {
		return huma.Error404NotFound("report not found")
	}
	return huma.Error500InternalServerError(fmt.Sprintf("failed to load report: %v", err))
}
