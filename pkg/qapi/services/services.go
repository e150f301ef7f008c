// Package services holds the collaborators the HTTP routes call into.
package services

import (
	"context"

	"github.com/quatton/qbatch/pkg/qapi/services/iam"
	"github.com/quatton/qbatch/pkg/qapi/services/runs"
	"github.com/quatton/qbatch/pkg/qauth"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qlog"
)

// ReportStore reads finished run reports.
type ReportStore interface {
	Load(ctx context.Context, runID string) (*qengine.RunReport, error)
	Latest(ctx context.Context, pipeline string) (*qengine.RunReport, error)
}

type Services struct {
	Pipeline string
	IAM      *iam.IAMService
	Reports  ReportStore
	Runs     *runs.RunService
}

// NewServices wires the API. A nil authenticator disables run control,
// since every run route requires a token.
func NewServices(pipeline string, auth *qauth.Authenticator, reports ReportStore, runSvc *runs.RunService, logger *qlog.Logger) *Services {
	s := &Services{
		Pipeline: pipeline,
		Reports:  reports,
	}
	if auth != nil {
		s.IAM = iam.NewIAMService(auth, logger)
		s.Runs = runSvc
	}
	return s
}

func EmptyServices() *Services {
	return &Services{}
}
