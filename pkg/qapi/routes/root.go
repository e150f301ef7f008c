package routes

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qbatch/pkg/qapi/services"
)

func RegisterAPI(api huma.API, svcs *services.Services) {
	if svcs == nil {
		svcs = services.EmptyServices()
	}
	if svcs.IAM != nil {
		api.UseMiddleware(svcs.IAM.Middleware())
	}
	RegisterHealth(api, svcs.Pipeline)
	RegisterIAM(api, svcs.IAM)
	RegisterReports(api, svcs.Reports, svcs.Pipeline)
	RegisterRuns(api, svcs.Runs, svcs.IAM)
}
