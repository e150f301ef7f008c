package schemas

import "github.com/quatton/qbatch/pkg/qengine"

// ReportResponse wraps a run report.
type ReportResponse struct {
	Body *qengine.RunReport
}
