package schemas

// TriggerRunRequest starts a pipeline run.
type TriggerRunRequest struct {
	RerunFailed bool `json:"rerun_failed,omitempty" doc:"Only rerun jobs that did not succeed in the latest report"`
}

// RunResponse identifies an accepted or active run.
type RunResponse struct {
	RunID       string `json:"run_id" doc:"Run ID"`
	Pipeline    string `json:"pipeline" doc:"Pipeline name"`
	RerunFailed bool   `json:"rerun_failed,omitempty" doc:"Whether this is a rerun of the failed subgraph"`
	StartedAt   string `json:"started_at" doc:"When the run was accepted (RFC 3339)"`
	TriggeredBy string `json:"triggered_by,omitempty" doc:"Token subject that triggered the run"`
}
