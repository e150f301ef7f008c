package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Run is one execution of a pipeline.
type Run struct {
	bun.BaseModel `bun:"table:batch.runs,alias:r"`

	ID           string          `bun:",pk"`
	Pipeline     string          `bun:",notnull"`
	State        string          `bun:",notnull"`
	StartedAt    time.Time       `bun:",notnull"`
	FinishedAt   time.Time       `bun:",notnull"`
	Failed       []string        `bun:",array"`
	Skipped      []string        `bun:",array"`
	Cancelled    []string        `bun:",array"`
	Presatisfied []string        `bun:",array"`
	Report       json.RawMessage `bun:"type:jsonb"`

	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`

	Jobs []*JobRun `bun:"rel:has-many,join:id=run_id"`
}

// JobRun is the terminal record of one job inside a Run.
type JobRun struct {
	bun.BaseModel `bun:"table:batch.job_runs,alias:jr"`

	ID         int64      `bun:",pk,autoincrement"`
	RunID      string     `bun:",notnull"`
	Name       string     `bun:",notnull"`
	State      string     `bun:",notnull"`
	StartedAt  *time.Time `bun:",nullzero"`
	FinishedAt *time.Time `bun:",nullzero"`
	Reason     string     `bun:",nullzero"`
	ErrorCode  string     `bun:",nullzero"`
	ExitCode   *int
	HandleID   string `bun:",nullzero"`
	Backend    string `bun:",nullzero"`
}
