// Package qart stores run artifacts (job logs, run reports) in S3-compatible storage.
package qart

import (
	"context"
	"io"
	"path"
	"time"
)

// Artifact represents a stored artifact with metadata.
type Artifact struct {
	Key          string            `json:"key"`
	Bucket       string            `json:"bucket"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store defines the interface for artifact storage operations.
type Store interface {
	// Upload stores data under key.
	Upload(ctx context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Artifact, error)

	// Download retrieves an artifact by key. Missing keys yield ErrNotFound.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the artifacts under prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]*Artifact, error)

	// Delete removes an artifact by key.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes all artifacts with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// EnsureBucket ensures the bucket exists, creating it if necessary.
	EnsureBucket(ctx context.Context) error
}

// RunArtifactPrefix returns the prefix of everything a run produced.
func RunArtifactPrefix(runID string) string {
	return "runs/" + runID + "/"
}

// JobArtifactKey returns the key of a file produced by one job of a run,
// e.g. runs/<run-id>/noc/stdout.log.
func JobArtifactKey(runID, job, filename string) string {
	return RunArtifactPrefix(runID) + path.Join(job, filename)
}

// ReportKey returns the key of a run's report.
func ReportKey(runID string) string {
	return "reports/" + runID + "/report.json"
}
