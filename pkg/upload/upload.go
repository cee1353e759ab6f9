// Package upload ships telemetry streams to remote object storage.
package upload

import "context"

// Uploader uploads telemetry files of a run to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadRun uploads files under prefix + "/" + runID and returns the
	// object keys written.
	UploadRun(ctx context.Context, runID string, paths []string) ([]string, error)
}
