// Package upload copies retained failed job directories to remote storage
// for postmortem analysis.
package upload

import "context"

// ReasonFile is the object written next to an uploaded job directory with
// the error that failed the job.
const ReasonFile = "failure.txt"

// Uploader uploads a local job directory to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Upload uploads all files in localDir together with the failure
	// reason. The directory basename (the job id) is used as a sub-prefix
	// under the configured remote prefix. It returns that prefix.
	Upload(ctx context.Context, localDir, reason string) (string, error)
}
