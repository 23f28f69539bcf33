package snapshot

import "errors"

var (
	// ErrBuildInProgress signals that another build for the same image holds
	// the creating slot.
	ErrBuildInProgress = errors.New("snapshot build already in progress")

	// ErrVersionMismatch means the snapshot was captured under a different
	// hypervisor build and must never be loaded.
	ErrVersionMismatch = errors.New("snapshot hypervisor version does not match host")

	// ErrRestoreFailed wraps any failure on the warm path after the version
	// gate. The caller falls back to a cold boot, never retries the restore.
	ErrRestoreFailed = errors.New("snapshot restore failed")

	// ErrBuildWaitTimeout means a concurrent build did not reach ready
	// within the wait window.
	ErrBuildWaitTimeout = errors.New("timed out waiting for in-flight snapshot build")

	ErrEngineNotSafe = errors.New("engine supervision is not snapshot safe")
)
