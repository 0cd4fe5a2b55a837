// Package store holds every persistent artifact of the job runner: last-run
// documents, run history, raw documents for the application registry and log
// buffers, and the leased locks which serialise access to them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hostedops/deployoor/pkg/deployment"
)

// ErrLockTimeout is returned when a lock could not be acquired within its
// wall-clock timeout. The maintainer treats it as "try again next tick".
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release()
}

// Store is the durable key-value store consumed by the job controller. Runs
// are versioned documents; every mutation is a read-modify-write under the
// corresponding lock.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Lock acquires the leased lock for the given key, waiting at most
	// timeout. Returns ErrLockTimeout when the wait expires.
	Lock(key string, timeout time.Duration) (Lease, error)

	ReadLastRun(ctx context.Context, id deployment.ApplicationID, t deployment.JobType) (*deployment.Run, error)
	WriteLastRun(ctx context.Context, run deployment.Run) error

	// ReadHistoricRuns returns the finished runs of the given job, ascending
	// by run number.
	ReadHistoricRuns(ctx context.Context, id deployment.ApplicationID, t deployment.JobType) ([]deployment.Run, error)
	WriteHistoricRuns(ctx context.Context, id deployment.ApplicationID, t deployment.JobType, runs []deployment.Run) error

	// DeleteJobData removes the last run and history of one job.
	DeleteJobData(ctx context.Context, id deployment.ApplicationID, t deployment.JobType) error

	// DeleteApplicationData removes all run data of an application.
	DeleteApplicationData(ctx context.Context, id deployment.ApplicationID) error

	// ApplicationsWithJobs returns every application with persisted run data.
	ApplicationsWithJobs(ctx context.Context) ([]deployment.ApplicationID, error)

	// Raw documents, used for the application registry and run log buffers.
	// ReadDocument returns (nil, nil) when the key does not exist.
	ReadDocument(ctx context.Context, key string) ([]byte, error)
	WriteDocument(ctx context.Context, key string, data []byte) error
	DeleteDocument(ctx context.Context, key string) error
	DeleteDocuments(ctx context.Context, prefix string) error
}

// JobLockKey is the lock serialising writes to the last run and history of
// one job. It doubles as the run lock.
func JobLockKey(id deployment.ApplicationID, t deployment.JobType) string {
	return "job/" + id.String() + "/" + t.String()
}

// StepLockKey is the lock held while one step of one job is executing.
func StepLockKey(id deployment.ApplicationID, t deployment.JobType, step deployment.Step) string {
	return JobLockKey(id, t) + "/" + step.String()
}

// ApplicationLockKey is the lock serialising application registry updates.
func ApplicationLockKey(id deployment.ApplicationID) string {
	return "application/" + id.String()
}
