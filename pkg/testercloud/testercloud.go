// Package testercloud talks to the tester container which runs the test code
// of a deployment job against the deployed application.
package testercloud

import (
	"context"

	"github.com/hostedops/deployoor/pkg/deployment"
)

// Status is the tester's report of its test run.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusRunning    Status = "RUNNING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusError      Status = "ERROR"
)

// Suite names the test suite a job type runs.
type Suite string

const (
	SuiteSystemTest  Suite = "system"
	SuiteStagingTest Suite = "staging"
)

// SuiteOf returns the test suite for the given job type.
func SuiteOf(t deployment.JobType) Suite {
	if t == deployment.StagingTest {
		return SuiteStagingTest
	}

	return SuiteSystemTest
}

// TesterCloud is the tester interface consumed by the step runner. Endpoints
// are resolved per run through the routing layer.
type TesterCloud interface {
	// Ready reports whether the tester at the given endpoint accepts work.
	Ready(ctx context.Context, endpoint string) (bool, error)

	// StartTests asks the tester to run the given suite with the given
	// serialised test configuration.
	StartTests(ctx context.Context, endpoint string, suite Suite, config []byte) error

	// GetStatus returns the tester's current status.
	GetStatus(ctx context.Context, endpoint string) (Status, error)

	// GetLog returns the tester's log entries with ids greater than after.
	GetLog(ctx context.Context, endpoint string, after int64) ([]deployment.LogEntry, error)
}
