package deployment

import (
	"crypto/x509"
	"fmt"
	"time"
)

// RunStatus is the overall outcome label of a run.
type RunStatus string

const (
	// StatusRunning means no step has failed yet, and the run has not ended.
	StatusRunning RunStatus = "running"

	// StatusAborted means the run was cancelled, timed out, or lost an
	// invariant it depends on, such as its deployment or tester certificate.
	StatusAborted RunStatus = "aborted"

	// StatusError means something in the framework or infrastructure failed.
	StatusError RunStatus = "error"

	// StatusTestFailure means the tests of the run failed.
	StatusTestFailure RunStatus = "testFailure"

	// StatusDeploymentFailed means the application package was rejected.
	StatusDeploymentFailed RunStatus = "deploymentFailed"

	// StatusInstallationFailed means the deployment did not converge in time.
	StatusInstallationFailed RunStatus = "installationFailed"

	// StatusOutOfCapacity means a production zone had no room for the deployment.
	StatusOutOfCapacity RunStatus = "outOfCapacity"

	// StatusSuccess means every step of the run succeeded.
	StatusSuccess RunStatus = "success"
)

// IsFailure reports whether this status is a terminal failure.
func (s RunStatus) IsFailure() bool {
	return s != StatusRunning && s != StatusSuccess
}

// RunID uniquely identifies one run of a job for an application.
type RunID struct {
	Application ApplicationID `json:"application"`
	Type        JobType       `json:"type"`
	Number      int64         `json:"number"`
}

// Tester returns the tester identity of the application this run is for.
func (id RunID) Tester() TesterID {
	return id.Application.Tester()
}

func (id RunID) String() string {
	return fmt.Sprintf("run %d of %s for %s", id.Number, id.Type, id.Application)
}

// Run is an immutable record of the state of one run of a deployment job.
// Every mutation returns a new value; persistence is a read-modify-write
// under the run's lock.
type Run struct {
	id                RunID
	versions          Versions
	start             time.Time
	end               *time.Time
	status            RunStatus
	steps             map[Step]StepStatus
	lastTestLogEntry  int64
	testerCertificate *x509.Certificate
}

// NewRun creates a run in its initial state: every profile step unfinished,
// status running.
func NewRun(id RunID, versions Versions, start time.Time) Run {
	profile := ProfileOf(id.Type)
	steps := make(map[Step]StepStatus, len(profile.Steps()))

	for _, step := range profile.Steps() {
		steps[step] = StepUnfinished
	}

	return Run{
		id:       id,
		versions: versions,
		start:    start,
		status:   StatusRunning,
		steps:    steps,
	}
}

// ID returns the run's identity.
func (r Run) ID() RunID { return r.id }

// Versions returns the version pair this run deploys.
func (r Run) Versions() Versions { return r.versions }

// Start returns the instant the run was started.
func (r Run) Start() time.Time { return r.start }

// End returns the instant the run ended, if it has.
func (r Run) End() *time.Time {
	if r.end == nil {
		return nil
	}

	end := *r.end

	return &end
}

// Status returns the overall status of the run.
func (r Run) Status() RunStatus { return r.status }

// LastTestLogEntry returns the id of the last test log entry fetched.
func (r Run) LastTestLogEntry() int64 { return r.lastTestLogEntry }

// TesterCertificate returns the tester certificate of the run, if one is set.
func (r Run) TesterCertificate() *x509.Certificate { return r.testerCertificate }

// StepStatus returns the status of the given step, and whether the step is
// part of this run.
func (r Run) StepStatus(step Step) (StepStatus, bool) {
	status, ok := r.steps[step]

	return status, ok
}

// Steps returns a copy of the step status mapping.
func (r Run) Steps() map[Step]StepStatus {
	steps := make(map[Step]StepStatus, len(r.steps))
	for step, status := range r.steps {
		steps[step] = status
	}

	return steps
}

// HasEnded reports whether the run has ended.
func (r Run) HasEnded() bool {
	return r.end != nil
}

// HasFailed reports whether the run has a terminal failure status.
func (r Run) HasFailed() bool {
	return r.status.IsFailure()
}

func (r Run) requireActive() error {
	if r.HasEnded() {
		return fmt.Errorf("%s has ended", r.id)
	}

	return nil
}

func (r Run) copyWithSteps() Run {
	c := r
	c.steps = r.Steps()

	return c
}

// WithStep folds a step outcome into the run: the step becomes succeeded when
// the outcome is running or success, and failed otherwise. A failure outcome
// also becomes the run's status, unless the run has already failed.
func (r Run) WithStep(status RunStatus, step Step) (Run, error) {
	if err := r.requireActive(); err != nil {
		return r, err
	}

	if _, ok := r.steps[step]; !ok {
		return r, fmt.Errorf("step %s is not part of %s", step, r.id)
	}

	c := r.copyWithSteps()
	if status == StatusRunning || status == StatusSuccess {
		c.steps[step] = StepSucceeded
	} else {
		c.steps[step] = StepFailed
	}

	if !r.HasFailed() {
		c.status = status
	}

	return c, nil
}

// WithLastTestLogEntry advances the test log high-water mark. The mark never
// regresses.
func (r Run) WithLastTestLogEntry(id int64) Run {
	if id <= r.lastTestLogEntry {
		return r
	}

	c := r
	c.lastTestLogEntry = id

	return c
}

// WithTesterCertificate sets the tester certificate. It may be set at most
// once per run.
func (r Run) WithTesterCertificate(certificate *x509.Certificate) (Run, error) {
	if r.testerCertificate != nil {
		return r, fmt.Errorf("tester certificate already set for %s", r.id)
	}

	c := r
	c.testerCertificate = certificate

	return c, nil
}

// Aborted marks the run aborted, unless it has already failed.
func (r Run) Aborted() Run {
	if r.HasFailed() {
		return r
	}

	c := r
	c.status = StatusAborted

	return c
}

// Finished sets the end instant. A still-running run may only finish when all
// ordinary steps of its profile are finished, in which case it becomes a
// success.
func (r Run) Finished(now time.Time) (Run, error) {
	if err := r.requireActive(); err != nil {
		return r, err
	}

	profile := ProfileOf(r.id.Type)

	if r.status == StatusRunning {
		for _, step := range profile.Steps() {
			if !profile.AlwaysRun(step) && r.steps[step] == StepUnfinished {
				return r, fmt.Errorf("step %s of %s is not finished", step, r.id)
			}
		}
	}

	c := r
	c.end = &now

	if c.status == StatusRunning {
		c.status = StatusSuccess
	}

	return c, nil
}

// ReadySteps returns the steps of the run which are ready to be executed, in
// enumeration order. While the run is healthy these are the unfinished steps
// whose in-profile prerequisites have succeeded; once the run has failed,
// only always-run steps remain eligible, gated on their always-run
// prerequisites alone. A failed always-run prerequisite does not block the
// steps after it: cleanup must still reach a terminal status for every
// always-run step before the run can end.
func (r Run) ReadySteps() []Step {
	if r.HasEnded() {
		return nil
	}

	profile := ProfileOf(r.id.Type)

	var ready []Step

	for _, step := range profile.Steps() {
		if r.steps[step] != StepUnfinished {
			continue
		}

		if r.HasFailed() && !profile.AlwaysRun(step) {
			continue
		}

		if r.prerequisitesSucceeded(profile, step) {
			ready = append(ready, step)
		}
	}

	return ready
}

func (r Run) prerequisitesSucceeded(profile JobProfile, step Step) bool {
	for _, prerequisite := range step.Prerequisites() {
		status, inProfile := r.steps[prerequisite]
		if !inProfile {
			continue
		}

		if r.HasFailed() {
			if !profile.AlwaysRun(prerequisite) {
				continue
			}

			// Cleanup continues past a failed cleanup prerequisite; only an
			// unfinished one holds the step back.
			if status == StepUnfinished {
				return false
			}

			continue
		}

		if status != StepSucceeded {
			return false
		}
	}

	return true
}

// UnfinishedSteps reports whether any step of the run remains unfinished.
func (r Run) UnfinishedSteps() bool {
	for _, status := range r.steps {
		if status == StepUnfinished {
			return true
		}
	}

	return false
}
