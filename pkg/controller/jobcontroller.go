package controller

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/hostedops/deployoor/pkg/configserver"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/logstore"
	"github.com/hostedops/deployoor/pkg/registry"
	"github.com/hostedops/deployoor/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	// HistoryLength bounds the number of finished runs kept per job.
	HistoryLength = 256

	// maxHistoryAge bounds the age of finished runs kept per job.
	maxHistoryAge = 60 * 24 * time.Hour

	// abortWaitTimeout bounds how long Deploy waits for an aborted run to end.
	abortWaitTimeout = time.Minute
)

// JobController owns run state, history, submission, and lifecycle of
// deployment jobs. All mutations of a run happen as read-modify-writes under
// the job lock; step execution additionally holds the step lock.
type JobController struct {
	log logrus.FieldLogger
	c   *Controller

	// kick runs a freshly started manual deployment without waiting for the
	// next maintainer tick. Set by the job runner.
	kick func(deployment.Run)
}

// NewJobController creates the job controller for the given collaborators.
func NewJobController(c *Controller) *JobController {
	c.applyDefaults()

	return &JobController{
		log:  c.Log.WithField("component", "jobcontroller"),
		c:    c,
		kick: func(deployment.Run) {},
	}
}

// SetRunner installs the immediate dispatch hook of the job runner.
func (j *JobController) SetRunner(kick func(deployment.Run)) {
	j.kick = kick
}

// Controller returns the collaborator bundle.
func (j *JobController) Controller() *Controller {
	return j.c
}

// --- Queries ---

// Applications returns all applications which are built on this controller.
func (j *JobController) Applications(ctx context.Context) ([]deployment.ApplicationID, error) {
	apps, err := j.c.Registry.List(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]deployment.ApplicationID, 0, len(apps))

	for _, app := range apps {
		if app.DeployedInternally {
			ids = append(ids, app.ID)
		}
	}

	return ids, nil
}

// Jobs returns the job types which have been run for the given application.
func (j *JobController) Jobs(
	ctx context.Context, id deployment.ApplicationID,
) ([]deployment.JobType, error) {
	var types []deployment.JobType

	for _, t := range deployment.JobTypes {
		last, err := j.Last(ctx, id, t)
		if err != nil {
			return nil, err
		}

		if last != nil {
			types = append(types, t)
		}
	}

	return types, nil
}

// Runs returns all known runs of the given job, ascending by number.
func (j *JobController) Runs(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType,
) ([]deployment.Run, error) {
	runs, err := j.c.Store.ReadHistoricRuns(ctx, id, t)
	if err != nil {
		return nil, err
	}

	last, err := j.Last(ctx, id, t)
	if err != nil {
		return nil, err
	}

	if last != nil {
		found := false

		for i := range runs {
			if runs[i].ID() == last.ID() {
				runs[i] = *last
				found = true
			}
		}

		if !found {
			runs = append(runs, *last)
		}
	}

	return runs, nil
}

// Run returns the run with the given id, or nil when it does not exist.
func (j *JobController) Run(ctx context.Context, id deployment.RunID) (*deployment.Run, error) {
	runs, err := j.Runs(ctx, id.Application, id.Type)
	if err != nil {
		return nil, err
	}

	for i := range runs {
		if runs[i].ID() == id {
			return &runs[i], nil
		}
	}

	return nil, nil
}

// Last returns the last run of the given job, or nil when none has been run.
func (j *JobController) Last(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType,
) (*deployment.Run, error) {
	return j.c.Store.ReadLastRun(ctx, id, t)
}

// Active returns the run with the given id, provided it is still active.
func (j *JobController) Active(ctx context.Context, id deployment.RunID) (*deployment.Run, error) {
	last, err := j.Last(ctx, id.Application, id.Type)
	if err != nil {
		return nil, err
	}

	if last == nil || last.HasEnded() || last.ID() != id {
		return nil, nil
	}

	return last, nil
}

// ActiveRuns returns all active runs across all applications.
func (j *JobController) ActiveRuns(ctx context.Context) ([]deployment.Run, error) {
	ids, err := j.Applications(ctx)
	if err != nil {
		return nil, err
	}

	var active []deployment.Run

	for _, id := range ids {
		for _, t := range deployment.JobTypes {
			last, err := j.Last(ctx, id, t)
			if err != nil {
				return nil, err
			}

			if last != nil && !last.HasEnded() {
				active = append(active, *last)
			}
		}
	}

	return active, nil
}

// Details returns the log of the given run, with entries after the given id
// threshold, or nil when the run does not exist.
func (j *JobController) Details(
	ctx context.Context, id deployment.RunID, after int64,
) (*logstore.RunLog, error) {
	lease, err := j.c.Store.Lock(store.JobLockKey(id.Application, id.Type), j.c.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	run, err := j.Run(ctx, id)
	if err != nil {
		return nil, err
	}

	if run == nil {
		return nil, nil
	}

	if !run.HasEnded() {
		log, err := j.c.Logs.ReadActive(ctx, id.Application, id.Type, after)
		if err != nil {
			return nil, err
		}

		return &log, nil
	}

	return j.c.Logs.ReadFinished(ctx, id, after)
}

// --- Logging ---

// AppendLog stores the given log entries for the given run and step,
// provided the run is still active.
func (j *JobController) AppendLog(
	ctx context.Context, id deployment.RunID, step deployment.Step, entries []deployment.LogEntry,
) error {
	return j.LockedRun(ctx, id, func(run deployment.Run) (deployment.Run, error) {
		if err := j.c.Logs.Append(ctx, id.Application, id.Type, step, entries); err != nil {
			return run, err
		}

		return run, nil
	})
}

// Log stores the given messages for the given run and step at the given level.
func (j *JobController) Log(
	ctx context.Context,
	id deployment.RunID,
	step deployment.Step,
	level deployment.LogLevel,
	messages ...string,
) error {
	entries := make([]deployment.LogEntry, 0, len(messages))

	for _, message := range messages {
		entries = append(entries, deployment.LogEntry{
			AtMs:    j.c.Clock.Now().UnixMilli(),
			Level:   level,
			Message: message,
		})
	}

	return j.AppendLog(ctx, id, step, entries)
}

// UpdateTestLog fetches any new test log entries and records the id of the
// last of these, for continuation.
func (j *JobController) UpdateTestLog(ctx context.Context, id deployment.RunID) error {
	return j.LockedRun(ctx, id, func(run deployment.Run) (deployment.Run, error) {
		ready := false

		for _, step := range run.ReadySteps() {
			if step == deployment.StepEndTests {
				ready = true
			}
		}

		if !ready {
			return run, nil
		}

		endpoint, err := j.TesterEndpoint(ctx, id)
		if err != nil || endpoint == "" {
			return run, err
		}

		entries, err := j.c.TesterCloud.GetLog(ctx, endpoint, run.LastTestLogEntry())
		if err != nil {
			return run, err
		}

		if len(entries) == 0 {
			return run, nil
		}

		if err := j.c.Logs.Append(ctx, id.Application, id.Type, deployment.StepEndTests, entries); err != nil {
			return run, err
		}

		last := run.LastTestLogEntry()
		for _, entry := range entries {
			if entry.ID > last {
				last = entry.ID
			}
		}

		return run.WithLastTestLogEntry(last), nil
	})
}

// StoreTesterCertificate stores the given certificate as the tester
// certificate for this run, or fails if it is already set.
func (j *JobController) StoreTesterCertificate(
	ctx context.Context, id deployment.RunID, certificate *x509.Certificate,
) error {
	return j.LockedRun(ctx, id, func(run deployment.Run) (deployment.Run, error) {
		return run.WithTesterCertificate(certificate)
	})
}

// --- Mutations ---

// Update changes the status of the given step for the given run, provided it
// is still active.
func (j *JobController) Update(
	ctx context.Context, id deployment.RunID, status deployment.RunStatus, step LockedStep,
) error {
	return j.LockedRun(ctx, id, func(run deployment.Run) (deployment.Run, error) {
		return run.WithStep(status, step.Step())
	})
}

// Abort marks the given run as aborted; no further ordinary steps will run,
// but always-run steps still try to succeed. Aborting twice, or aborting a
// failed run, has no effect.
func (j *JobController) Abort(ctx context.Context, id deployment.RunID) error {
	return j.LockedRun(ctx, id, func(run deployment.Run) (deployment.Run, error) {
		return run.Aborted(), nil
	})
}

// Finish changes the given run to inactive, stores it as a historic run, and
// prunes history beyond the length and age bounds, deleting pruned runs'
// logs.
func (j *JobController) Finish(ctx context.Context, id deployment.RunID) error {
	lease, err := j.c.Store.Lock(store.JobLockKey(id.Application, id.Type), j.c.LockTimeout)
	if err != nil {
		return err
	}
	defer lease.Release()

	run, err := j.Active(ctx, id)
	if err != nil {
		return err
	}

	if run == nil {
		return nil
	}

	now := j.c.Clock.Now()

	finished, err := run.Finished(now)
	if err != nil {
		return err
	}

	history, err := j.c.Store.ReadHistoricRuns(ctx, id.Application, id.Type)
	if err != nil {
		return err
	}

	history = append(history, finished)

	// Evict from the oldest end while either bound is exceeded.
	kept := 0

	for kept < len(history)-1 {
		old := history[kept]
		if old.ID().Number > id.Number-HistoryLength && !old.Start().Before(now.Add(-maxHistoryAge)) {
			break
		}

		if err := j.c.Logs.DeleteRun(ctx, old.ID()); err != nil {
			return err
		}

		kept++
	}

	history = history[kept:]

	if err := j.c.Store.WriteHistoricRuns(ctx, id.Application, id.Type, history); err != nil {
		return err
	}

	if err := j.c.Store.WriteLastRun(ctx, finished); err != nil {
		return err
	}

	if err := j.c.Logs.Flush(ctx, id); err != nil {
		return err
	}

	j.log.WithFields(logrus.Fields{
		"run":    id.String(),
		"status": string(finished.Status()),
	}).Info("Run finished")

	return nil
}

// Submit accepts and stores a new application and test package pair under a
// generated application version key, and notifies the deployment trigger.
func (j *JobController) Submit(
	ctx context.Context,
	id deployment.ApplicationID,
	revision deployment.SourceRevision,
	authorEmail string,
	projectID int64,
	applicationPackage deployment.ApplicationPackage,
	testPackage []byte,
) (deployment.ApplicationVersion, error) {
	var version deployment.ApplicationVersion

	err := j.c.Registry.LockedUpdate(ctx, id, func(app *registry.Application) error {
		if !app.DeployedInternally {
			// First submission: future jobs need the tester artifact, so any
			// ongoing change is cancelled.
			app.DeployedInternally = true
			app.ChangeApplication = nil
		}

		app.LatestBuild++

		version = deployment.NewApplicationVersion(revision, app.LatestBuild)
		version.AuthorEmail = authorEmail
		version.CompileVersion = applicationPackage.CompileVersion
		version.BuildTime = applicationPackage.BuildTime

		if err := j.c.Artifacts.Put(ctx, id, version, applicationPackage.Content); err != nil {
			return err
		}

		if err := j.c.Artifacts.PutTester(ctx, id.Tester(), version, testPackage); err != nil {
			return err
		}

		if oldest := app.OldestProductionDeployment(); oldest != nil {
			if err := j.c.Artifacts.Prune(ctx, id, *oldest); err != nil {
				return err
			}
		}

		app.ChangeApplication = &version

		return nil
	})
	if err != nil {
		return deployment.ApplicationVersion{}, fmt.Errorf("submitting to %s: %w", id, err)
	}

	j.c.Trigger.NotifyOfSubmission(ctx, id, projectID, version)

	j.log.WithFields(logrus.Fields{
		"application": id.String(),
		"version":     version.ID(),
	}).Info("Application version submitted")

	return version, nil
}

// Start orders a run of the given type, or fails with ErrAlreadyRunning if
// that job type is already running.
func (j *JobController) Start(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType, versions deployment.Versions,
) error {
	if !t.Environment().IsManuallyDeployed() && versions.TargetApplication.IsUnknown() {
		return ErrInvalidVersions
	}

	app, err := j.c.Registry.Require(ctx, id)
	if err != nil {
		return err
	}

	if !app.DeployedInternally {
		return fmt.Errorf("%s is not built here", id)
	}

	lease, err := j.c.Store.Lock(store.JobLockKey(id, t), j.c.LockTimeout)
	if err != nil {
		return err
	}
	defer lease.Release()

	last, err := j.Last(ctx, id, t)
	if err != nil {
		return err
	}

	if last != nil && !last.HasEnded() {
		return fmt.Errorf("starting %s for %s: %w", t, id, ErrAlreadyRunning)
	}

	number := int64(1)
	if last != nil {
		number = last.ID().Number + 1
	}

	runID := deployment.RunID{Application: id, Type: t, Number: number}
	run := deployment.NewRun(runID, versions, j.c.Clock.Now())

	if err := j.c.Store.WriteLastRun(ctx, run); err != nil {
		return err
	}

	j.log.WithField("run", runID.String()).Info("Run started")

	return nil
}

// Deploy stores the given package under a dev key and starts a deployment of
// it, after aborting any ongoing deployment of the same job.
func (j *JobController) Deploy(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType, platform string, pkg []byte,
) error {
	if !t.Environment().IsManuallyDeployed() {
		return fmt.Errorf("direct deployments are only allowed to manually deployed environments")
	}

	if err := j.c.Registry.LockedUpdate(ctx, id, func(app *registry.Application) error {
		app.DeployedInternally = true

		return nil
	}); err != nil {
		return err
	}

	last, err := j.Last(ctx, id, t)
	if err != nil {
		return err
	}

	if last != nil && !last.HasEnded() {
		if err := j.abortAndWait(ctx, last.ID()); err != nil {
			return err
		}
	}

	if err := j.c.Artifacts.PutDev(ctx, id, t.Zone(j.c.System), pkg); err != nil {
		return err
	}

	if platform == "" {
		platform = j.c.SystemVersion
	}

	versions := deployment.Versions{
		TargetPlatform:    platform,
		TargetApplication: deployment.UnknownVersion,
	}

	if err := j.Start(ctx, id, t, versions); err != nil {
		return err
	}

	started, err := j.Last(ctx, id, t)
	if err != nil {
		return err
	}

	if started != nil {
		j.kick(*started)
	}

	return nil
}

// abortAndWait aborts a run and waits for it to complete.
func (j *JobController) abortAndWait(ctx context.Context, id deployment.RunID) error {
	if err := j.Abort(ctx, id); err != nil {
		return err
	}

	deadline := j.c.Clock.Now().Add(abortWaitTimeout)

	last, err := j.Last(ctx, id.Application, id.Type)
	if err != nil {
		return err
	}

	if last != nil {
		j.kick(*last)
	}

	for {
		last, err := j.Last(ctx, id.Application, id.Type)
		if err != nil {
			return err
		}

		if last == nil || last.HasEnded() {
			return nil
		}

		if j.c.Clock.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s to end", id)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Unregister makes the application not internally deployed, aborts any
// active runs, and leaves the associated data for garbage collection.
func (j *JobController) Unregister(ctx context.Context, id deployment.ApplicationID) error {
	if err := j.c.Registry.LockedUpdate(ctx, id, func(app *registry.Application) error {
		app.DeployedInternally = false

		return nil
	}); err != nil {
		return err
	}

	types, err := j.Jobs(ctx, id)
	if err != nil {
		return err
	}

	for _, t := range types {
		last, err := j.Last(ctx, id, t)
		if err != nil {
			return err
		}

		if last != nil {
			if err := j.Abort(ctx, last.ID()); err != nil {
				return err
			}
		}
	}

	j.log.WithField("application", id.String()).Info("Application unregistered")

	return nil
}

// CollectGarbage deletes run data and tester deployments for applications
// which are unknown or no longer built internally. An application is skipped
// whole when any of its step locks cannot be observed idle, and retried on
// the next cycle.
func (j *JobController) CollectGarbage(ctx context.Context) error {
	registered, err := j.Applications(ctx)
	if err != nil {
		return err
	}

	isRegistered := make(map[deployment.ApplicationID]bool, len(registered))
	for _, id := range registered {
		isRegistered[id] = true
	}

	withJobs, err := j.c.Store.ApplicationsWithJobs(ctx)
	if err != nil {
		return err
	}

	for _, id := range withJobs {
		if isRegistered[id] {
			continue
		}

		if err := j.collectApplication(ctx, id); err != nil {
			if errors.Is(err, store.ErrLockTimeout) {
				// A step may still be executing; retry next cycle.
				j.log.WithField("application", id.String()).
					Debug("Skipping garbage collection: step lock held")

				continue
			}

			return err
		}
	}

	return nil
}

func (j *JobController) collectApplication(ctx context.Context, id deployment.ApplicationID) error {
	types, err := j.Jobs(ctx, id)
	if err != nil {
		return err
	}

	for _, t := range types {
		err := j.LockedStepFn(ctx, id, t, deployment.StepDeactivateTester, func(LockedStep) error {
			lease, err := j.c.Store.Lock(store.JobLockKey(id, t), j.c.LockTimeout)
			if err != nil {
				return err
			}
			defer lease.Release()

			if err := j.DeactivateTester(ctx, id.Tester(), t); err != nil {
				return err
			}

			return j.c.Store.DeleteJobData(ctx, id, t)
		})
		if err != nil {
			return err
		}
	}

	if err := j.c.Logs.Delete(ctx, id); err != nil {
		return err
	}

	if err := j.c.Store.DeleteApplicationData(ctx, id); err != nil {
		return err
	}

	j.log.WithField("application", id.String()).Info("Collected application data")

	return nil
}

// DeactivateTester removes the tester deployment of the given job, tolerating
// that it is already gone.
func (j *JobController) DeactivateTester(
	ctx context.Context, id deployment.TesterID, t deployment.JobType,
) error {
	err := j.c.ConfigServer.Deactivate(ctx, deployment.DeploymentID{
		Application: id.ID,
		Zone:        t.Zone(j.c.System),
	})
	if err != nil && !errors.Is(err, configserver.ErrNotFound) {
		return err
	}

	return nil
}

// UpdateStorage rewrites all job data with the newest serialisation format.
func (j *JobController) UpdateStorage(ctx context.Context) error {
	ids, err := j.Applications(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		types, err := j.Jobs(ctx, id)
		if err != nil {
			return err
		}

		for _, t := range types {
			lease, err := j.c.Store.Lock(store.JobLockKey(id, t), j.c.LockTimeout)
			if err != nil {
				return err
			}

			last, err := j.Last(ctx, id, t)
			if err == nil && last != nil {
				err = j.c.Store.WriteLastRun(ctx, *last)
			}

			lease.Release()

			if err != nil {
				return err
			}
		}
	}

	return nil
}

// --- Helpers for the step runner ---

// TesterEndpoint returns the endpoint of the tester of the given run, or ""
// when none is routed yet.
func (j *JobController) TesterEndpoint(ctx context.Context, id deployment.RunID) (string, error) {
	endpoints, err := j.c.Router.Endpoints(ctx, deployment.DeploymentID{
		Application: id.Tester().ID,
		Zone:        id.Type.Zone(j.c.System),
	})
	if err != nil {
		return "", err
	}

	if len(endpoints) == 0 {
		return "", nil
	}

	return endpoints[0].URL, nil
}

// TestedZoneAndProductionZones returns the zone of the deployment tested in
// the given job, and all production zones of the application.
func (j *JobController) TestedZoneAndProductionZones(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType,
) ([]deployment.ZoneID, error) {
	app, err := j.c.Registry.Require(ctx, id)
	if err != nil {
		return nil, err
	}

	zones := []deployment.ZoneID{t.Zone(j.c.System)}

	for _, jobType := range deployment.JobTypes {
		if !jobType.IsProduction() {
			continue
		}

		zone := jobType.Zone(j.c.System)
		if _, ok := app.ProductionDeployments[zone.String()]; ok {
			zones = append(zones, zone)
		}
	}

	return zones, nil
}

// --- Locking ---

// LockedRun locks and modifies the run with the given id, provided it is
// still active.
func (j *JobController) LockedRun(
	ctx context.Context, id deployment.RunID, fn func(deployment.Run) (deployment.Run, error),
) error {
	lease, err := j.c.Store.Lock(store.JobLockKey(id.Application, id.Type), j.c.LockTimeout)
	if err != nil {
		return err
	}
	defer lease.Release()

	run, err := j.Active(ctx, id)
	if err != nil {
		return err
	}

	if run == nil {
		return nil
	}

	updated, err := fn(*run)
	if err != nil {
		return err
	}

	return j.c.Store.WriteLastRun(ctx, updated)
}

// LockedStepFn locks the given step, briefly takes each prerequisite's lock
// to verify no predecessor is executing, and then performs the given action.
// Returns store.ErrLockTimeout when any lock cannot be acquired in time.
func (j *JobController) LockedStepFn(
	ctx context.Context,
	id deployment.ApplicationID,
	t deployment.JobType,
	step deployment.Step,
	fn func(LockedStep) error,
) error {
	lease, err := j.c.Store.Lock(store.StepLockKey(id, t, step), j.c.LockTimeout)
	if err != nil {
		return err
	}
	defer lease.Release()

	for _, prerequisite := range step.Prerequisites() {
		prereqLease, err := j.c.Store.Lock(store.StepLockKey(id, t, prerequisite), j.c.LockTimeout)
		if err != nil {
			return err
		}

		prereqLease.Release()
	}

	return fn(LockedStep{step: step})
}
