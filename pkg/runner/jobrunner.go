package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hostedops/deployoor/pkg/controller"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Executor runs step tasks. Execute reports false when the pool is
// saturated, in which case the task is retried on a later tick.
type Executor interface {
	Execute(fn func()) bool
	Wait() error
}

// NewPoolExecutor creates an Executor backed by a bounded worker pool.
func NewPoolExecutor(workers int) Executor {
	g := new(errgroup.Group)
	g.SetLimit(workers)

	return &poolExecutor{g: g}
}

type poolExecutor struct {
	g *errgroup.Group
}

func (e *poolExecutor) Execute(fn func()) bool {
	return e.g.TryGo(func() error {
		fn()

		return nil
	})
}

func (e *poolExecutor) Wait() error {
	return e.g.Wait()
}

// Config for the job runner.
type Config struct {
	TickInterval time.Duration
	JobTimeout   time.Duration
}

// JobRunner is the maintainer loop: each tick it walks all active runs,
// leases their ready steps, and dispatches each step to the worker pool.
type JobRunner struct {
	log   logrus.FieldLogger
	cfg   *Config
	jobs  *controller.JobController
	steps StepRunner
	exec  Executor

	done chan struct{}
	wg   sync.WaitGroup
}

// NewJobRunner creates a job runner driving the given controller with the
// given step runner.
func NewJobRunner(
	log logrus.FieldLogger,
	cfg *Config,
	jobs *controller.JobController,
	steps StepRunner,
	exec Executor,
) *JobRunner {
	return &JobRunner{
		log:   log.WithField("component", "jobrunner"),
		cfg:   cfg,
		jobs:  jobs,
		steps: steps,
		exec:  exec,
		done:  make(chan struct{}),
	}
}

// Start installs the immediate-dispatch hook and begins ticking.
func (r *JobRunner) Start(ctx context.Context) error {
	r.jobs.SetRunner(func(run deployment.Run) {
		r.exec.Execute(func() {
			r.advance(ctx, run)
		})
	})

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Maintain(ctx)
			}
		}
	}()

	r.log.WithField("interval", r.cfg.TickInterval).Info("Job runner started")

	return nil
}

// Stop halts the tick loop and drains the worker pool.
func (r *JobRunner) Stop() error {
	close(r.done)
	r.wg.Wait()

	if err := r.exec.Wait(); err != nil {
		return err
	}

	r.log.Info("Job runner stopped")

	return nil
}

// Maintain performs one tick: every active run has its ready steps
// dispatched, stuck runs are aborted, and runs without further progress are
// finished.
func (r *JobRunner) Maintain(ctx context.Context) {
	active, err := r.jobs.ActiveRuns(ctx)
	if err != nil {
		r.log.WithError(err).Warn("Failed listing active runs")

		return
	}

	now := r.jobs.Controller().Clock.Now()

	for _, run := range active {
		if run.Status() == deployment.StatusRunning && now.Sub(run.Start()) >= r.cfg.JobTimeout {
			r.log.WithField("run", run.ID().String()).Warn("Aborting run: job timeout reached")

			if err := r.jobs.Abort(ctx, run.ID()); err != nil {
				r.log.WithError(err).Warn("Failed aborting timed out run")

				continue
			}

			aborted, err := r.jobs.Active(ctx, run.ID())
			if err != nil || aborted == nil {
				continue
			}

			run = *aborted
		}

		r.advance(ctx, run)
	}
}

// advance dispatches the ready steps of the given run, or finishes it when
// none remain.
func (r *JobRunner) advance(ctx context.Context, run deployment.Run) {
	ready := run.ReadySteps()

	if len(ready) == 0 {
		if run.UnfinishedSteps() && !run.HasFailed() {
			// Plenty to do, but nothing ready: wait for in-flight steps.
			return
		}

		if err := r.jobs.Finish(ctx, run.ID()); err != nil {
			r.log.WithError(err).WithField("run", run.ID().String()).Warn("Failed finishing run")
		}

		return
	}

	for _, step := range ready {
		step := step

		if !r.exec.Execute(func() { r.runStep(ctx, run.ID(), step) }) {
			r.log.WithField("run", run.ID().String()).Debug("Worker pool saturated; deferring to next tick")

			return
		}
	}
}

// runStep leases the step, re-checks that it is still ready, executes it,
// and folds the outcome into the run.
func (r *JobRunner) runStep(ctx context.Context, id deployment.RunID, step deployment.Step) {
	err := r.jobs.LockedStepFn(ctx, id.Application, id.Type, step, func(locked controller.LockedStep) error {
		run, err := r.jobs.Active(ctx, id)
		if err != nil {
			return err
		}

		if run == nil {
			return nil
		}

		ready := false

		for _, s := range run.ReadySteps() {
			if s == step {
				ready = true
			}
		}

		if !ready {
			return nil
		}

		outcome, err := r.steps.Run(ctx, locked, id)
		if err != nil {
			return err
		}

		if outcome == nil {
			return nil
		}

		return r.jobs.Update(ctx, id, *outcome, locked)
	})
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			r.log.WithFields(logrus.Fields{
				"run":  id.String(),
				"step": step.String(),
			}).Debug("Step lock contended; deferring to next tick")

			return
		}

		r.log.WithError(err).WithFields(logrus.Fields{
			"run":  id.String(),
			"step": step.String(),
		}).Warn("Step execution failed")
	}
}
