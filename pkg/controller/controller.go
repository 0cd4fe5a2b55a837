// Package controller owns the state and lifecycle of deployment job runs.
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/hostedops/deployoor/pkg/artifact"
	"github.com/hostedops/deployoor/pkg/clock"
	"github.com/hostedops/deployoor/pkg/configserver"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/logstore"
	"github.com/hostedops/deployoor/pkg/mailer"
	"github.com/hostedops/deployoor/pkg/registry"
	"github.com/hostedops/deployoor/pkg/routing"
	"github.com/hostedops/deployoor/pkg/store"
	"github.com/hostedops/deployoor/pkg/testercloud"
	"github.com/sirupsen/logrus"
)

var (
	// ErrAlreadyRunning is returned by Start when the job has an active run.
	ErrAlreadyRunning = errors.New("job is already running")

	// ErrInvalidVersions is returned by Start when the target application
	// version is not a valid reference.
	ErrInvalidVersions = errors.New("target application must be a valid reference")
)

// TriggerHook receives completion reports for the higher-level deployment
// triggering policy, which is outside the runner.
type TriggerHook interface {
	// NotifyOfSubmission reports a newly submitted application version.
	NotifyOfSubmission(ctx context.Context, id deployment.ApplicationID, projectID int64, version deployment.ApplicationVersion)

	// NotifyOfCompletion reports a finished or finishing run.
	NotifyOfCompletion(ctx context.Context, id deployment.RunID, failed bool)
}

// NopTrigger is a TriggerHook which does nothing.
type NopTrigger struct{}

func (NopTrigger) NotifyOfSubmission(context.Context, deployment.ApplicationID, int64, deployment.ApplicationVersion) {
}

func (NopTrigger) NotifyOfCompletion(context.Context, deployment.RunID, bool) {}

// Controller bundles the collaborators of the job controller and step runner.
// It is assembled once at startup and passed around by dependency injection.
type Controller struct {
	Log          logrus.FieldLogger
	Clock        clock.Clock
	Store        store.Store
	Logs         logstore.Store
	Artifacts    artifact.Store
	ConfigServer configserver.ConfigServer
	TesterCloud  testercloud.TesterCloud
	Router       routing.Router
	Mailer       mailer.Mailer
	Registry     registry.Registry
	Trigger      TriggerHook
	System       deployment.System
	Zones        *deployment.ZoneRegistry
	LockTimeout  time.Duration

	// SystemVersion is the current platform version, used for manual
	// deployments which do not pin one.
	SystemVersion string
}

func (c *Controller) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clock.System()
	}

	if c.Trigger == nil {
		c.Trigger = NopTrigger{}
	}

	if c.Zones == nil {
		c.Zones = deployment.NewZoneRegistry(nil)
	}

	if c.LockTimeout == 0 {
		c.LockTimeout = 2 * time.Second
	}

	if c.Mailer == nil {
		c.Mailer = mailer.NewNull(c.Log)
	}
}

// LockedStep proves the step lock is held, and that no prerequisite of the
// step was executing when it was acquired. Values are only created by
// JobController.LockedStepFn.
type LockedStep struct {
	step deployment.Step
}

// Step returns the locked step.
func (s LockedStep) Step() deployment.Step {
	return s.step
}
