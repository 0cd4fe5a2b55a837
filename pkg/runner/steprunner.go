// Package runner executes the steps of deployment job runs, and drives all
// active runs forward from a periodic maintainer loop.
package runner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hostedops/deployoor/pkg/configserver"
	"github.com/hostedops/deployoor/pkg/controller"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/mailer"
	"github.com/hostedops/deployoor/pkg/registry"
	"github.com/hostedops/deployoor/pkg/testercloud"
	"github.com/sirupsen/logrus"
)

const (
	// endpointTimeout is how long a deployment may go without routed
	// endpoints before the run errors out.
	endpointTimeout = 15 * time.Minute

	// installationTimeout is how long a deployment may take to converge.
	installationTimeout = 150 * time.Minute

	// certificateTimeout is the validity period of minted tester certificates.
	certificateTimeout = 300 * time.Minute
)

// StepRunner executes one step of one run. A nil status means no decision
// was reached yet, and the step is retried on the next maintainer tick.
type StepRunner interface {
	Run(ctx context.Context, step controller.LockedStep, id deployment.RunID) (*deployment.RunStatus, error)
}

// Compile-time interface check.
var _ StepRunner = (*stepRunner)(nil)

type stepRunner struct {
	log  logrus.FieldLogger
	jobs *controller.JobController
	c    *controller.Controller
}

// NewStepRunner creates the step runner executing against the collaborators
// of the given job controller.
func NewStepRunner(log logrus.FieldLogger, jobs *controller.JobController) StepRunner {
	return &stepRunner{
		log:  log.WithField("component", "steprunner"),
		jobs: jobs,
		c:    jobs.Controller(),
	}
}

func status(s deployment.RunStatus) *deployment.RunStatus {
	return &s
}

// Run executes the given step. Unexpected errors fail the run with an error
// status, except in cleanup steps, which are retried instead.
func (r *stepRunner) Run(
	ctx context.Context, step controller.LockedStep, id deployment.RunID,
) (*deployment.RunStatus, error) {
	logger := r.stepLogger(id, step.Step())

	outcome, err := r.run(ctx, step.Step(), id, logger)
	if err != nil {
		if deployment.ProfileOf(id.Type).AlwaysRun(step.Step()) {
			logger.warning("Unexpected error; will keep trying, as this is a cleanup step", err)

			return nil, nil
		}

		logger.warning("Unexpected error running step", err)

		return status(deployment.StatusError), nil
	}

	return outcome, nil
}

func (r *stepRunner) run(
	ctx context.Context, step deployment.Step, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	switch step {
	case deployment.StepDeployTester:
		return r.deployTester(ctx, id, logger)
	case deployment.StepDeployInitialReal:
		return r.deployInitialReal(ctx, id, logger)
	case deployment.StepInstallInitialReal:
		return r.installReal(ctx, id, true, logger)
	case deployment.StepDeployReal:
		return r.deployReal(ctx, id, logger)
	case deployment.StepInstallTester:
		return r.installTester(ctx, id, logger)
	case deployment.StepInstallReal:
		return r.installReal(ctx, id, false, logger)
	case deployment.StepStartTests:
		return r.startTests(ctx, id, logger)
	case deployment.StepEndTests:
		return r.endTests(ctx, id, logger)
	case deployment.StepCopyVespaLogs:
		return r.copyVespaLogs(ctx, id, logger)
	case deployment.StepDeactivateReal:
		return r.deactivateReal(ctx, id, logger)
	case deployment.StepDeactivateTester:
		return r.deactivateTester(ctx, id, logger)
	case deployment.StepReport:
		return r.report(ctx, id, logger)
	default:
		return nil, fmt.Errorf("unknown step %q", step)
	}
}

func (r *stepRunner) versions(ctx context.Context, id deployment.RunID) (deployment.Versions, error) {
	run, err := r.jobs.Run(ctx, id)
	if err != nil {
		return deployment.Versions{}, err
	}

	if run == nil {
		return deployment.Versions{}, fmt.Errorf("%s does not exist", id)
	}

	return run.Versions(), nil
}

// --- Deployment steps ---

func (r *stepRunner) deployInitialReal(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	versions, err := r.versions(ctx, id)
	if err != nil {
		return nil, err
	}

	logger.msg(fmt.Sprintf("Deploying platform version %s and application version %s ...",
		versions.SourcePlatformOrTarget(), versions.SourceApplicationOrTarget().ID()))

	return r.deployCurrent(ctx, id, true, versions, logger)
}

func (r *stepRunner) deployReal(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	versions, err := r.versions(ctx, id)
	if err != nil {
		return nil, err
	}

	logger.msg(fmt.Sprintf("Deploying platform version %s and application version %s ...",
		versions.TargetPlatform, versions.TargetApplication.ID()))

	return r.deployCurrent(ctx, id, false, versions, logger)
}

func (r *stepRunner) deployCurrent(
	ctx context.Context, id deployment.RunID, setTheStage bool, versions deployment.Versions, logger *stepLogger,
) (*deployment.RunStatus, error) {
	zone := id.Type.Zone(r.c.System)

	var (
		pkg      []byte
		err      error
		platform string
	)

	if id.Type.Environment().IsManuallyDeployed() {
		pkg, err = r.c.Artifacts.GetDev(ctx, id.Application, zone)
		platform = versions.TargetPlatform
	} else {
		version := versions.TargetApplication
		if setTheStage {
			version = versions.SourceApplicationOrTarget()
		}

		pkg, err = r.c.Artifacts.Get(ctx, id.Application, version)
	}

	if err != nil {
		return nil, fmt.Errorf("fetching application package: %w", err)
	}

	target := deployment.DeploymentID{Application: id.Application, Zone: zone}

	return r.deploy(ctx, id, target, pkg, configserver.DeployOptions{
		Platform:    platform,
		SetTheStage: setTheStage,
	}, logger)
}

func (r *stepRunner) deployTester(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	versions, err := r.versions(ctx, id)
	if err != nil {
		return nil, err
	}

	logger.msg(fmt.Sprintf("Deploying the tester container on platform %s ...", versions.TargetPlatform))

	pkg, err := r.testerPackage(ctx, id, versions.TargetApplication)
	if err != nil {
		return nil, err
	}

	target := deployment.DeploymentID{
		Application: id.Tester().ID,
		Zone:        id.Type.Zone(r.c.System),
	}

	return r.deploy(ctx, id, target, pkg, configserver.DeployOptions{
		DeployDirectly: true,
		Platform:       versions.TargetPlatform,
	}, logger)
}

// deploy submits a package and translates config server errors per the
// shared policy: transient conditions retry, package rejections fail the
// deployment, and production capacity shortages get their own status.
func (r *stepRunner) deploy(
	ctx context.Context,
	id deployment.RunID,
	target deployment.DeploymentID,
	pkg []byte,
	opts configserver.DeployOptions,
	logger *stepLogger,
) (*deployment.RunStatus, error) {
	response, err := r.c.ConfigServer.Deploy(ctx, target, pkg, opts)
	if err != nil {
		code, known := configserver.CodeOf(err)
		if !known {
			return nil, err
		}

		switch code {
		case configserver.ActivationConflict,
			configserver.ApplicationLockFailure,
			configserver.ParentHostNotReady,
			configserver.CertificateNotReady,
			configserver.LoadBalancerNotReady:
			logger.msg(fmt.Sprintf("Will retry, because of '%s' deploying:\n%s", code, err.Error()))

			return nil, nil
		case configserver.OutOfCapacity:
			if id.Type.IsTest() {
				logger.msg(fmt.Sprintf("Will retry, because of '%s' deploying:\n%s", code, err.Error()))

				return nil, nil
			}

			logger.msg("Deployment failed: " + err.Error())

			return status(deployment.StatusOutOfCapacity), nil
		case configserver.InvalidApplicationPackage, configserver.BadRequest:
			logger.msg("Deployment failed: " + err.Error())

			return status(deployment.StatusDeploymentFailed), nil
		default:
			return nil, err
		}
	}

	if failed := r.checkRefeedActions(response, logger); failed {
		return status(deployment.StatusDeploymentFailed), nil
	}

	if err := r.issueRestarts(ctx, target, response, logger); err != nil {
		return nil, err
	}

	logger.msg("Deployment successful.")

	if response.Message != "" {
		logger.msg(response.Message)
	}

	return status(deployment.StatusRunning), nil
}

func (r *stepRunner) checkRefeedActions(response *configserver.PrepareResponse, logger *stepLogger) bool {
	var disallowed []configserver.RefeedAction

	for _, action := range response.ConfigChangeActions.RefeedActions {
		if !action.Allowed {
			disallowed = append(disallowed, action)
		}
	}

	if len(disallowed) == 0 {
		return false
	}

	messages := []string{
		"Deploy failed due to non-compatible changes that require re-feed.",
		"Your options are:",
		"1. Revert the incompatible changes.",
		"2. If you think it is safe in your case, you can override this validation.",
		"3. Deploy as a new application under a different name.",
		"Illegal actions:",
	}

	for _, action := range disallowed {
		messages = append(messages, action.Messages...)
	}

	messages = append(messages, "Details:")

	for _, line := range response.Log {
		messages = append(messages, line.Message)
	}

	logger.msg(messages...)

	return true
}

func (r *stepRunner) issueRestarts(
	ctx context.Context, target deployment.DeploymentID, response *configserver.PrepareResponse, logger *stepLogger,
) error {
	if len(response.ConfigChangeActions.RestartActions) == 0 {
		logger.msg("No services requiring restart.")

		return nil
	}

	hosts := make(map[string]bool)

	for _, action := range response.ConfigChangeActions.RestartActions {
		for _, service := range action.Services {
			hosts[service.HostName] = true
		}
	}

	sorted := make([]string, 0, len(hosts))
	for host := range hosts {
		sorted = append(sorted, host)
	}

	sort.Strings(sorted)

	for _, host := range sorted {
		if err := r.c.ConfigServer.Restart(ctx, target, host); err != nil {
			return fmt.Errorf("restarting services on %s: %w", host, err)
		}

		logger.msg(fmt.Sprintf("Restarting services on host %s.", host))
	}

	return nil
}

// --- Installation steps ---

func (r *stepRunner) installReal(
	ctx context.Context, id deployment.RunID, setTheStage bool, logger *stepLogger,
) (*deployment.RunStatus, error) {
	dep, err := r.deployment(ctx, id.Application, id.Type)
	if err != nil {
		return nil, err
	}

	if dep == nil {
		logger.info("Deployment expired before installation was successful.")

		return status(deployment.StatusInstallationFailed), nil
	}

	versions, err := r.versions(ctx, id)
	if err != nil {
		return nil, err
	}

	platform := versions.TargetPlatform
	application := versions.TargetApplication

	if setTheStage {
		platform = versions.SourcePlatformOrTarget()
		application = versions.SourceApplicationOrTarget()
	}

	logger.msg(fmt.Sprintf("Checking installation of %s and %s ...", platform, application.ID()))

	target := deployment.DeploymentID{Application: id.Application, Zone: id.Type.Zone(r.c.System)}

	converged, err := r.converged(ctx, target, platform, logger)
	if err != nil {
		return nil, err
	}

	if converged {
		available, err := r.endpointsAvailable(ctx, id.Application, target.Zone, logger)
		if err != nil {
			return nil, err
		}

		if available {
			logger.msg("Installation succeeded!")

			return status(deployment.StatusRunning), nil
		}

		if r.timedOut(dep, endpointTimeout) {
			logger.warning(fmt.Sprintf("Endpoints failed to show up within %v!", endpointTimeout), nil)

			return status(deployment.StatusError), nil
		}
	}

	if r.timedOut(dep, installationTimeout) {
		logger.info(fmt.Sprintf("Installation failed to complete within %v!", installationTimeout))

		return status(deployment.StatusInstallationFailed), nil
	}

	logger.msg("Installation not yet complete.")

	return nil, nil
}

func (r *stepRunner) installTester(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	dep, err := r.deployment(ctx, id.Application, id.Type)
	if err != nil {
		return nil, err
	}

	if dep == nil {
		logger.warning("Deployment expired before installation of tester was successful.", nil)

		return status(deployment.StatusError), nil
	}

	versions, err := r.versions(ctx, id)
	if err != nil {
		return nil, err
	}

	logger.msg("Checking installation of tester container ...")

	tester := id.Tester().ID
	target := deployment.DeploymentID{Application: tester, Zone: id.Type.Zone(r.c.System)}

	converged, err := r.converged(ctx, target, versions.TargetPlatform, logger)
	if err != nil {
		return nil, err
	}

	if converged {
		available, err := r.endpointsAvailable(ctx, tester, target.Zone, logger)
		if err != nil {
			return nil, err
		}

		if available {
			logger.msg("Tester container successfully installed!")

			return status(deployment.StatusRunning), nil
		}

		if r.timedOut(dep, endpointTimeout) {
			logger.warning(fmt.Sprintf("Tester failed to show up within %v!", endpointTimeout), nil)

			return status(deployment.StatusError), nil
		}
	}

	if r.timedOut(dep, installationTimeout) {
		logger.warning(fmt.Sprintf(
			"Installation of tester failed to complete within %v of real deployment!", installationTimeout), nil)

		return status(deployment.StatusError), nil
	}

	logger.msg("Installation of tester not yet complete.")

	return nil, nil
}

// converged reports whether both the nodes and the services of the given
// deployment have converged on the wanted platform and config generation.
func (r *stepRunner) converged(
	ctx context.Context, target deployment.DeploymentID, platform string, logger *stepLogger,
) (bool, error) {
	nodes, err := r.c.ConfigServer.ListNodes(ctx, target)
	if err != nil {
		return false, fmt.Errorf("listing nodes of %s: %w", target, err)
	}

	nodesConverged := true

	for _, node := range nodes {
		pending := ""

		if node.CurrentVersion != platform {
			pending = fmt.Sprintf("version %s <-- %s", platform, node.CurrentVersion)
			nodesConverged = false
		}

		if node.RestartGeneration < node.WantedRestartGeneration {
			pending += fmt.Sprintf(" restart pending (%d <-- %d)", node.WantedRestartGeneration, node.RestartGeneration)
			nodesConverged = false
		}

		if node.RebootGeneration < node.WantedRebootGeneration {
			pending += fmt.Sprintf(" reboot pending (%d <-- %d)", node.WantedRebootGeneration, node.RebootGeneration)
			nodesConverged = false
		}

		logger.msg(fmt.Sprintf("%s: %s %s", node.Hostname, node.ServiceState, pending))
	}

	if !nodesConverged {
		return false, nil
	}

	convergence, err := r.c.ConfigServer.ServiceConvergence(ctx, target, platform)
	if err != nil {
		return false, fmt.Errorf("getting service convergence of %s: %w", target, err)
	}

	if convergence == nil {
		logger.msg("Config status not currently available -- will retry.")

		return false, nil
	}

	logger.msg(fmt.Sprintf("Wanted config generation is %d", convergence.WantedGeneration))

	lagging := 0

	for _, service := range convergence.Services {
		if service.CurrentGeneration != convergence.WantedGeneration {
			lagging++

			logger.msg(fmt.Sprintf("%s: %s on port %d has %d",
				service.Host, service.Type, service.Port, service.CurrentGeneration))
		}
	}

	if lagging == 0 {
		logger.msg("All services on wanted config generation.")
	}

	return convergence.Converged, nil
}

func (r *stepRunner) endpointsAvailable(
	ctx context.Context, id deployment.ApplicationID, zone deployment.ZoneID, logger *stepLogger,
) (bool, error) {
	logger.msg("Attempting to find deployment endpoints ...")

	endpoints, err := r.c.Router.ClusterEndpoints(ctx, id, []deployment.ZoneID{zone})
	if err != nil {
		return false, fmt.Errorf("finding endpoints of %s: %w", id, err)
	}

	if _, ok := endpoints[zone]; !ok {
		logger.msg("Endpoints not yet ready.")

		return false, nil
	}

	logEndpoints(endpoints, logger)

	return true, nil
}

func logEndpoints(endpoints map[deployment.ZoneID]map[string]string, logger *stepLogger) {
	messages := []string{"Found endpoints:"}

	for zone, clusters := range endpoints {
		messages = append(messages, "- "+zone.String())

		for cluster, url := range clusters {
			messages = append(messages, fmt.Sprintf(" |-- %s (%s)", url, cluster))
		}
	}

	logger.msg(messages...)
}

// --- Test steps ---

func (r *stepRunner) startTests(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	dep, err := r.deployment(ctx, id.Application, id.Type)
	if err != nil {
		return nil, err
	}

	if dep == nil {
		logger.info("Deployment expired before tests could start.")

		return status(deployment.StatusAborted), nil
	}

	zones, err := r.jobs.TestedZoneAndProductionZones(ctx, id.Application, id.Type)
	if err != nil {
		return nil, err
	}

	logger.msg("Attempting to find endpoints ...")

	endpoints, err := r.c.Router.ClusterEndpoints(ctx, id.Application, zones)
	if err != nil {
		return nil, err
	}

	zone := id.Type.Zone(r.c.System)

	if _, ok := endpoints[zone]; !ok {
		if r.timedOut(dep, endpointTimeout) {
			logger.warning("Endpoints for the deployment to test vanished again, while it was still active!", nil)

			return status(deployment.StatusError), nil
		}

		logger.msg("Endpoints for the deployment to test are not yet ready.")

		return nil, nil
	}

	logEndpoints(endpoints, logger)

	testerEndpoint, err := r.jobs.TesterEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	if testerEndpoint == "" {
		if r.timedOut(dep, endpointTimeout) {
			logger.warning("Endpoints for the tester container vanished again, while it was still active!", nil)

			return status(deployment.StatusError), nil
		}

		logger.msg("Endpoints for the tester container are not yet ready.")

		return nil, nil
	}

	ready, err := r.c.TesterCloud.Ready(ctx, testerEndpoint)
	if err != nil {
		return nil, err
	}

	if !ready {
		logger.msg("Tester container not yet ready.")

		return nil, nil
	}

	config, err := r.testConfig(ctx, id, zones, endpoints)
	if err != nil {
		return nil, err
	}

	logger.msg("Starting tests ...")

	suite := testercloud.SuiteOf(id.Type)
	if err := r.c.TesterCloud.StartTests(ctx, testerEndpoint, suite, config); err != nil {
		return nil, err
	}

	return status(deployment.StatusRunning), nil
}

func (r *stepRunner) endTests(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	dep, err := r.deployment(ctx, id.Application, id.Type)
	if err != nil {
		return nil, err
	}

	if dep == nil {
		logger.info("Deployment expired before tests could complete.")

		return status(deployment.StatusAborted), nil
	}

	run, err := r.jobs.Run(ctx, id)
	if err != nil {
		return nil, err
	}

	if run == nil {
		return nil, fmt.Errorf("%s does not exist", id)
	}

	if certificate := run.TesterCertificate(); certificate != nil {
		now := r.c.Clock.Now()
		if now.Before(certificate.NotBefore) || now.After(certificate.NotAfter) {
			logger.info("Tester certificate expired before tests could complete.")

			return status(deployment.StatusAborted), nil
		}
	}

	testerEndpoint, err := r.jobs.TesterEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	if testerEndpoint == "" {
		logger.msg("Endpoints for tester not found -- trying again later.")

		return nil, nil
	}

	if err := r.jobs.UpdateTestLog(ctx, id); err != nil {
		return nil, err
	}

	testStatus, err := r.c.TesterCloud.GetStatus(ctx, testerEndpoint)
	if err != nil {
		return nil, err
	}

	switch testStatus {
	case testercloud.StatusNotStarted:
		return nil, fmt.Errorf("tester reports tests not started, even though they should have")
	case testercloud.StatusRunning:
		return nil, nil
	case testercloud.StatusFailure:
		logger.msg("Tests failed.")

		return status(deployment.StatusTestFailure), nil
	case testercloud.StatusError:
		logger.info("Tester failed running its tests!")

		return status(deployment.StatusError), nil
	case testercloud.StatusSuccess:
		logger.msg("Tests completed successfully.")

		return status(deployment.StatusRunning), nil
	default:
		return nil, fmt.Errorf("unknown tester status %q", testStatus)
	}
}

// --- Cleanup steps ---

func (r *stepRunner) copyVespaLogs(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	zone := id.Type.Zone(r.c.System)

	dep, err := r.deployment(ctx, id.Application, id.Type)
	if err != nil {
		logger.info("Failure getting deployment for log copy: " + err.Error())

		return status(deployment.StatusError), nil
	}

	if dep == nil {
		return status(deployment.StatusRunning), nil
	}

	logger.msg(fmt.Sprintf("Copying Vespa log from nodes of %s in %s ...", id.Application, zone))

	logs, err := r.c.ConfigServer.GetLogs(ctx, deployment.DeploymentID{Application: id.Application, Zone: zone})
	if err != nil {
		logger.info("Failure getting logs for " + id.String() + ": " + err.Error())

		return status(deployment.StatusError), nil
	}
	defer logs.Close()

	entries, err := configserver.ParseVespaLog(logs)
	if err != nil {
		logger.info("Failure parsing logs for " + id.String() + ": " + err.Error())

		return status(deployment.StatusError), nil
	}

	if err := r.jobs.AppendLog(ctx, id, deployment.StepCopyVespaLogs, entries); err != nil {
		logger.info("Failure storing logs for " + id.String() + ": " + err.Error())

		return status(deployment.StatusError), nil
	}

	return status(deployment.StatusRunning), nil
}

func (r *stepRunner) deactivateReal(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	zone := id.Type.Zone(r.c.System)
	logger.msg(fmt.Sprintf("Deactivating deployment of %s in %s ...", id.Application, zone))

	err := r.c.ConfigServer.Deactivate(ctx, deployment.DeploymentID{Application: id.Application, Zone: zone})
	if err != nil && err != configserver.ErrNotFound {
		logger.warning("Failed deleting application "+id.Application.String(), err)

		return status(deployment.StatusError), nil
	}

	return status(deployment.StatusRunning), nil
}

func (r *stepRunner) deactivateTester(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	logger.msg(fmt.Sprintf("Deactivating tester of %s in %s ...", id.Application, id.Type.Zone(r.c.System)))

	if err := r.jobs.DeactivateTester(ctx, id.Tester(), id.Type); err != nil {
		logger.warning("Failed deleting tester of "+id.Application.String(), err)

		return status(deployment.StatusError), nil
	}

	return status(deployment.StatusRunning), nil
}

func (r *stepRunner) report(
	ctx context.Context, id deployment.RunID, logger *stepLogger,
) (*deployment.RunStatus, error) {
	run, err := r.jobs.Active(ctx, id)
	if err != nil {
		return nil, err
	}

	if run == nil {
		logger.info(fmt.Sprintf("Job '%s' no longer supposed to run?", id.Type))

		return status(deployment.StatusError), nil
	}

	r.c.Trigger.NotifyOfCompletion(ctx, id, run.HasFailed())

	if run.HasFailed() {
		r.sendNotification(ctx, *run, logger)
	}

	return status(deployment.StatusRunning), nil
}

// sendNotification mails a notification of a failed run, if one should be
// sent. Mailer failures are swallowed into the run log.
func (r *stepRunner) sendNotification(ctx context.Context, run deployment.Run, logger *stepLogger) {
	app, err := r.c.Registry.Require(ctx, run.ID().Application)
	if err != nil {
		logger.info("Could not resolve notification preferences: " + err.Error())

		return
	}

	newCommit := app.ChangeApplication != nil &&
		app.ChangeApplication.ID() == run.Versions().TargetApplication.ID()

	when := registry.WhenFailing
	if newCommit {
		when = registry.WhenFailingCommit
	}

	recipients := append([]string(nil), app.Notifications.EmailsFor(when)...)

	for _, role := range app.Notifications.RolesFor(when) {
		if role == registry.RoleAuthor && run.Versions().TargetApplication.AuthorEmail != "" {
			recipients = append(recipients, run.Versions().TargetApplication.AuthorEmail)
		}
	}

	if len(recipients) == 0 {
		return
	}

	var mail *mailer.Mail

	switch run.Status() {
	case deployment.StatusOutOfCapacity:
		if run.ID().Type.IsProduction() {
			m := mailer.OutOfCapacity(run.ID(), recipients)
			mail = &m
		}
	case deployment.StatusDeploymentFailed:
		m := mailer.DeploymentFailure(run.ID(), recipients)
		mail = &m
	case deployment.StatusInstallationFailed:
		m := mailer.InstallationFailure(run.ID(), recipients)
		mail = &m
	case deployment.StatusTestFailure:
		m := mailer.TestFailure(run.ID(), recipients)
		mail = &m
	case deployment.StatusError:
		m := mailer.SystemError(run.ID(), recipients)
		mail = &m
	}

	if mail == nil {
		return
	}

	if err := r.c.Mailer.Send(*mail); err != nil {
		logger.info("Exception trying to send mail for " + run.ID().String() + ": " + err.Error())
	}
}

// --- Shared helpers ---

// deployment returns the deployment of the real application in the zone of
// the given job, if it exists.
func (r *stepRunner) deployment(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType,
) (*configserver.Deployment, error) {
	return r.c.ConfigServer.GetDeployment(ctx, deployment.DeploymentID{
		Application: id,
		Zone:        t.Zone(r.c.System),
	})
}

// timedOut reports whether the time since deployment exceeds the given
// timeout. Zones with a deployment TTL shorter than the timeout use the TTL
// instead, less one minute, so logs can still be copied before expiry.
func (r *stepRunner) timedOut(dep *configserver.Deployment, defaultTimeout time.Duration) bool {
	timeout := defaultTimeout

	if ttl, ok := r.c.Zones.DeploymentTTL(dep.ID.Zone); ok && ttl > 0 && ttl < defaultTimeout {
		timeout = ttl - time.Minute
	}

	return dep.At.Before(r.c.Clock.Now().Add(-timeout))
}
