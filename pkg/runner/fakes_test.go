package runner

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/hostedops/deployoor/pkg/configserver"
	"github.com/hostedops/deployoor/pkg/controller"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/mailer"
	"github.com/hostedops/deployoor/pkg/routing"
	"github.com/hostedops/deployoor/pkg/testercloud"
)

// inlineExecutor runs every task in the calling goroutine, making maintainer
// ticks deterministic in tests.
type inlineExecutor struct{}

func (inlineExecutor) Execute(fn func()) bool {
	fn()

	return true
}

func (inlineExecutor) Wait() error { return nil }

// stepFn adapts a function to the StepRunner interface.
type stepFn func(step deployment.Step, id deployment.RunID) (*deployment.RunStatus, error)

func (f stepFn) Run(
	_ context.Context, step controller.LockedStep, id deployment.RunID,
) (*deployment.RunStatus, error) {
	return f(step.Step(), id)
}

// fakeConfigServer scripts the config server behaviour per test.
type fakeConfigServer struct {
	mu sync.Mutex

	deployments map[deployment.DeploymentID]*configserver.Deployment
	deployErr   error
	prepare     configserver.PrepareResponse
	nodes       []configserver.Node
	convergence *configserver.ServiceConvergence
	logLines    string
	logErr      error
	restarts    []string
	deactivated []deployment.DeploymentID
	clusters    []string
}

var _ configserver.ConfigServer = (*fakeConfigServer)(nil)

func newFakeConfigServer() *fakeConfigServer {
	return &fakeConfigServer{
		deployments: make(map[deployment.DeploymentID]*configserver.Deployment),
		convergence: &configserver.ServiceConvergence{Converged: true},
		clusters:    []string{"documents"},
	}
}

func (f *fakeConfigServer) Deploy(
	_ context.Context, id deployment.DeploymentID, _ []byte, _ configserver.DeployOptions,
) (*configserver.PrepareResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deployErr != nil {
		return nil, f.deployErr
	}

	if _, ok := f.deployments[id]; !ok {
		f.deployments[id] = &configserver.Deployment{ID: id}
	}

	prepare := f.prepare

	return &prepare, nil
}

func (f *fakeConfigServer) GetDeployment(
	_ context.Context, id deployment.DeploymentID,
) (*configserver.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.deployments[id], nil
}

func (f *fakeConfigServer) Deactivate(_ context.Context, id deployment.DeploymentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deactivated = append(f.deactivated, id)

	if _, ok := f.deployments[id]; !ok {
		return configserver.ErrNotFound
	}

	delete(f.deployments, id)

	return nil
}

func (f *fakeConfigServer) ListNodes(
	context.Context, deployment.DeploymentID,
) ([]configserver.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.nodes, nil
}

func (f *fakeConfigServer) ServiceConvergence(
	context.Context, deployment.DeploymentID, string,
) (*configserver.ServiceConvergence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.convergence, nil
}

func (f *fakeConfigServer) Restart(
	_ context.Context, _ deployment.DeploymentID, hostname string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.restarts = append(f.restarts, hostname)

	return nil
}

func (f *fakeConfigServer) GetLogs(
	context.Context, deployment.DeploymentID,
) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.logErr != nil {
		return nil, f.logErr
	}

	return io.NopCloser(strings.NewReader(f.logLines)), nil
}

func (f *fakeConfigServer) ContentClusters(
	context.Context, deployment.DeploymentID,
) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.clusters, nil
}

func (f *fakeConfigServer) putDeployment(dep *configserver.Deployment) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deployments[dep.ID] = dep
}

func (f *fakeConfigServer) removeDeployment(id deployment.DeploymentID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.deployments, id)
}

// fakeTesterCloud scripts the tester behaviour per test.
type fakeTesterCloud struct {
	mu      sync.Mutex
	ready   bool
	status  testercloud.Status
	entries []deployment.LogEntry
	started bool
	suite   testercloud.Suite
	config  []byte
}

var _ testercloud.TesterCloud = (*fakeTesterCloud)(nil)

func newFakeTesterCloud() *fakeTesterCloud {
	return &fakeTesterCloud{ready: true, status: testercloud.StatusRunning}
}

func (f *fakeTesterCloud) Ready(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.ready, nil
}

func (f *fakeTesterCloud) StartTests(
	_ context.Context, _ string, suite testercloud.Suite, config []byte,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.started = true
	f.suite = suite
	f.config = config

	return nil
}

func (f *fakeTesterCloud) GetStatus(context.Context, string) (testercloud.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.status, nil
}

func (f *fakeTesterCloud) GetLog(
	_ context.Context, _ string, after int64,
) ([]deployment.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entries []deployment.LogEntry

	for _, entry := range f.entries {
		if entry.ID > after {
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// fakeRouter serves one endpoint per routed deployment.
type fakeRouter struct {
	mu        sync.Mutex
	endpoints map[deployment.DeploymentID]string
}

var _ routing.Router = (*fakeRouter)(nil)

func newFakeRouter() *fakeRouter {
	return &fakeRouter{endpoints: make(map[deployment.DeploymentID]string)}
}

func (f *fakeRouter) route(id deployment.DeploymentID, endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.endpoints[id] = endpoint
}

func (f *fakeRouter) unroute(id deployment.DeploymentID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.endpoints, id)
}

func (f *fakeRouter) ClusterEndpoints(
	_ context.Context, id deployment.ApplicationID, zones []deployment.ZoneID,
) (map[deployment.ZoneID]map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	endpoints := make(map[deployment.ZoneID]map[string]string)

	for _, zone := range zones {
		if url, ok := f.endpoints[deployment.DeploymentID{Application: id, Zone: zone}]; ok {
			endpoints[zone] = map[string]string{"default": url}
		}
	}

	return endpoints, nil
}

func (f *fakeRouter) Endpoints(
	_ context.Context, id deployment.DeploymentID,
) ([]routing.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if url, ok := f.endpoints[id]; ok {
		return []routing.Endpoint{{URL: url}}, nil
	}

	return nil, nil
}

// recordingMailer collects sent mail, optionally failing every send.
type recordingMailer struct {
	mu   sync.Mutex
	sent []mailer.Mail
	err  error
}

var _ mailer.Mailer = (*recordingMailer)(nil)

func (m *recordingMailer) Send(mail mailer.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	m.sent = append(m.sent, mail)

	return nil
}

func (m *recordingMailer) mails() []mailer.Mail {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]mailer.Mail(nil), m.sent...)
}
