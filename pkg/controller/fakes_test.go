package controller

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/hostedops/deployoor/pkg/configserver"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/routing"
	"github.com/hostedops/deployoor/pkg/testercloud"
)

// fakeConfigServer tracks deployments in memory.
type fakeConfigServer struct {
	mu           sync.Mutex
	deployments  map[deployment.DeploymentID]*configserver.Deployment
	deactivated  []deployment.DeploymentID
	deactivateCh chan deployment.DeploymentID
}

var _ configserver.ConfigServer = (*fakeConfigServer)(nil)

func newFakeConfigServer() *fakeConfigServer {
	return &fakeConfigServer{
		deployments: make(map[deployment.DeploymentID]*configserver.Deployment),
	}
}

func (f *fakeConfigServer) Deploy(
	_ context.Context, id deployment.DeploymentID, _ []byte, _ configserver.DeployOptions,
) (*configserver.PrepareResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deployments[id] = &configserver.Deployment{ID: id}

	return &configserver.PrepareResponse{}, nil
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
	return nil, nil
}

func (f *fakeConfigServer) ServiceConvergence(
	context.Context, deployment.DeploymentID, string,
) (*configserver.ServiceConvergence, error) {
	return &configserver.ServiceConvergence{Converged: true}, nil
}

func (f *fakeConfigServer) Restart(context.Context, deployment.DeploymentID, string) error {
	return nil
}

func (f *fakeConfigServer) GetLogs(
	context.Context, deployment.DeploymentID,
) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeConfigServer) ContentClusters(
	context.Context, deployment.DeploymentID,
) ([]string, error) {
	return []string{"documents"}, nil
}

func (f *fakeConfigServer) deactivations() []deployment.DeploymentID {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]deployment.DeploymentID(nil), f.deactivated...)
}

// fakeTesterCloud serves a scripted status and log.
type fakeTesterCloud struct {
	mu      sync.Mutex
	status  testercloud.Status
	entries []deployment.LogEntry
	started bool
}

var _ testercloud.TesterCloud = (*fakeTesterCloud)(nil)

func newFakeTesterCloud() *fakeTesterCloud {
	return &fakeTesterCloud{status: testercloud.StatusNotStarted}
}

func (f *fakeTesterCloud) Ready(context.Context, string) (bool, error) {
	return true, nil
}

func (f *fakeTesterCloud) StartTests(context.Context, string, testercloud.Suite, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.started = true
	f.status = testercloud.StatusRunning

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

func (f *fakeTesterCloud) setLog(entries []deployment.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = entries
}

// fakeRouter routes every deployment to a fixed endpoint.
type fakeRouter struct {
	mu       sync.Mutex
	endpoint string
}

func (f *fakeRouter) ClusterEndpoints(
	_ context.Context, _ deployment.ApplicationID, zones []deployment.ZoneID,
) (map[deployment.ZoneID]map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.endpoint == "" {
		return map[deployment.ZoneID]map[string]string{}, nil
	}

	endpoints := make(map[deployment.ZoneID]map[string]string, len(zones))
	for _, zone := range zones {
		endpoints[zone] = map[string]string{"default": f.endpoint}
	}

	return endpoints, nil
}

func (f *fakeRouter) Endpoints(
	context.Context, deployment.DeploymentID,
) ([]routing.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.endpoint == "" {
		return nil, nil
	}

	return []routing.Endpoint{{URL: f.endpoint}}, nil
}

var _ routing.Router = (*fakeRouter)(nil)
