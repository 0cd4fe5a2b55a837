// Package routing resolves the endpoints of deployments through the routing
// layer.
package routing

import (
	"context"

	"github.com/hostedops/deployoor/pkg/deployment"
)

// Endpoint is one routed endpoint of a deployment.
type Endpoint struct {
	URL     string `json:"endpoint"`
	Cluster string `json:"cluster,omitempty"`
}

// Router is the endpoint discovery interface consumed by the step runner.
type Router interface {
	// ClusterEndpoints returns, for each of the given zones which has routed
	// endpoints for the application, the endpoint URL per cluster.
	ClusterEndpoints(
		ctx context.Context, id deployment.ApplicationID, zones []deployment.ZoneID,
	) (map[deployment.ZoneID]map[string]string, error)

	// Endpoints returns the routed endpoints of one deployment.
	Endpoints(ctx context.Context, id deployment.DeploymentID) ([]Endpoint, error)
}
