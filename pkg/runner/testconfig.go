package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hostedops/deployoor/pkg/deployment"
)

// testConfig serialises the configuration handed to the tester when tests
// start: the tested application, its zone and system, the per-cluster
// endpoints of every tested zone, and the content clusters per zone.
func (r *stepRunner) testConfig(
	ctx context.Context,
	id deployment.RunID,
	zones []deployment.ZoneID,
	endpoints map[deployment.ZoneID]map[string]string,
) ([]byte, error) {
	zoneEndpoints := make(map[string]map[string]string, len(endpoints))
	for zone, clusters := range endpoints {
		zoneEndpoints[zone.String()] = clusters
	}

	clusters := make(map[string][]string, len(zones))

	for _, zone := range zones {
		names, err := r.c.ConfigServer.ContentClusters(ctx, deployment.DeploymentID{
			Application: id.Application,
			Zone:        zone,
		})
		if err != nil {
			return nil, fmt.Errorf("listing content clusters in %s: %w", zone, err)
		}

		clusters[zone.String()] = names
	}

	config := map[string]any{
		"application":   id.Application.String(),
		"zone":          id.Type.Zone(r.c.System).String(),
		"system":        string(r.c.System),
		"zoneEndpoints": zoneEndpoints,
		"clusters":      clusters,
	}

	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("serialising test config: %w", err)
	}

	return data, nil
}
