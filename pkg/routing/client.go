package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/sirupsen/logrus"
)

const clientTimeout = 30 * time.Second

// Compile-time interface check.
var _ Router = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	baseURL string
	http    *http.Client
}

// NewClient creates a Router talking to the given base URL.
func NewClient(log logrus.FieldLogger, baseURL string) Router {
	return &client{
		log:     log.WithField("component", "routing"),
		baseURL: baseURL,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

func (c *client) ClusterEndpoints(
	ctx context.Context, id deployment.ApplicationID, zones []deployment.ZoneID,
) (map[deployment.ZoneID]map[string]string, error) {
	endpoints := make(map[deployment.ZoneID]map[string]string, len(zones))

	for _, zone := range zones {
		zoneEndpoints, err := c.Endpoints(ctx, deployment.DeploymentID{Application: id, Zone: zone})
		if err != nil {
			return nil, err
		}

		if len(zoneEndpoints) == 0 {
			continue
		}

		clusters := make(map[string]string, len(zoneEndpoints))

		for _, endpoint := range zoneEndpoints {
			cluster := endpoint.Cluster
			if cluster == "" {
				cluster = "default"
			}

			clusters[cluster] = endpoint.URL
		}

		endpoints[zone] = clusters
	}

	return endpoints, nil
}

func (c *client) Endpoints(
	ctx context.Context, id deployment.DeploymentID,
) ([]Endpoint, error) {
	target := fmt.Sprintf("%s/routing/v1/endpoints/%s/%s/%s/%s/%s",
		c.baseURL,
		url.PathEscape(id.Application.Tenant),
		url.PathEscape(id.Application.Application),
		url.PathEscape(id.Application.Instance),
		url.PathEscape(string(id.Zone.Environment)),
		url.PathEscape(id.Zone.Region))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing endpoints of %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing endpoints of %s: status %d", id, resp.StatusCode)
	}

	var response struct {
		Endpoints []Endpoint `json:"endpoints"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decoding endpoints of %s: %w", id, err)
	}

	return response.Endpoints, nil
}
