package configserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/sirupsen/logrus"
)

const clientTimeout = 60 * time.Second

// Compile-time interface check.
var _ ConfigServer = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	baseURL string
	http    *http.Client
}

// NewClient creates a ConfigServer talking to the given base URL.
func NewClient(log logrus.FieldLogger, baseURL string) ConfigServer {
	return &client{
		log:     log.WithField("component", "configserver"),
		baseURL: baseURL,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

func deploymentPath(id deployment.DeploymentID) string {
	return fmt.Sprintf("/application/v2/tenant/%s/application/%s/instance/%s/environment/%s/region/%s",
		url.PathEscape(id.Application.Tenant),
		url.PathEscape(id.Application.Application),
		url.PathEscape(id.Application.Instance),
		url.PathEscape(string(id.Zone.Environment)),
		url.PathEscape(id.Zone.Region))
}

func (c *client) Deploy(
	ctx context.Context, id deployment.DeploymentID, pkg []byte, opts DeployOptions,
) (*PrepareResponse, error) {
	query := url.Values{}
	if opts.DeployDirectly {
		query.Set("deployDirectly", "true")
	}

	if opts.Platform != "" {
		query.Set("vespaVersion", opts.Platform)
	}

	if opts.SetTheStage {
		query.Set("setTheStage", "true")
	}

	var response PrepareResponse
	if err := c.do(ctx, http.MethodPost, deploymentPath(id)+"/deploy?"+query.Encode(),
		bytes.NewReader(pkg), "application/zip", &response); err != nil {
		return nil, err
	}

	return &response, nil
}

func (c *client) GetDeployment(
	ctx context.Context, id deployment.DeploymentID,
) (*Deployment, error) {
	var response Deployment

	err := c.do(ctx, http.MethodGet, deploymentPath(id), nil, "", &response)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}

		return nil, err
	}

	return &response, nil
}

func (c *client) Deactivate(ctx context.Context, id deployment.DeploymentID) error {
	return c.do(ctx, http.MethodDelete, deploymentPath(id), nil, "", nil)
}

func (c *client) ListNodes(
	ctx context.Context, id deployment.DeploymentID,
) ([]Node, error) {
	var response struct {
		Nodes []Node `json:"nodes"`
	}

	path := deploymentPath(id) + "/nodes?state=active,reserved"
	if err := c.do(ctx, http.MethodGet, path, nil, "", &response); err != nil {
		return nil, err
	}

	return response.Nodes, nil
}

func (c *client) ServiceConvergence(
	ctx context.Context, id deployment.DeploymentID, platform string,
) (*ServiceConvergence, error) {
	var response ServiceConvergence

	path := deploymentPath(id) + "/serviceconverge?vespaVersion=" + url.QueryEscape(platform)

	err := c.do(ctx, http.MethodGet, path, nil, "", &response)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}

		return nil, err
	}

	return &response, nil
}

func (c *client) Restart(
	ctx context.Context, id deployment.DeploymentID, hostname string,
) error {
	path := deploymentPath(id) + "/restart?hostname=" + url.QueryEscape(hostname)

	return c.do(ctx, http.MethodPost, path, nil, "", nil)
}

func (c *client) GetLogs(
	ctx context.Context, id deployment.DeploymentID,
) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+deploymentPath(id)+"/logs", nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching logs of %s: %w", id, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, responseError(resp)
	}

	return resp.Body, nil
}

func (c *client) ContentClusters(
	ctx context.Context, id deployment.DeploymentID,
) ([]string, error) {
	var response struct {
		Clusters []string `json:"clusters"`
	}

	path := deploymentPath(id) + "/content/clusters"
	if err := c.do(ctx, http.MethodGet, path, nil, "", &response); err != nil {
		return nil, err
	}

	return response.Clusters, nil
}

func (c *client) do(
	ctx context.Context, method, path string, body io.Reader, contentType string, out any,
) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response of %s %s: %w", method, path, err)
	}

	return nil
}

// responseError converts a non-2xx response into an Error carrying the config
// server's error code, when the body holds one.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body struct {
		Code    ErrorCode `json:"error-code"`
		Message string    `json:"message"`
	}

	if err := json.Unmarshal(data, &body); err == nil && body.Code != "" {
		return &Error{Code: body.Code, Message: body.Message}
	}

	return &Error{
		Code:    InternalServerError,
		Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(data)),
	}
}
