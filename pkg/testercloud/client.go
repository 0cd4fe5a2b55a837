package testercloud

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

const clientTimeout = 30 * time.Second

// Compile-time interface check.
var _ TesterCloud = (*client)(nil)

type client struct {
	log  logrus.FieldLogger
	http *http.Client
}

// NewClient creates a TesterCloud over HTTP.
func NewClient(log logrus.FieldLogger) TesterCloud {
	return &client{
		log:  log.WithField("component", "testercloud"),
		http: &http.Client{Timeout: clientTimeout},
	}
}

func (c *client) Ready(ctx context.Context, endpoint string) (bool, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, endpoint+"/tester/v1/status", nil,
	)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil // Not reachable yet.
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

func (c *client) StartTests(
	ctx context.Context, endpoint string, suite Suite, config []byte,
) error {
	target := endpoint + "/tester/v1/run/" + url.PathEscape(string(suite))

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, target, bytes.NewReader(config),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("starting %s tests: %w", suite, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return fmt.Errorf("starting %s tests: status %d: %s", suite, resp.StatusCode, body)
	}

	return nil
}

func (c *client) GetStatus(ctx context.Context, endpoint string) (Status, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, endpoint+"/tester/v1/status", nil,
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("getting tester status: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("reading tester status: %w", err)
	}

	switch status := Status(bytes.TrimSpace(data)); status {
	case StatusNotStarted, StatusRunning, StatusSuccess, StatusFailure, StatusError:
		return status, nil
	default:
		return "", fmt.Errorf("unknown tester status %q", status)
	}
}

func (c *client) GetLog(
	ctx context.Context, endpoint string, after int64,
) ([]deployment.LogEntry, error) {
	target := fmt.Sprintf("%s/tester/v1/log?after=%d", endpoint, after)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getting tester log: %w", err)
	}
	defer resp.Body.Close()

	var response struct {
		Entries []deployment.LogEntry `json:"logRecords"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decoding tester log: %w", err)
	}

	return response.Entries, nil
}
