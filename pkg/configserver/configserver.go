// Package configserver talks to the config server, which physically deploys
// and monitors applications and their nodes.
package configserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hostedops/deployoor/pkg/deployment"
)

// ErrorCode classifies config server failures which callers branch on.
type ErrorCode string

const (
	OutOfCapacity             ErrorCode = "OUT_OF_CAPACITY"
	ActivationConflict        ErrorCode = "ACTIVATION_CONFLICT"
	ApplicationLockFailure    ErrorCode = "APPLICATION_LOCK_FAILURE"
	ParentHostNotReady        ErrorCode = "PARENT_HOST_NOT_READY"
	CertificateNotReady       ErrorCode = "CERTIFICATE_NOT_READY"
	LoadBalancerNotReady      ErrorCode = "LOAD_BALANCER_NOT_READY"
	InvalidApplicationPackage ErrorCode = "INVALID_APPLICATION_PACKAGE"
	BadRequest                ErrorCode = "BAD_REQUEST"
	InternalServerError       ErrorCode = "INTERNAL_SERVER_ERROR"
)

// Error is a config server failure with a well-known code.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config server: %s: %s", e.Code, e.Message)
}

// CodeOf extracts the config server error code from err, if it carries one.
func CodeOf(err error) (ErrorCode, bool) {
	var cse *Error
	if errors.As(err, &cse) {
		return cse.Code, true
	}

	return "", false
}

// ErrNotFound is returned for operations on deployments which do not exist.
var ErrNotFound = errors.New("deployment not found")

// DeployOptions modify a deployment request.
type DeployOptions struct {
	// DeployDirectly bypasses the deployment orchestration of the config
	// server; used for tester containers.
	DeployDirectly bool

	// Platform pins the platform version; empty means the zone default.
	Platform string

	// SetTheStage marks the initial deployment of a staging pair.
	SetTheStage bool
}

// LogMessage is one free-form line of a prepare response log.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ServiceInfo names one service on one host.
type ServiceInfo struct {
	ServiceName string `json:"serviceName"`
	ServiceType string `json:"serviceType"`
	HostName    string `json:"hostName"`
}

// RestartAction asks for a restart of the named services.
type RestartAction struct {
	ClusterName string        `json:"clusterName"`
	Services    []ServiceInfo `json:"services"`
	Messages    []string      `json:"messages"`
}

// RefeedAction flags a change which requires re-feeding documents.
type RefeedAction struct {
	Name     string   `json:"name"`
	Allowed  bool     `json:"allowed"`
	Messages []string `json:"messages"`
}

// ConfigChangeActions lists the actions a prepared deployment requires.
type ConfigChangeActions struct {
	RestartActions []RestartAction `json:"restartActions"`
	RefeedActions  []RefeedAction  `json:"refeedActions"`
}

// PrepareResponse is the config server's answer to a deployment request.
type PrepareResponse struct {
	Message             string              `json:"message"`
	Log                 []LogMessage        `json:"log"`
	ConfigChangeActions ConfigChangeActions `json:"configChangeActions"`
}

// Node is one allocated node of a deployment.
type Node struct {
	Hostname                string `json:"hostname"`
	State                   string `json:"state"`
	CurrentVersion          string `json:"currentVersion"`
	WantedVersion           string `json:"wantedVersion"`
	RestartGeneration       int64  `json:"restartGeneration"`
	WantedRestartGeneration int64  `json:"wantedRestartGeneration"`
	RebootGeneration        int64  `json:"rebootGeneration"`
	WantedRebootGeneration  int64  `json:"wantedRebootGeneration"`
	ServiceState            string `json:"serviceState"`
}

// ServiceStatus is the config convergence state of one service.
type ServiceStatus struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Type              string `json:"type"`
	CurrentGeneration int64  `json:"currentGeneration"`
}

// ServiceConvergence is the config convergence report of a deployment.
type ServiceConvergence struct {
	WantedGeneration int64           `json:"wantedGeneration"`
	Converged        bool            `json:"converged"`
	Services         []ServiceStatus `json:"services"`
}

// Deployment describes an existing deployment.
type Deployment struct {
	ID       deployment.DeploymentID `json:"id"`
	At       time.Time               `json:"at"`
	Platform string                  `json:"platform"`
}

// ConfigServer is the deployment interface consumed by the step runner.
type ConfigServer interface {
	// Deploy submits an application package for deployment.
	Deploy(ctx context.Context, id deployment.DeploymentID, pkg []byte, opts DeployOptions) (*PrepareResponse, error)

	// GetDeployment returns the deployment with the given id, or (nil, nil)
	// when none exists.
	GetDeployment(ctx context.Context, id deployment.DeploymentID) (*Deployment, error)

	// Deactivate removes a deployment. Returns ErrNotFound when it is
	// already gone.
	Deactivate(ctx context.Context, id deployment.DeploymentID) error

	// ListNodes returns the active and reserved nodes of a deployment.
	ListNodes(ctx context.Context, id deployment.DeploymentID) ([]Node, error)

	// ServiceConvergence returns the config convergence report at the wanted
	// platform, or (nil, nil) when the report is not currently available.
	ServiceConvergence(ctx context.Context, id deployment.DeploymentID, platform string) (*ServiceConvergence, error)

	// Restart restarts the services on the named host of a deployment.
	Restart(ctx context.Context, id deployment.DeploymentID, hostname string) error

	// GetLogs streams the raw Vespa log of a deployment.
	GetLogs(ctx context.Context, id deployment.DeploymentID) (io.ReadCloser, error)

	// ContentClusters lists the content clusters of a deployment.
	ContentClusters(ctx context.Context, id deployment.DeploymentID) ([]string, error)
}
