// Package artifact stores application and test packages, keyed by application
// version or, for manual deployments, by zone.
package artifact

import (
	"context"
	"errors"

	"github.com/hostedops/deployoor/pkg/deployment"
)

// ErrNotFound is returned when no package exists under the requested key.
var ErrNotFound = errors.New("package not found")

// Store holds application packages.
type Store interface {
	// Put stores the application package of a version.
	Put(ctx context.Context, id deployment.ApplicationID, version deployment.ApplicationVersion, pkg []byte) error

	// PutTester stores the test package of a version.
	PutTester(ctx context.Context, id deployment.TesterID, version deployment.ApplicationVersion, pkg []byte) error

	// Get returns the application package of a version.
	Get(ctx context.Context, id deployment.ApplicationID, version deployment.ApplicationVersion) ([]byte, error)

	// GetTester returns the test package of a version.
	GetTester(ctx context.Context, id deployment.TesterID, version deployment.ApplicationVersion) ([]byte, error)

	// PutDev stores the package of a manual deployment to the given zone.
	PutDev(ctx context.Context, id deployment.ApplicationID, zone deployment.ZoneID, pkg []byte) error

	// GetDev returns the package of a manual deployment to the given zone.
	GetDev(ctx context.Context, id deployment.ApplicationID, zone deployment.ZoneID) ([]byte, error)

	// Prune removes packages of builds older than the given version.
	Prune(ctx context.Context, id deployment.ApplicationID, oldestKept deployment.ApplicationVersion) error

	// Delete removes every package of the application.
	Delete(ctx context.Context, id deployment.ApplicationID) error
}

func versionKey(app deployment.ApplicationID, version deployment.ApplicationVersion) string {
	return app.String() + "/builds/" + version.ID() + ".zip"
}

func testerKey(id deployment.TesterID, version deployment.ApplicationVersion) string {
	return id.ID.String() + "/tests/" + version.ID() + ".zip"
}

func devKey(app deployment.ApplicationID, zone deployment.ZoneID) string {
	return app.String() + "/dev/" + zone.String() + ".zip"
}
