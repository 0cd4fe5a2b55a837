// Package registry tracks the applications known to the controller: their
// project binding, build numbers, notification preferences, and production
// deployments.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// ErrNotRegistered is returned for operations on unknown applications.
var ErrNotRegistered = errors.New("application is not registered")

// When selects which notification preference applies.
type When string

const (
	// WhenFailing applies to any failing run.
	WhenFailing When = "failing"

	// WhenFailingCommit applies when a newly submitted commit is failing.
	WhenFailingCommit When = "failingCommit"
)

// Role names an implicit recipient of notifications.
type Role string

// RoleAuthor resolves to the author of the failing application version.
const RoleAuthor Role = "author"

// Notifications is an application's notification preferences.
type Notifications struct {
	Emails map[When][]string `json:"emails,omitempty"`
	Roles  map[When][]Role   `json:"roles,omitempty"`
}

// EmailsFor returns the configured addresses for the given trigger.
func (n Notifications) EmailsFor(when When) []string {
	return n.Emails[when]
}

// RolesFor returns the configured roles for the given trigger.
func (n Notifications) RolesFor(when When) []Role {
	return n.Roles[when]
}

// Application is the registry record of one application.
type Application struct {
	ID                 deployment.ApplicationID `json:"id"`
	ProjectID          int64                    `json:"projectId"`
	DeployedInternally bool                     `json:"deployedInternally"`
	LatestBuild        int64                    `json:"latestBuild"`
	Notifications      Notifications            `json:"notifications"`

	// ProductionDeployments maps zone names to the deployed version.
	ProductionDeployments map[string]deployment.ApplicationVersion `json:"productionDeployments,omitempty"`

	// ChangeApplication is the application version currently rolling out.
	ChangeApplication *deployment.ApplicationVersion `json:"changeApplication,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// OldestProductionDeployment returns the production deployment with the
// lowest build number, if any.
func (a *Application) OldestProductionDeployment() *deployment.ApplicationVersion {
	var oldest *deployment.ApplicationVersion

	for zone := range a.ProductionDeployments {
		version := a.ProductionDeployments[zone]
		if oldest == nil || version.BuildNumber < oldest.BuildNumber {
			oldest = &version
		}
	}

	return oldest
}

// Registry is the application registry.
type Registry interface {
	// Create registers a new application.
	Create(ctx context.Context, id deployment.ApplicationID, projectID int64) error

	// Get returns the application record, or (nil, nil) when unknown.
	Get(ctx context.Context, id deployment.ApplicationID) (*Application, error)

	// Require returns the application record, or ErrNotRegistered.
	Require(ctx context.Context, id deployment.ApplicationID) (*Application, error)

	// List returns all registered applications, ordered by id.
	List(ctx context.Context) ([]Application, error)

	// LockedUpdate applies fn to the application record under its lock and
	// persists the result. fn runs only when the application exists.
	LockedUpdate(ctx context.Context, id deployment.ApplicationID, fn func(*Application) error) error

	// Delete removes the application record.
	Delete(ctx context.Context, id deployment.ApplicationID) error
}

// Compile-time interface check.
var _ Registry = (*registry)(nil)

const (
	indexKey    = "registry/applications"
	lockTimeout = 10 * time.Second
)

type registry struct {
	log logrus.FieldLogger
	db  store.Store
}

// New creates a Registry persisting through the given durable store.
func New(log logrus.FieldLogger, db store.Store) Registry {
	return &registry{
		log: log.WithField("component", "registry"),
		db:  db,
	}
}

func applicationKey(id deployment.ApplicationID) string {
	return "registry/application/" + id.String()
}

func (r *registry) Create(
	ctx context.Context, id deployment.ApplicationID, projectID int64,
) error {
	lease, err := r.db.Lock(store.ApplicationLockKey(id), lockTimeout)
	if err != nil {
		return fmt.Errorf("locking %s: %w", id, err)
	}
	defer lease.Release()

	existing, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	if existing != nil {
		return fmt.Errorf("%s is already registered", id)
	}

	app := Application{
		ID:        id,
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
	}

	if err := r.write(ctx, &app); err != nil {
		return err
	}

	if err := r.addToIndex(ctx, id); err != nil {
		return err
	}

	r.log.WithField("application", id.String()).Info("Application registered")

	return nil
}

func (r *registry) Get(
	ctx context.Context, id deployment.ApplicationID,
) (*Application, error) {
	data, err := r.db.ReadDocument(ctx, applicationKey(id))
	if err != nil {
		return nil, fmt.Errorf("reading application %s: %w", id, err)
	}

	if data == nil {
		return nil, nil
	}

	var app Application
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("parsing application %s: %w", id, err)
	}

	return &app, nil
}

func (r *registry) Require(
	ctx context.Context, id deployment.ApplicationID,
) (*Application, error) {
	app, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if app == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}

	return app, nil
}

func (r *registry) List(ctx context.Context) ([]Application, error) {
	ids, err := r.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	apps := make([]Application, 0, len(ids))

	for _, raw := range ids {
		id, err := deployment.ParseApplicationID(raw)
		if err != nil {
			return nil, fmt.Errorf("listing applications: %w", err)
		}

		app, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if app != nil {
			apps = append(apps, *app)
		}
	}

	return apps, nil
}

func (r *registry) LockedUpdate(
	ctx context.Context, id deployment.ApplicationID, fn func(*Application) error,
) error {
	lease, err := r.db.Lock(store.ApplicationLockKey(id), lockTimeout)
	if err != nil {
		return fmt.Errorf("locking %s: %w", id, err)
	}
	defer lease.Release()

	app, err := r.Require(ctx, id)
	if err != nil {
		return err
	}

	if err := fn(app); err != nil {
		return err
	}

	return r.write(ctx, app)
}

func (r *registry) Delete(ctx context.Context, id deployment.ApplicationID) error {
	lease, err := r.db.Lock(store.ApplicationLockKey(id), lockTimeout)
	if err != nil {
		return fmt.Errorf("locking %s: %w", id, err)
	}
	defer lease.Release()

	if err := r.db.DeleteDocument(ctx, applicationKey(id)); err != nil {
		return fmt.Errorf("deleting application %s: %w", id, err)
	}

	return r.removeFromIndex(ctx, id)
}

func (r *registry) write(ctx context.Context, app *Application) error {
	data, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("serialising application %s: %w", app.ID, err)
	}

	if err := r.db.WriteDocument(ctx, applicationKey(app.ID), data); err != nil {
		return fmt.Errorf("writing application %s: %w", app.ID, err)
	}

	return nil
}

func (r *registry) readIndex(ctx context.Context) ([]string, error) {
	data, err := r.db.ReadDocument(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("reading application index: %w", err)
	}

	if data == nil {
		return nil, nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parsing application index: %w", err)
	}

	sort.Strings(ids)

	return ids, nil
}

func (r *registry) writeIndex(ctx context.Context, ids []string) error {
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("serialising application index: %w", err)
	}

	if err := r.db.WriteDocument(ctx, indexKey, data); err != nil {
		return fmt.Errorf("writing application index: %w", err)
	}

	return nil
}

func (r *registry) addToIndex(ctx context.Context, id deployment.ApplicationID) error {
	ids, err := r.readIndex(ctx)
	if err != nil {
		return err
	}

	for _, existing := range ids {
		if existing == id.String() {
			return nil
		}
	}

	return r.writeIndex(ctx, append(ids, id.String()))
}

func (r *registry) removeFromIndex(ctx context.Context, id deployment.ApplicationID) error {
	ids, err := r.readIndex(ctx)
	if err != nil {
		return err
	}

	kept := ids[:0]

	for _, existing := range ids {
		if existing != id.String() {
			kept = append(kept, existing)
		}
	}

	return r.writeIndex(ctx, kept)
}
