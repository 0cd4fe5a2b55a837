package deployment

import (
	"fmt"
	"strings"
	"time"
)

// ApplicationID identifies a tenant application instance hosted on the platform.
type ApplicationID struct {
	Tenant      string `json:"tenant"`
	Application string `json:"application"`
	Instance    string `json:"instance"`
}

// NewApplicationID creates an ApplicationID with the default instance.
func NewApplicationID(tenant, application string) ApplicationID {
	return ApplicationID{Tenant: tenant, Application: application, Instance: "default"}
}

// ParseApplicationID parses "tenant.application.instance", or
// "tenant.application" with the default instance.
func ParseApplicationID(s string) (ApplicationID, error) {
	parts := strings.Split(s, ".")

	switch len(parts) {
	case 2:
		return NewApplicationID(parts[0], parts[1]), nil
	case 3:
		return ApplicationID{Tenant: parts[0], Application: parts[1], Instance: parts[2]}, nil
	default:
		return ApplicationID{}, fmt.Errorf("invalid application id %q", s)
	}
}

func (id ApplicationID) String() string {
	return id.Tenant + "." + id.Application + "." + id.Instance
}

// Tester returns the tester identity for this application.
func (id ApplicationID) Tester() TesterID {
	return TesterID{ApplicationID{
		Tenant:      id.Tenant,
		Application: id.Application,
		Instance:    id.Instance + "-t",
	}}
}

// TesterID is the identity under which the tester container of an application
// is deployed. Tester IDs are derived from the real application and must not
// be used as regular application IDs.
type TesterID struct {
	ID ApplicationID `json:"id"`
}

// FullForm returns the dotted form of the tester identity.
func (t TesterID) FullForm() string {
	return t.ID.String()
}

// SourceRevision points at the source submitted for an application build.
type SourceRevision struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	Commit     string `json:"commit"`
}

// ApplicationVersion identifies one submitted build of an application package.
type ApplicationVersion struct {
	Source         *SourceRevision `json:"source,omitempty"`
	BuildNumber    int64           `json:"buildNumber,omitempty"`
	AuthorEmail    string          `json:"authorEmail,omitempty"`
	CompileVersion string          `json:"compileVersion,omitempty"`
	BuildTime      *time.Time      `json:"buildTime,omitempty"`
}

// UnknownVersion is the application version used where no build is referenced,
// such as for manual dev deployments.
var UnknownVersion = ApplicationVersion{}

// NewApplicationVersion creates a version from a source revision and build number.
func NewApplicationVersion(source SourceRevision, buildNumber int64) ApplicationVersion {
	return ApplicationVersion{Source: &source, BuildNumber: buildNumber}
}

// IsUnknown reports whether this is the unknown version.
func (v ApplicationVersion) IsUnknown() bool {
	return v.Source == nil && v.BuildNumber == 0
}

// ID returns a stable identifier for this version, used as an artifact key.
func (v ApplicationVersion) ID() string {
	if v.IsUnknown() {
		return "unknown"
	}

	return fmt.Sprintf("%s-%d", v.Source.Commit, v.BuildNumber)
}

func (v ApplicationVersion) String() string {
	return v.ID()
}

// Versions pins the platform and application versions of a run. Targets are
// fixed at start; sources are set only when staging an upgrade, in which case
// the initial deployment uses the source pair.
type Versions struct {
	TargetPlatform    string              `json:"targetPlatform"`
	TargetApplication ApplicationVersion  `json:"targetApplication"`
	SourcePlatform    *string             `json:"sourcePlatform,omitempty"`
	SourceApplication *ApplicationVersion `json:"sourceApplication,omitempty"`
}

// SourcePlatformOrTarget returns the source platform when staging, and the
// target platform otherwise.
func (v Versions) SourcePlatformOrTarget() string {
	if v.SourcePlatform != nil {
		return *v.SourcePlatform
	}

	return v.TargetPlatform
}

// SourceApplicationOrTarget returns the source application version when
// staging, and the target otherwise.
func (v Versions) SourceApplicationOrTarget() ApplicationVersion {
	if v.SourceApplication != nil {
		return *v.SourceApplication
	}

	return v.TargetApplication
}
