package deployment

import "time"

// ApplicationPackage is a submitted application package, with the build
// metadata its manifest declares.
type ApplicationPackage struct {
	Content        []byte
	CompileVersion string
	BuildTime      *time.Time
}
