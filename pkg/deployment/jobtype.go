package deployment

import "fmt"

// JobType names a deployment-and-test activity bound to a zone.
type JobType string

const (
	SystemTest            JobType = "systemTest"
	StagingTest           JobType = "stagingTest"
	ProductionUsEast3     JobType = "productionUsEast3"
	ProductionUsWest1     JobType = "productionUsWest1"
	ProductionApNortheast JobType = "productionApNortheast1"
	DevUsEast1            JobType = "devUsEast1"
	PerfUsWest1           JobType = "perfUsWest1"
)

// JobTypes lists all job types, in presentation order.
var JobTypes = []JobType{
	SystemTest,
	StagingTest,
	ProductionUsEast3,
	ProductionUsWest1,
	ProductionApNortheast,
	DevUsEast1,
	PerfUsWest1,
}

var jobZones = map[JobType]ZoneID{
	SystemTest:            {Environment: EnvironmentTest, Region: "us-east-1"},
	StagingTest:           {Environment: EnvironmentStaging, Region: "us-east-3"},
	ProductionUsEast3:     {Environment: EnvironmentProd, Region: "us-east-3"},
	ProductionUsWest1:     {Environment: EnvironmentProd, Region: "us-west-1"},
	ProductionApNortheast: {Environment: EnvironmentProd, Region: "ap-northeast-1"},
	DevUsEast1:            {Environment: EnvironmentDev, Region: "us-east-1"},
	PerfUsWest1:           {Environment: EnvironmentPerf, Region: "us-west-1"},
}

// ParseJobType returns the job type with the given name.
func ParseJobType(s string) (JobType, error) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, nil
		}
	}

	return "", fmt.Errorf("unknown job type %q", s)
}

// Zone returns the zone this job type deploys to. The zone is the same in
// every system today, but callers pass the system so this can diverge.
func (t JobType) Zone(_ System) ZoneID {
	return jobZones[t]
}

// Environment returns the environment of this job type's zone.
func (t JobType) Environment() Environment {
	return jobZones[t].Environment
}

// IsTest reports whether this job runs tests against its deployment.
func (t JobType) IsTest() bool {
	return t.Environment().IsTest()
}

// IsProduction reports whether this job deploys to a production zone.
func (t JobType) IsProduction() bool {
	return t.Environment() == EnvironmentProd
}

func (t JobType) String() string {
	return string(t)
}
