package deployment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSnapshotDeserialises(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "run-snapshot.json"))
	require.NoError(t, err)

	var run Run
	require.NoError(t, json.Unmarshal(data, &run))

	assert.Equal(t, RunID{
		Application: NewApplicationID("tenant", "real"),
		Type:        StagingTest,
		Number:      1,
	}, run.ID())

	assert.Equal(t, StatusRunning, run.Status())
	assert.False(t, run.HasEnded())
	assert.EqualValues(t, 3, run.LastTestLogEntry())

	require.Len(t, run.Steps(), 12)

	expected := map[Step]StepStatus{
		StepDeployTester:       StepSucceeded,
		StepDeployInitialReal:  StepSucceeded,
		StepInstallInitialReal: StepSucceeded,
		StepDeployReal:         StepSucceeded,
		StepInstallTester:      StepSucceeded,
		StepInstallReal:        StepFailed,
		StepStartTests:         StepUnfinished,
		StepEndTests:           StepUnfinished,
		StepCopyVespaLogs:      StepUnfinished,
		StepDeactivateReal:     StepUnfinished,
		StepDeactivateTester:   StepUnfinished,
		StepReport:             StepUnfinished,
	}
	assert.Equal(t, expected, run.Steps())

	versions := run.Versions()
	assert.Equal(t, "1.2.3", versions.TargetPlatform)
	assert.EqualValues(t, 321, versions.TargetApplication.BuildNumber)
	assert.Equal(t, "a@b", versions.TargetApplication.AuthorEmail)
	require.NotNil(t, versions.SourcePlatform)
	assert.Equal(t, "1.2.2", *versions.SourcePlatform)
	require.NotNil(t, versions.SourceApplication)
	assert.EqualValues(t, 320, versions.SourceApplication.BuildNumber)

	certificate := run.TesterCertificate()
	require.NotNil(t, certificate)
	assert.Equal(t, "tenant.real.default-t.systemTest.1", certificate.Subject.CommonName)
}

func TestRunSnapshotRoundTripsAfterMutation(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "run-snapshot.json"))
	require.NoError(t, err)

	var run Run
	require.NoError(t, json.Unmarshal(data, &run))

	run = run.WithLastTestLogEntry(7)

	serialised, err := json.Marshal(run)
	require.NoError(t, err)

	var restored Run
	require.NoError(t, json.Unmarshal(serialised, &restored))

	assert.Equal(t, run.ID(), restored.ID())
	assert.Equal(t, run.Status(), restored.Status())
	assert.Equal(t, run.Steps(), restored.Steps())
	assert.Equal(t, run.Versions(), restored.Versions())
	assert.EqualValues(t, 7, restored.LastTestLogEntry())
	require.NotNil(t, restored.TesterCertificate())
	assert.Equal(t, run.TesterCertificate().Raw, restored.TesterCertificate().Raw)
	assert.True(t, run.Start().Equal(restored.Start()))
	assert.Nil(t, restored.End())
}

func TestRunRoundTripsEveryField(t *testing.T) {
	run := newTestRun(t, SystemTest)
	run = mustWith(t, run, StatusRunning, StepDeployTester)
	run = mustWith(t, run, StatusError, StepDeployReal)
	run = run.WithLastTestLogEntry(42)

	end := testStart.Add(time.Hour)

	finished, err := run.Finished(end)
	require.NoError(t, err)

	serialised, err := json.Marshal(finished)
	require.NoError(t, err)

	var restored Run
	require.NoError(t, json.Unmarshal(serialised, &restored))

	assert.Equal(t, finished.ID(), restored.ID())
	assert.Equal(t, finished.Status(), restored.Status())
	assert.Equal(t, finished.Steps(), restored.Steps())
	assert.Equal(t, finished.Versions(), restored.Versions())
	assert.True(t, restored.Start().Equal(finished.Start()))
	assert.Nil(t, restored.TesterCertificate())
	assert.EqualValues(t, 42, restored.LastTestLogEntry())
	require.NotNil(t, restored.End())
	assert.True(t, restored.End().Equal(end))
	assert.True(t, restored.HasEnded())
}
