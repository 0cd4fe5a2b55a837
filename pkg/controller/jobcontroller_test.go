package controller

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/hostedops/deployoor/pkg/artifact"
	"github.com/hostedops/deployoor/pkg/clock"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/logstore"
	"github.com/hostedops/deployoor/pkg/registry"
	"github.com/hostedops/deployoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testApp   = deployment.NewApplicationID("tenant", "real")
	testStart = time.Date(2025, 11, 2, 12, 0, 0, 0, time.UTC)

	testVersions = deployment.Versions{
		TargetPlatform: "1.2.3",
		TargetApplication: deployment.NewApplicationVersion(
			deployment.SourceRevision{Repository: "repo", Branch: "branch", Commit: "bada55"}, 321,
		),
	}
)

type fixture struct {
	jobs    *JobController
	clock   *clock.Manual
	config  *fakeConfigServer
	cloud   *fakeTesterCloud
	router  *fakeRouter
	trigger *recordingTrigger
}

type recordingTrigger struct {
	NopTrigger
	completions []deployment.RunID
}

func (t *recordingTrigger) NotifyOfCompletion(_ context.Context, id deployment.RunID, _ bool) {
	t.completions = append(t.completions, id)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	db := store.NewMemory(log)
	manual := clock.NewManual(testStart)
	config := newFakeConfigServer()
	cloud := newFakeTesterCloud()
	router := &fakeRouter{}
	trigger := &recordingTrigger{}

	bundle := &Controller{
		Log:          log,
		Clock:        manual,
		Store:        db,
		Logs:         logstore.New(log, db),
		Artifacts:    artifact.NewLocal(log, t.TempDir()),
		ConfigServer: config,
		TesterCloud:  cloud,
		Router:       router,
		Registry:     registry.New(log, db),
		Trigger:      trigger,
		System:       deployment.SystemMain,
		LockTimeout:  time.Second,
	}

	return &fixture{
		jobs:    NewJobController(bundle),
		clock:   manual,
		config:  config,
		cloud:   cloud,
		router:  router,
		trigger: trigger,
	}
}

func (f *fixture) createAndSubmit(t *testing.T) deployment.ApplicationVersion {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, f.jobs.Controller().Registry.Create(ctx, testApp, 1))

	version, err := f.jobs.Submit(
		ctx,
		testApp,
		deployment.SourceRevision{Repository: "repo", Branch: "branch", Commit: "bada55"},
		"a@b",
		2,
		deployment.ApplicationPackage{Content: []byte("app package")},
		[]byte("test package"),
	)
	require.NoError(t, err)

	return version
}

func TestSubmitAssignsIncreasingBuildNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	version := f.createAndSubmit(t)
	assert.EqualValues(t, 1, version.BuildNumber)
	assert.Equal(t, "a@b", version.AuthorEmail)

	second, err := f.jobs.Submit(ctx, testApp,
		deployment.SourceRevision{Repository: "repo", Branch: "branch", Commit: "f00d"},
		"a@b", 2, deployment.ApplicationPackage{Content: []byte("v2")}, []byte("t2"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.BuildNumber)

	// Both packages are retrievable.
	pkg, err := f.jobs.Controller().Artifacts.Get(ctx, testApp, version)
	require.NoError(t, err)
	assert.Equal(t, []byte("app package"), pkg)

	testPkg, err := f.jobs.Controller().Artifacts.GetTester(ctx, testApp.Tester(), second)
	require.NoError(t, err)
	assert.Equal(t, []byte("t2"), testPkg)
}

func TestSubmitRequiresRegisteredApplication(t *testing.T) {
	f := newFixture(t)

	_, err := f.jobs.Submit(context.Background(), testApp,
		deployment.SourceRevision{}, "", 0, deployment.ApplicationPackage{}, nil)
	assert.ErrorIs(t, err, registry.ErrNotRegistered)
}

func TestStartRejectsSecondRunOfSameJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)

	require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))

	err := f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// A different job type is fine.
	require.NoError(t, f.jobs.Start(ctx, testApp, deployment.StagingTest, testVersions))

	last, err := f.jobs.Last(ctx, testApp, deployment.SystemTest)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.EqualValues(t, 1, last.ID().Number)
	assert.False(t, last.HasEnded())
}

func TestStartRejectsUnknownTargetApplication(t *testing.T) {
	f := newFixture(t)
	f.createAndSubmit(t)

	err := f.jobs.Start(context.Background(), testApp, deployment.SystemTest, deployment.Versions{
		TargetPlatform:    "1.2.3",
		TargetApplication: deployment.UnknownVersion,
	})
	assert.ErrorIs(t, err, ErrInvalidVersions)
}

func TestAbortIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)
	require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))

	id := deployment.RunID{Application: testApp, Type: deployment.SystemTest, Number: 1}

	require.NoError(t, f.jobs.Abort(ctx, id))

	first, err := f.jobs.Last(ctx, testApp, deployment.SystemTest)
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusAborted, first.Status())

	require.NoError(t, f.jobs.Abort(ctx, id))

	second, err := f.jobs.Last(ctx, testApp, deployment.SystemTest)
	require.NoError(t, err)
	assert.Equal(t, *first, *second)
}

// finishRun aborts and finishes the active run of the given job.
func (f *fixture) finishRun(t *testing.T, number int64) {
	t.Helper()

	ctx := context.Background()
	id := deployment.RunID{Application: testApp, Type: deployment.SystemTest, Number: number}

	require.NoError(t, f.jobs.Abort(ctx, id))
	require.NoError(t, f.jobs.Finish(ctx, id))
}

func TestHistoryIsPrunedAtLengthBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)

	for i := int64(1); i <= HistoryLength+1; i++ {
		require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))
		f.finishRun(t, i)
		f.clock.Advance(time.Minute)
	}

	runs, err := f.jobs.Runs(ctx, testApp, deployment.SystemTest)
	require.NoError(t, err)
	assert.Len(t, runs, HistoryLength)

	first, err := f.jobs.Run(ctx, deployment.RunID{
		Application: testApp, Type: deployment.SystemTest, Number: 1,
	})
	require.NoError(t, err)
	assert.Nil(t, first, "the first run should have been pruned")

	newest, err := f.jobs.Run(ctx, deployment.RunID{
		Application: testApp, Type: deployment.SystemTest, Number: HistoryLength + 1,
	})
	require.NoError(t, err)
	require.NotNil(t, newest)
	assert.True(t, newest.HasEnded())
}

func TestHistoryIsPrunedAtAgeBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)

	require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))
	f.finishRun(t, 1)

	f.clock.Advance(61 * 24 * time.Hour)

	require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))
	f.finishRun(t, 2)

	runs, err := f.jobs.Runs(ctx, testApp, deployment.SystemTest)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.EqualValues(t, 2, runs[0].ID().Number)
}

func TestRunNumbersKeepIncreasingAcrossHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))

		last, err := f.jobs.Last(ctx, testApp, deployment.SystemTest)
		require.NoError(t, err)
		assert.Equal(t, i, last.ID().Number)

		f.finishRun(t, i)
	}
}

func TestUnregisterAbortsAndGarbageCollects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)
	require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))

	require.NoError(t, f.jobs.Unregister(ctx, testApp))

	last, err := f.jobs.Last(ctx, testApp, deployment.SystemTest)
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusAborted, last.Status())

	// Garbage collection destroys the job data and deactivates the tester.
	require.NoError(t, f.jobs.CollectGarbage(ctx))

	last, err = f.jobs.Last(ctx, testApp, deployment.SystemTest)
	require.NoError(t, err)
	assert.Nil(t, last)

	deactivated := f.config.deactivations()
	require.NotEmpty(t, deactivated)
	assert.Equal(t, testApp.Tester().ID, deactivated[0].Application)

	// Running again is harmless.
	require.NoError(t, f.jobs.CollectGarbage(ctx))
}

func TestCollectGarbageSkipsApplicationWithHeldStepLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)
	require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))
	require.NoError(t, f.jobs.Unregister(ctx, testApp))

	// Hold the step lock GC needs, as an in-flight step would.
	lease, err := f.jobs.Controller().Store.Lock(
		store.StepLockKey(testApp, deployment.SystemTest, deployment.StepDeactivateTester),
		time.Second,
	)
	require.NoError(t, err)

	require.NoError(t, f.jobs.CollectGarbage(ctx))

	last, err := f.jobs.Last(ctx, testApp, deployment.SystemTest)
	require.NoError(t, err)
	assert.NotNil(t, last, "data must survive while a step lock is held")

	lease.Release()

	require.NoError(t, f.jobs.CollectGarbage(ctx))

	last, err = f.jobs.Last(ctx, testApp, deployment.SystemTest)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestUpdateTestLogAdvancesHighWaterMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)
	require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))

	id := deployment.RunID{Application: testApp, Type: deployment.SystemTest, Number: 1}
	f.router.endpoint = "http://tester.example.com"
	f.cloud.setLog([]deployment.LogEntry{
		{ID: 1, Message: "one"},
		{ID: 2, Message: "two"},
		{ID: 3, Message: "three"},
	})

	// endTests is not ready yet, so nothing is fetched.
	require.NoError(t, f.jobs.UpdateTestLog(ctx, id))

	run, err := f.jobs.Run(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, run.LastTestLogEntry())

	// Walk the run up to endTests.
	for _, step := range []deployment.Step{
		deployment.StepDeployTester,
		deployment.StepDeployReal,
		deployment.StepInstallTester,
		deployment.StepInstallReal,
		deployment.StepStartTests,
	} {
		require.NoError(t, f.jobs.LockedStepFn(ctx, testApp, deployment.SystemTest, step,
			func(locked LockedStep) error {
				return f.jobs.Update(ctx, id, deployment.StatusRunning, locked)
			}))
	}

	require.NoError(t, f.jobs.UpdateTestLog(ctx, id))

	run, err = f.jobs.Run(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, run.LastTestLogEntry())

	details, err := f.jobs.Details(ctx, id, -1)
	require.NoError(t, err)
	require.NotNil(t, details)
	assert.Len(t, details.Entries[deployment.StepEndTests], 3)
}

func TestDeployRequiresManuallyDeployedEnvironment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)

	err := f.jobs.Deploy(ctx, testApp, deployment.SystemTest, "", []byte("pkg"))
	assert.Error(t, err)

	kicked := false

	f.jobs.SetRunner(func(deployment.Run) { kicked = true })

	require.NoError(t, f.jobs.Deploy(ctx, testApp, deployment.DevUsEast1, "", []byte("pkg")))
	assert.True(t, kicked, "manual deployments skip the tick wait")

	last, err := f.jobs.Last(ctx, testApp, deployment.DevUsEast1)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Versions().TargetApplication.IsUnknown())

	// The dev package is stored under the zone key.
	pkg, err := f.jobs.Controller().Artifacts.GetDev(ctx, testApp, deployment.DevUsEast1.Zone(deployment.SystemMain))
	require.NoError(t, err)
	assert.Equal(t, []byte("pkg"), pkg)
}

func TestDeployAbortsAndReplacesActiveRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)

	require.NoError(t, f.jobs.Deploy(ctx, testApp, deployment.DevUsEast1, "", []byte("v1")))

	last, err := f.jobs.Last(ctx, testApp, deployment.DevUsEast1)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.False(t, last.HasEnded())

	// The kicked runner finishes whatever aborted run it is handed; the new
	// run of the redeploy stays active, as its ordinary steps are unfinished.
	f.jobs.SetRunner(func(run deployment.Run) {
		_ = f.jobs.Finish(ctx, run.ID())
	})

	require.NoError(t, f.jobs.Deploy(ctx, testApp, deployment.DevUsEast1, "", []byte("v2")))

	first, err := f.jobs.Run(ctx, deployment.RunID{
		Application: testApp, Type: deployment.DevUsEast1, Number: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, first.HasEnded())
	assert.Equal(t, deployment.StatusAborted, first.Status())

	last, err = f.jobs.Last(ctx, testApp, deployment.DevUsEast1)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.EqualValues(t, 2, last.ID().Number)
	assert.False(t, last.HasEnded())

	// The replacement package is in place.
	pkg, err := f.jobs.Controller().Artifacts.GetDev(ctx, testApp, deployment.DevUsEast1.Zone(deployment.SystemMain))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), pkg)
}

func TestDeployTimesOutWhenAbortedRunNeverEnds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)

	require.NoError(t, f.jobs.Deploy(ctx, testApp, deployment.DevUsEast1, "", []byte("v1")))

	// The runner never finishes the aborted run; the wait expires on the
	// injected clock.
	f.jobs.SetRunner(func(deployment.Run) {
		f.clock.Advance(2 * time.Minute)
	})

	err := f.jobs.Deploy(ctx, testApp, deployment.DevUsEast1, "", []byte("v2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out waiting")

	// The old run is aborted but still active; no new run was started.
	last, err := f.jobs.Last(ctx, testApp, deployment.DevUsEast1)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.EqualValues(t, 1, last.ID().Number)
	assert.Equal(t, deployment.StatusAborted, last.Status())
	assert.False(t, last.HasEnded())
}

func TestStoreTesterCertificateOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createAndSubmit(t)
	require.NoError(t, f.jobs.Start(ctx, testApp, deployment.SystemTest, testVersions))

	id := deployment.RunID{Application: testApp, Type: deployment.SystemTest, Number: 1}

	certificate := testCertificate(t)

	require.NoError(t, f.jobs.StoreTesterCertificate(ctx, id, certificate))
	assert.Error(t, f.jobs.StoreTesterCertificate(ctx, id, certificate))

	run, err := f.jobs.Run(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run.TesterCertificate())
}

// testCertificate mints a throwaway self-signed certificate.
func testCertificate(t *testing.T) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "tenant.real.default-t.systemTest.1"},
		NotBefore:    testStart,
		NotAfter:     testStart.Add(5 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	certificate, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return certificate
}
