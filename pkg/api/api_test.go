package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hostedops/deployoor/pkg/artifact"
	"github.com/hostedops/deployoor/pkg/config"
	"github.com/hostedops/deployoor/pkg/controller"
	"github.com/hostedops/deployoor/pkg/logstore"
	"github.com/hostedops/deployoor/pkg/registry"
	"github.com/hostedops/deployoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T, cfg *config.APIConfig) http.Handler {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	db := store.NewMemory(log)

	jobs := controller.NewJobController(&controller.Controller{
		Log:       log,
		Store:     db,
		Logs:      logstore.New(log, db),
		Artifacts: artifact.NewLocal(log, t.TempDir()),
		Registry:  registry.New(log, db),
	})

	if cfg == nil {
		cfg = &config.APIConfig{Listen: ":0"}
	}

	s := &server{log: log, cfg: cfg, jobs: jobs}

	return s.buildRouter()
}

func submitBody(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)

	app, err := form.CreateFormFile("applicationZip", "application.zip")
	require.NoError(t, err)
	_, err = app.Write([]byte("app package"))
	require.NoError(t, err)

	test, err := form.CreateFormFile("testZip", "tests.zip")
	require.NoError(t, err)
	_, err = test.Write([]byte("test package"))
	require.NoError(t, err)

	require.NoError(t, form.WriteField("repository", "repo"))
	require.NoError(t, form.WriteField("branch", "branch"))
	require.NoError(t, form.WriteField("commit", "bada55"))
	require.NoError(t, form.WriteField("authorEmail", "a@b"))
	require.NoError(t, form.WriteField("projectId", "2"))
	require.NoError(t, form.Close())

	return body, form.FormDataContentType()
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestSubmitStartAndDoubleStart(t *testing.T) {
	router := newTestServer(t, nil)

	base := "/api/v1/applications/tenant/real/default"

	// Register the application.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, base+"/", bytes.NewBufferString(`{"projectId": 1}`))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Submit a build.
	body, contentType := submitBody(t)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, base+"/submit", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var submitted struct {
		BuildNumber int64 `json:"buildNumber"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.EqualValues(t, 1, submitted.BuildNumber)

	// Start a system test run of it.
	start := fmt.Sprintf(`{
		"targetPlatform": "1.2.3",
		"targetApplication": {
			"source": {"repository": "repo", "branch": "branch", "commit": "bada55"},
			"buildNumber": %d
		}
	}`, submitted.BuildNumber)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, base+"/jobs/systemTest/start", bytes.NewBufferString(start))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Starting again conflicts.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, base+"/jobs/systemTest/start", bytes.NewBufferString(start))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The run shows up in the listing.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/jobs/systemTest/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []struct {
		Number int64  `json:"number"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.EqualValues(t, 1, runs[0].Number)
	assert.Equal(t, "running", runs[0].Status)

	// Abort it.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, base+"/jobs/systemTest/abort", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/jobs/systemTest/runs/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aborted")
}

func TestUnknownJobTypeIsRejected(t *testing.T) {
	router := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/applications/tenant/real/default/jobs/lunarTest/start",
		bytes.NewBufferString(`{}`))
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunNotFound(t *testing.T) {
	router := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/applications/tenant/real/default/jobs/systemTest/runs/1", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBasicAuthGuardsApplicationRoutes(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	router := newTestServer(t, &config.APIConfig{
		Listen: ":0",
		Auth: config.APIAuthConfig{
			Enabled: true,
			Users:   []config.BasicAuthUser{{Username: "ops", PasswordHash: string(hash)}},
		},
	})

	// Health stays public.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	target := "/api/v1/applications/tenant/real/default/jobs/systemTest/runs"

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.SetBasicAuth("ops", "wrong")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.SetBasicAuth("ops", "hunter2")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
