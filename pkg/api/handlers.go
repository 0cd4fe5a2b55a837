package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hostedops/deployoor/pkg/controller"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/registry"
	"github.com/hostedops/deployoor/pkg/store"
)

const maxPackageSize = 256 << 20 // 256 MiB

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) applicationID(r *http.Request) deployment.ApplicationID {
	return deployment.ApplicationID{
		Tenant:      chi.URLParam(r, "tenant"),
		Application: chi.URLParam(r, "application"),
		Instance:    chi.URLParam(r, "instance"),
	}
}

func (s *server) jobType(w http.ResponseWriter, r *http.Request) (deployment.JobType, bool) {
	t, err := deployment.ParseJobType(chi.URLParam(r, "type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return "", false
	}

	return t, true
}

func (s *server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID int64 `json:"projectId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	id := s.applicationID(r)

	if err := s.jobs.Controller().Registry.Create(r.Context(), id, body.ProjectID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)

		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"application": id.String()})
}

func (s *server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := s.applicationID(r)

	if err := s.jobs.Unregister(r.Context(), id); err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"application": id.String()})
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPackageSize); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)

		return
	}

	appPkg, err := formFile(r, "applicationZip")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	testPkg, err := formFile(r, "testZip")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	projectID, _ := strconv.ParseInt(r.FormValue("projectId"), 10, 64)

	revision := deployment.SourceRevision{
		Repository: r.FormValue("repository"),
		Branch:     r.FormValue("branch"),
		Commit:     r.FormValue("commit"),
	}

	pkg := deployment.ApplicationPackage{
		Content:        appPkg,
		CompileVersion: r.FormValue("compileVersion"),
	}

	if buildTime := r.FormValue("buildTime"); buildTime != "" {
		if at, err := time.Parse(time.RFC3339, buildTime); err == nil {
			pkg.BuildTime = &at
		}
	}

	version, err := s.jobs.Submit(
		r.Context(),
		s.applicationID(r),
		revision,
		r.FormValue("authorEmail"),
		projectID,
		pkg,
		testPkg,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":     version.ID(),
		"buildNumber": version.BuildNumber,
	})
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	t, ok := s.jobType(w, r)
	if !ok {
		return
	}

	var body struct {
		TargetPlatform    string                        `json:"targetPlatform"`
		TargetApplication deployment.ApplicationVersion `json:"targetApplication"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	versions := deployment.Versions{
		TargetPlatform:    body.TargetPlatform,
		TargetApplication: body.TargetApplication,
	}

	if err := s.jobs.Start(r.Context(), s.applicationID(r), t, versions); err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"job": t.String()})
}

func (s *server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	t, ok := s.jobType(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxPackageSize); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)

		return
	}

	pkg, err := formFile(r, "applicationZip")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	err = s.jobs.Deploy(r.Context(), s.applicationID(r), t, r.FormValue("platform"), pkg)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"job": t.String()})
}

func (s *server) handleAbort(w http.ResponseWriter, r *http.Request) {
	t, ok := s.jobType(w, r)
	if !ok {
		return
	}

	id := s.applicationID(r)

	last, err := s.jobs.Last(r.Context(), id, t)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if last == nil {
		http.Error(w, "no runs for job", http.StatusNotFound)

		return
	}

	if err := s.jobs.Abort(r.Context(), last.ID()); err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"aborted": last.ID().Number})
}

type runSummary struct {
	Number int64                                      `json:"number"`
	Status deployment.RunStatus                       `json:"status"`
	Start  time.Time                                  `json:"start"`
	End    *time.Time                                 `json:"end,omitempty"`
	Steps  map[deployment.Step]deployment.StepStatus `json:"steps"`
}

func summarise(run deployment.Run) runSummary {
	return runSummary{
		Number: run.ID().Number,
		Status: run.Status(),
		Start:  run.Start(),
		End:    run.End(),
		Steps:  run.Steps(),
	}
}

func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	t, ok := s.jobType(w, r)
	if !ok {
		return
	}

	runs, err := s.jobs.Runs(r.Context(), s.applicationID(r), t)
	if err != nil {
		s.writeError(w, err)

		return
	}

	summaries := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, summarise(run))
	}

	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *server) runID(w http.ResponseWriter, r *http.Request) (deployment.RunID, bool) {
	t, ok := s.jobType(w, r)
	if !ok {
		return deployment.RunID{}, false
	}

	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number < 1 {
		http.Error(w, "invalid run number", http.StatusBadRequest)

		return deployment.RunID{}, false
	}

	return deployment.RunID{Application: s.applicationID(r), Type: t, Number: number}, true
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	run, err := s.jobs.Run(r.Context(), id)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)

		return
	}

	s.writeJSON(w, http.StatusOK, summarise(*run))
}

func (s *server) handleDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := s.runID(w, r)
	if !ok {
		return
	}

	after := int64(-1)
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after threshold", http.StatusBadRequest)

			return
		}

		after = parsed
	}

	details, err := s.jobs.Details(r.Context(), id, after)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if details == nil {
		http.Error(w, "run not found", http.StatusNotFound)

		return
	}

	s.writeJSON(w, http.StatusOK, details)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Debug("Failed encoding response")
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controller.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, controller.ErrInvalidVersions):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, registry.ErrNotRegistered):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrLockTimeout):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func formFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, errors.New(field + " is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxPackageSize))
	if err != nil {
		return nil, errors.New("reading " + field)
	}

	return data, nil
}
