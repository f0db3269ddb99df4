package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/job"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/monitoring"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/ratelimit"
	"github.com/sells-group/outreach-cli/internal/stage"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/worker"
)

func newTestEngine(t *testing.T) (*engine, *monitoring.Collector) {
	t.Helper()

	cfg = &config.Config{
		Monitoring: config.MonitoringConfig{LookbackWindowHours: 24},
	}
	cfg.Pipeline.FollowUpDays = 4
	cfg.Pipeline.MaxExecutionMinutes = 30

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	jobs := job.NewManager(st, 30*time.Minute)
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), nil)
	require.NoError(t, err)
	runner := worker.NewRunner(st, jobs, limiter, worker.RunnerConfig{FollowUpAfter: 96 * time.Hour})

	orch := pipeline.New(context.Background(), pipeline.Deps{
		Store:         st,
		Jobs:          jobs,
		Runner:        runner,
		Units:         map[stage.Stage]worker.Unit{},
		FollowUpAfter: 96 * time.Hour,
		WorkerSlots:   1,
	})

	eng := &engine{store: st, jobs: jobs, orch: orch, stop: func() {}}
	return eng, monitoring.NewCollector(st, 96*time.Hour)
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealth(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	rr := doRequest(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouterPipelineStatus(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	rr := doRequest(t, r, http.MethodGet, "/pipeline/status", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var status pipeline.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, 0, status.Counts.Discovered)
	assert.Empty(t, status.Active)
}

func TestRouterStartStageUnknown(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	rr := doRequest(t, r, http.MethodPost, "/pipeline/enrich/start", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouterStartStageNothingEligible(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	rr := doRequest(t, r, http.MethodPost, "/pipeline/scrape/start", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "no prospects eligible")
}

func TestRouterStartDiscoveryRequiresQuery(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	rr := doRequest(t, r, http.MethodPost, "/pipeline/discovery/start", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouterStartStageConflict(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	// An existing pending job of the same type wins over the new request.
	existing, err := eng.store.CreateJob(context.Background(), model.JobTypeDiscovery, model.JobParams{Query: "plumbers"}, time.Hour)
	require.NoError(t, err)

	rr := doRequest(t, r, http.MethodPost, "/pipeline/discovery/start", map[string]any{"query": "plumbers"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, existing.ID, body["active_job_id"])
}

func TestRouterGetJob(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	j, err := eng.store.CreateJob(context.Background(), model.JobTypeScrape, model.JobParams{}, time.Hour)
	require.NoError(t, err)

	rr := doRequest(t, r, http.MethodGet, "/jobs/"+j.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var got model.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, model.JobStatusPending, got.Status)
}

func TestRouterGetJobNotFound(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	rr := doRequest(t, r, http.MethodGet, "/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouterCancelPendingJob(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	j, err := eng.store.CreateJob(context.Background(), model.JobTypeSend, model.JobParams{}, time.Hour)
	require.NoError(t, err)

	rr := doRequest(t, r, http.MethodPost, "/jobs/"+j.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var got model.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestRouterCancelFinishedJobConflict(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	ctx := context.Background()
	j, err := eng.store.CreateJob(ctx, model.JobTypeSend, model.JobParams{}, time.Hour)
	require.NoError(t, err)
	_, err = eng.store.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, eng.store.CompleteJob(ctx, j.ID, model.JobResult{}))

	rr := doRequest(t, r, http.MethodPost, "/jobs/"+j.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "completed", body["status"])
}

func TestRouterListJobs(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	ctx := context.Background()
	_, err := eng.store.CreateJob(ctx, model.JobTypeScrape, model.JobParams{}, time.Hour)
	require.NoError(t, err)

	rr := doRequest(t, r, http.MethodGet, "/jobs?type=scrape", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Jobs []model.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, model.JobTypeScrape, body.Jobs[0].Type)
}

func TestRouterListJobsBadType(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	rr := doRequest(t, r, http.MethodGet, "/jobs?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouterMetrics(t *testing.T) {
	eng, collector := newTestEngine(t)
	r := newRouter(eng, collector)

	rr := doRequest(t, r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 24, snap.LookbackHours)
}
