package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/livability/internal/model"
	"github.com/sells-group/livability/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	srv := httptest.NewServer(newRouter(st))
	t.Cleanup(srv.Close)
	return srv, st
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostJobs(t *testing.T) {
	srv, st := newTestServer(t)

	resp, err := http.Post(srv.URL+"/jobs", "application/json",
		strings.NewReader(`{"address":"100 Main St, Nashville TN"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["job_id"])
	assert.Equal(t, "queued", body["status"])

	job, err := st.GetJob(context.Background(), body["job_id"])
	require.NoError(t, err)
	assert.Equal(t, "100 Main St, Nashville TN", job.Address)
}

func TestPostJobs_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	srv, st := newTestServer(t)

	job, err := st.CreateJob(context.Background(), "42 Elm St")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/jobs/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, model.JobStatusQueued, got.Status)
}

func TestGetJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/jobs/no-such-job")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetResult_NotReady(t *testing.T) {
	srv, st := newTestServer(t)

	job, err := st.CreateJob(context.Background(), "42 Elm St")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/jobs/" + job.ID + "/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "queued")
}

func TestGetResult_Done(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "42 Elm St")
	require.NoError(t, err)

	claimed, err := st.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	ref, err := st.SaveResult(ctx, &model.EvaluationResult{
		JobID:   job.ID,
		Address: job.Address,
		Scores: map[string]model.DimensionScore{
			"green": {Dimension: "green", Score: 64.5},
		},
		Overall:   64.5,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, st.CompleteJob(ctx, job.ID, ref))

	resp, err := http.Get(srv.URL + "/jobs/" + job.ID + "/result")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.EvaluationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, job.ID, got.JobID)
	assert.InDelta(t, 64.5, got.Overall, 0.001)
	assert.Contains(t, got.Scores, "green")
}
