package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tick-ingestor/internal/coordinator"
	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/models"
	"tick-ingestor/internal/queue"
)

type noSessionSource struct{}

func (noSessionSource) FetchTicks(context.Context, string, int64, int64) ([]models.Tick, error) {
	return nil, nil
}

func (noSessionSource) SessionHours(context.Context, string, time.Time) ([]models.Range, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) (http.Handler, *jobstate.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	jobs := jobstate.New(client)
	q := queue.NewRedisQueue(client, time.Minute)
	coord := coordinator.New(jobs, q, noSessionSource{})
	return New(coord, jobs, nil).Router(), jobs
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestTriggerJob(t *testing.T) {
	router, jobs := newTestRouter(t)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"symbol":"ES","date":"2025-03-14"}`)
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", body))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_key":"ingest:job:ES:2025-03-14"`)

	_, err := jobs.Get(context.Background(), "ingest:job:ES:2025-03-14")
	assert.NoError(t, err)
}

func TestTriggerJobRejectsBadInput(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := map[string]string{
		"invalid json": `{`,
		"no symbol":    `{"date":"2025-03-14"}`,
		"bad date":     `{"symbol":"ES","date":"14-03-2025"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	router, jobs := newTestRouter(t)
	require.NoError(t, jobs.Seed(context.Background(), "ingest:job:ES:2025-03-14", models.JobState{
		Status:      models.StatusRunning,
		InstanceID:  "inst-a",
		Cursor:      1234,
		RangeEnd:    5678,
		HeartbeatAt: time.Now().UnixMilli(),
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/ES/2025-03-14", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"instance_id":"inst-a"`)
}

func TestGetJobNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/ES/2025-03-14", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSegmentsWithoutCatalog(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/ES/2025-03-14/segments", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
