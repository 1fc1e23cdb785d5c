package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/flow-forge/internal/config"
	"github.com/yourusername/flow-forge/internal/jobs"
)

type routerEnv struct {
	store    *jobs.Store
	registry *jobs.Registry
	router   *gin.Engine
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := jobs.NewStore(rdb, "test")
	registry := jobs.NewRegistry()
	noop := func(ctx context.Context, lease *jobs.Lease) (any, error) { return nil, nil }
	require.NoError(t, registry.Register(jobs.QueueConfig{Name: "scrape-website", Handler: noop}))

	cfg := &config.Config{QueueRedisURL: "redis://" + mr.Addr(), LeaseSeconds: 30}
	manager, err := jobs.NewManager(cfg, store, registry, zerolog.Nop())
	require.NoError(t, err)

	r := gin.New()
	r.GET("/api/jobs/:queue/:id", jobStatusHandler(store))
	r.GET("/api/queues", queuesHandler(store, registry))
	r.POST("/api/maintenance/clean", cleanHandler(manager))
	return &routerEnv{store: store, registry: registry, router: r}
}

func (e *routerEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestJobStatusHidesLeaseToken(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()
	_, err := env.store.Enqueue(ctx, "scrape-website", json.RawMessage(`{"url":"https://a.example"}`), jobs.Options{JobID: "s1"})
	require.NoError(t, err)
	lease, err := env.store.Claim(ctx, "scrape-website", 0)
	require.NoError(t, err)
	require.NotNil(t, lease)

	rec := env.do(http.MethodGet, "/api/jobs/scrape-website/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), lease.Job.Token)
	var job jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, jobs.StateActive, job.State)
	assert.Empty(t, job.Token)

	rec = env.do(http.MethodGet, "/api/jobs/scrape-website/none", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "JOB_NOT_FOUND")
}

func TestQueuesHandlerListsCounts(t *testing.T) {
	env := newRouterEnv(t)
	_, err := env.store.Enqueue(context.Background(), "scrape-website", nil, jobs.Options{})
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/api/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queues []queueCounts `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 1)
	assert.Equal(t, "scrape-website", body.Queues[0].Queue)
	assert.Equal(t, int64(1), body.Queues[0].Counts[jobs.StateWaiting])
}

func TestCleanHandlerRejectsUnknownQueue(t *testing.T) {
	env := newRouterEnv(t)

	rec := env.do(http.MethodPost, "/api/maintenance/clean", `{"queue":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "QUEUE_NOT_FOUND")

	rec = env.do(http.MethodPost, "/api/maintenance/clean", `{"queue":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
