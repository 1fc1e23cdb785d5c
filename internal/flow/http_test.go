package flow

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/flow-forge/internal/jobs"
)

func newTestRouter(env *testEnv) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api")
	api.GET("/flows/:queue/:id", SnapshotHandler(env.projector))
	api.GET("/flows/:queue/:id/stream", StreamHandler(env.projector, env.registry.Names()))
	api.POST("/flows/:queue/:id/cancel", CancelHandler(env.store, time.Hour))
	return r
}

func TestSnapshotHandler(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "root", okHandler)
	env.register(t, "leaf", okHandler)
	_, err := env.producer.Add(context.Background(), twoLevelFlow("r", "l"), AddOptions{})
	require.NoError(t, err)
	router := newTestRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/flows/root/r", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "r", snap.JobID)
	assert.Equal(t, jobs.StateWaitingChildren, snap.Status)
	require.Len(t, snap.Children, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/flows/root/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "FLOW_NOT_FOUND")
}

func TestCancelHandler(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "root", okHandler)
	env.register(t, "leaf", okHandler)
	_, err := env.producer.Add(context.Background(), twoLevelFlow("r", "l"), AddOptions{})
	require.NoError(t, err)
	router := newTestRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/flows/root/r/cancel", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	cancelled, err := env.store.CancelRequested(context.Background(), jobs.Ref{Queue: "root", ID: "r"})
	require.NoError(t, err)
	assert.True(t, cancelled)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/flows/root/none/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamHandlerFinishedFlow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "root", okHandler)
	env.register(t, "leaf", okHandler)
	_, err := env.producer.Add(context.Background(), twoLevelFlow("r", "l"), AddOptions{})
	require.NoError(t, err)
	env.drain(t)
	router := newTestRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/flows/root/r/stream", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	body := rec.Body.String()
	assert.Contains(t, body, "event:snapshot")
	assert.Contains(t, body, `"status":"completed"`)
	assert.Contains(t, body, "event:end")
	assert.Equal(t, 1, strings.Count(body, "event:snapshot"))
}

func TestStreamHandlerMissingFlow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "root", okHandler)
	router := newTestRouter(env)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/flows/root/none/stream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "FLOW_NOT_FOUND")
}

func TestStreamHandlerLiveFlow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "root", okHandler)
	env.register(t, "leaf", okHandler)
	_, err := env.producer.Add(context.Background(), twoLevelFlow("r", "l"), AddOptions{})
	require.NoError(t, err)

	srv := httptest.NewServer(newTestRouter(env))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/flows/root/r/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(line, "data:")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, data := readEvent()
	require.Equal(t, "snapshot", name)
	assert.Contains(t, data, `"status":"waiting-children"`)

	env.drain(t)

	var last string
	for {
		name, data = readEvent()
		if name == "end" {
			break
		}
		require.Equal(t, "snapshot", name)
		last = data
	}
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(last), &snap))
	assert.Equal(t, jobs.StateCompleted, snap.Status)
}
