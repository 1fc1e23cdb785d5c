package flow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/flow-forge/internal/jobs"
)

type testEnv struct {
	store     *jobs.Store
	registry  *jobs.Registry
	producer  *Producer
	pool      *jobs.Pool
	projector *Projector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zerolog.Nop()
	store := jobs.NewStore(rdb, "test")
	registry := jobs.NewRegistry()
	projector := NewProjector(store, jobs.NewBus(rdb, store.Prefix(), logger), logger)
	projector.coalesce = 5 * time.Millisecond
	return &testEnv{
		store:     store,
		registry:  registry,
		producer:  NewProducer(store, registry),
		pool:      jobs.NewPool(store, registry, logger, 10*time.Millisecond),
		projector: projector,
	}
}

func (e *testEnv) register(t *testing.T, name string, h jobs.Handler) {
	t.Helper()
	require.NoError(t, e.registry.Register(jobs.QueueConfig{Name: name, Handler: h}))
}

// runOnce は指定キューから1件処理します。
func (e *testEnv) runOnce(t *testing.T, queue string) bool {
	t.Helper()
	processed, err := e.pool.RunOnce(context.Background(), queue)
	require.NoError(t, err)
	return processed
}

// drain はどのキューにも処理できるジョブがなくなるまで順に処理します。
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	for range 1000 {
		progressed := false
		for _, q := range e.registry.Names() {
			if e.runOnce(t, q) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func (e *testEnv) job(t *testing.T, queue, id string) *jobs.Job {
	t.Helper()
	job, err := e.store.Get(context.Background(), jobs.Ref{Queue: queue, ID: id})
	require.NoError(t, err)
	require.NotNil(t, job, "job %s:%s not found", queue, id)
	return job
}

func okHandler(ctx context.Context, lease *jobs.Lease) (any, error) {
	return lease.Job.ID, nil
}
