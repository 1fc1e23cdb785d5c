package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	const jobCount, workers = 50, 8
	for i := range jobCount {
		_, err := store.Enqueue(ctx, "q", nil, Options{JobID: fmt.Sprintf("j%d", i)})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		errs    = make(chan error, workers)
		wg      sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				lease, err := store.Claim(ctx, "q", time.Minute)
				if err != nil {
					errs <- err
					return
				}
				if lease == nil {
					return
				}
				mu.Lock()
				claimed[lease.Job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, claimed, jobCount)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
	counts, err := store.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(jobCount), counts[StateActive])
	assert.Zero(t, counts[StateWaiting])
}

// 子の完了と親の子待ち遷移が競合しても、親が子待ちのまま取り残されないこと。
func TestChildCompletionRacesParentSuspension(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for i := range 20 {
		parentID := fmt.Sprintf("p%d", i)
		_, err := store.Enqueue(ctx, "parent", nil, Options{JobID: parentID})
		require.NoError(t, err)
		parent := mustClaim(t, store, "parent")
		_, err = parent.AddChildren(ctx, []NewJob{{Queue: "child", ID: fmt.Sprintf("c%d", i)}}, nil)
		require.NoError(t, err)
		child := mustClaim(t, store, "child")

		var (
			wg          sync.WaitGroup
			moved       bool
			moveErr     error
			completeErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			completeErr = store.Complete(ctx, child.Ref(), child.Token(), nil)
		}()
		go func() {
			defer wg.Done()
			moved, moveErr = parent.MoveToWaitingChildren(ctx)
		}()
		wg.Wait()
		require.NoError(t, completeErr)
		require.NoError(t, moveErr)

		got := mustGet(t, store, parent.Ref())
		if moved {
			// 子待ちに入った後で子が完了したので、親は待機列に戻っている
			assert.Equal(t, StateWaiting, got.State, "iteration %d", i)
			resumed := mustClaim(t, store, "parent")
			assert.Equal(t, parentID, resumed.Job.ID)
			require.NoError(t, store.Complete(ctx, resumed.Ref(), resumed.Token(), nil))
		} else {
			assert.Equal(t, StateActive, got.State, "iteration %d", i)
			require.NoError(t, store.Complete(ctx, parent.Ref(), parent.Token(), nil))
		}
	}
}
