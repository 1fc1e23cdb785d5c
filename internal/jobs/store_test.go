package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewStore(rdb, "test")
	store.now = clock.Now
	return store, clock
}

func mustClaim(t *testing.T, store *Store, queue string) *Lease {
	t.Helper()
	lease, err := store.Claim(context.Background(), queue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease, "expected a job in %s", queue)
	return lease
}

func mustGet(t *testing.T, store *Store, ref Ref) *Job {
	t.Helper()
	job, err := store.Get(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, job, "job %s not found", ref)
	return job
}

func TestClaimGrantsExclusiveLease(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	job, err := store.Enqueue(ctx, "q", json.RawMessage(`{"n":1}`), Options{JobID: "a"})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)

	lease := mustClaim(t, store, "q")
	assert.Equal(t, "a", lease.Job.ID)
	assert.Equal(t, 1, lease.Job.Runs)
	assert.Zero(t, lease.Job.AttemptsMade)
	assert.NotEmpty(t, lease.Token())

	again, err := store.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)

	err = store.Complete(ctx, lease.Ref(), "stale-token", nil)
	assert.ErrorIs(t, err, ErrLeaseLost)

	require.NoError(t, store.Complete(ctx, lease.Ref(), lease.Token(), json.RawMessage(`"ok"`)))
	done := mustGet(t, store, lease.Ref())
	assert.Equal(t, StateCompleted, done.State)
	assert.JSONEq(t, `"ok"`, string(done.ReturnValue))
	assert.Empty(t, done.Token)

	err = store.Complete(ctx, lease.Ref(), lease.Token(), nil)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestClaimOrderIsFIFO(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	for _, id := range []string{"1", "2", "3"} {
		_, err := store.Enqueue(ctx, "q", nil, Options{JobID: id})
		require.NoError(t, err)
	}
	for _, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, mustClaim(t, store, "q").Job.ID)
	}
}

func TestFailRetriesUntilAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Enqueue(ctx, "q", nil, Options{JobID: "r", Attempts: 2})
	require.NoError(t, err)

	lease := mustClaim(t, store, "q")
	state, err := store.Fail(ctx, lease.Ref(), lease.Token(), errors.New("temporary"))
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	lease = mustClaim(t, store, "q")
	assert.Equal(t, 1, lease.Job.AttemptsMade)
	assert.Equal(t, 2, lease.Job.Runs)
	assert.Equal(t, "temporary", lease.Job.FailedReason)

	state, err = store.Fail(ctx, lease.Ref(), lease.Token(), errors.New("still broken"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, "still broken", mustGet(t, store, lease.Ref()).FailedReason)
}

func TestFailFatalSkipsRetry(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Enqueue(ctx, "q", nil, Options{JobID: "f", Attempts: 5})
	require.NoError(t, err)

	lease := mustClaim(t, store, "q")
	state, err := store.Fail(ctx, lease.Ref(), lease.Token(), Fatal(errors.New("bad input")))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestFailWithBackoffDelaysJob(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	_, err := store.Enqueue(ctx, "q", nil, Options{JobID: "d", Attempts: 3, Backoff: time.Second})
	require.NoError(t, err)

	lease := mustClaim(t, store, "q")
	state, err := store.Fail(ctx, lease.Ref(), lease.Token(), errors.New("rate limited"))
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	none, err := store.Claim(ctx, "q", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(1500 * time.Millisecond)
	lease = mustClaim(t, store, "q")
	assert.Equal(t, "d", lease.Job.ID)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), backoffDelay(0, 3))
	assert.Equal(t, time.Second, backoffDelay(time.Second, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(time.Second, 3))
	assert.Equal(t, maxBackoff, backoffDelay(time.Minute, 20))
}

func addFlow(t *testing.T, store *Store, specs ...NewJob) []*Job {
	t.Helper()
	created, err := store.AddBatch(context.Background(), specs, BatchOptions{})
	require.NoError(t, err)
	return created
}

func TestParentReleasedWhenAllChildrenComplete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	parent := Ref{Queue: "parent", ID: "p"}
	created := addFlow(t, store,
		NewJob{Queue: "parent", ID: "p", HasChildren: true},
		NewJob{Queue: "child", ID: "c1", Parent: &parent},
		NewJob{Queue: "child", ID: "c2", Parent: &parent},
	)
	require.Len(t, created, 3)
	assert.Equal(t, StateWaitingChildren, created[0].State)
	require.NotNil(t, created[1].Root)
	assert.Equal(t, parent, *created[1].Root)

	children, err := store.Children(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, []Ref{{Queue: "child", ID: "c1"}, {Queue: "child", ID: "c2"}}, children)

	none, err := store.Claim(ctx, "parent", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "parent must not run before its children")

	first := mustClaim(t, store, "child")
	require.NoError(t, store.Complete(ctx, first.Ref(), first.Token(), json.RawMessage(`1`)))

	_, err = store.ChildrenValues(ctx, parent)
	var notReady *ChildrenNotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.EqualValues(t, 1, notReady.Pending)
	assert.Equal(t, StateWaitingChildren, mustGet(t, store, parent).State)

	second := mustClaim(t, store, "child")
	require.NoError(t, store.Complete(ctx, second.Ref(), second.Token(), json.RawMessage(`2`)))
	assert.Equal(t, StateWaiting, mustGet(t, store, parent).State)

	lease := mustClaim(t, store, "parent")
	values, err := lease.ChildrenValues(ctx)
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.JSONEq(t, `1`, string(values["child:c1"]))
	assert.JSONEq(t, `2`, string(values["child:c2"]))
}

func TestIgnoreDependencyOnFailureReleasesParent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	parent := Ref{Queue: "parent", ID: "p"}
	addFlow(t, store,
		NewJob{Queue: "parent", ID: "p", HasChildren: true},
		NewJob{Queue: "child", ID: "c", Parent: &parent, Opts: Options{IgnoreDependencyOnFailure: true}},
	)

	lease := mustClaim(t, store, "child")
	state, err := store.Fail(ctx, lease.Ref(), lease.Token(), Fatal(errors.New("404")))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	assert.Equal(t, StateWaiting, mustGet(t, store, parent).State)
	ignored, err := store.IgnoredFailures(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"child:c": "404"}, ignored)

	values, err := store.ChildrenValues(ctx, parent)
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestFailParentOnFailureCascadesToRoot(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	root := Ref{Queue: "root", ID: "r"}
	mid := Ref{Queue: "mid", ID: "m"}
	addFlow(t, store,
		NewJob{Queue: "root", ID: "r", HasChildren: true},
		NewJob{Queue: "mid", ID: "m", Parent: &root, HasChildren: true, Opts: Options{FailParentOnFailure: true}},
		NewJob{Queue: "leaf", ID: "l", Parent: &mid, Opts: Options{FailParentOnFailure: true}},
	)

	lease := mustClaim(t, store, "leaf")
	_, err := store.Fail(ctx, lease.Ref(), lease.Token(), Fatal(errors.New("boom")))
	require.NoError(t, err)

	midJob := mustGet(t, store, mid)
	assert.Equal(t, StateFailed, midJob.State)
	assert.Equal(t, "child leaf:l failed: boom", midJob.FailedReason)

	rootJob := mustGet(t, store, root)
	assert.Equal(t, StateFailed, rootJob.State)
	assert.Equal(t, "child mid:m failed: child leaf:l failed: boom", rootJob.FailedReason)

	counts, err := store.Counts(ctx, "mid")
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts[StateWaitingChildren])
	assert.EqualValues(t, 1, counts[StateFailed])
}

func TestChildFailureWithoutPolicyKeepsParentBlocked(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	parent := Ref{Queue: "parent", ID: "p"}
	addFlow(t, store,
		NewJob{Queue: "parent", ID: "p", HasChildren: true},
		NewJob{Queue: "child", ID: "c", Parent: &parent},
	)

	lease := mustClaim(t, store, "child")
	_, err := store.Fail(ctx, lease.Ref(), lease.Token(), Fatal(errors.New("nope")))
	require.NoError(t, err)
	assert.Equal(t, StateWaitingChildren, mustGet(t, store, parent).State)
}

func TestDuplicateJobIDs(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Enqueue(ctx, "q", json.RawMessage(`{"v":1}`), Options{JobID: "x"})
	require.NoError(t, err)

	_, err = store.Enqueue(ctx, "q", json.RawMessage(`{"v":2}`), Options{JobID: "x"})
	var dup *DuplicateJobError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, StateWaiting, dup.State)

	existing, err := store.Enqueue(ctx, "q", json.RawMessage(`{"v":2}`), Options{JobID: "x", Idempotent: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(existing.Payload))

	lease := mustClaim(t, store, "q")
	require.NoError(t, store.Complete(ctx, lease.Ref(), lease.Token(), nil))

	replaced, err := store.Enqueue(ctx, "q", json.RawMessage(`{"v":3}`), Options{JobID: "x"})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, replaced.State)
	counts, err := store.Counts(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts[StateCompleted])
	assert.EqualValues(t, 1, counts[StateWaiting])
}

func TestAddBatchRejectsFinishedParent(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Enqueue(ctx, "q", nil, Options{JobID: "done"})
	require.NoError(t, err)
	lease := mustClaim(t, store, "q")
	require.NoError(t, store.Complete(ctx, lease.Ref(), lease.Token(), nil))

	parent := lease.Ref()
	_, err = store.Enqueue(ctx, "child", nil, Options{Parent: &parent})
	assert.ErrorIs(t, err, ErrParentFinished)

	missing := Ref{Queue: "q", ID: "missing"}
	_, err = store.Enqueue(ctx, "child", nil, Options{Parent: &missing})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestLeaseAddChildrenAndWait(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Enqueue(ctx, "parent", json.RawMessage(`{"step":0}`), Options{JobID: "p"})
	require.NoError(t, err)
	lease := mustClaim(t, store, "parent")

	created, err := lease.AddChildren(ctx, []NewJob{
		{Queue: "child", ID: "a"},
		{Queue: "child", ID: "b"},
	}, json.RawMessage(`{"step":1}`))
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.JSONEq(t, `{"step":1}`, string(lease.Job.Payload))
	assert.Equal(t, lease.Ref(), *created[0].Root)

	active := mustGet(t, store, lease.Ref())
	assert.Equal(t, StateActive, active.State)
	assert.JSONEq(t, `{"step":1}`, string(active.Payload))

	moved, err := lease.MoveToWaitingChildren(ctx)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, StateWaitingChildren, mustGet(t, store, lease.Ref()).State)

	err = lease.UpdatePayload(ctx, map[string]int{"step": 2})
	assert.ErrorIs(t, err, ErrLeaseLost)

	for range 2 {
		child := mustClaim(t, store, "child")
		require.NoError(t, store.Complete(ctx, child.Ref(), child.Token(), nil))
	}
	resumed := mustClaim(t, store, "parent")
	assert.JSONEq(t, `{"step":1}`, string(resumed.Job.Payload))
}

func TestMoveToWaitingChildrenWhenChildrenAlreadyDone(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Enqueue(ctx, "parent", nil, Options{JobID: "p"})
	require.NoError(t, err)
	lease := mustClaim(t, store, "parent")

	_, err = lease.AddChildren(ctx, []NewJob{{Queue: "child", ID: "fast"}}, nil)
	require.NoError(t, err)
	child := mustClaim(t, store, "child")
	require.NoError(t, store.Complete(ctx, child.Ref(), child.Token(), json.RawMessage(`true`)))

	// 親は実行中のままなので待機列には戻らない
	assert.Equal(t, StateActive, mustGet(t, store, lease.Ref()).State)

	moved, err := lease.MoveToWaitingChildren(ctx)
	require.NoError(t, err)
	assert.False(t, moved)

	values, err := lease.ChildrenValues(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(values["child:fast"]))
}

func TestReclaimExpired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	_, err := store.Enqueue(ctx, "q", nil, Options{JobID: "s", Attempts: 5})
	require.NoError(t, err)

	lease, err := store.Claim(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)

	n, err := store.ReclaimExpired(ctx, "q", 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Second)
	n, err = store.ReclaimExpired(ctx, "q", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	job := mustGet(t, store, lease.Ref())
	assert.Equal(t, StateWaiting, job.State)
	assert.Equal(t, 1, job.StalledCount)

	assert.ErrorIs(t, store.Complete(ctx, lease.Ref(), lease.Token(), nil), ErrLeaseLost)

	_, err = store.Claim(ctx, "q", time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	n, err = store.ReclaimExpired(ctx, "q", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	job = mustGet(t, store, lease.Ref())
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, stalledFailedReason, job.FailedReason)
}

func TestExtendLeaseKeepsJobActive(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	_, err := store.Enqueue(ctx, "q", nil, Options{JobID: "e"})
	require.NoError(t, err)
	lease, err := store.Claim(ctx, "q", time.Second)
	require.NoError(t, err)

	clock.Advance(800 * time.Millisecond)
	require.NoError(t, lease.Extend(ctx, time.Second))
	clock.Advance(800 * time.Millisecond)

	n, err := store.ReclaimExpired(ctx, "q", 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClean(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	_, err := store.Enqueue(ctx, "q", nil, Options{JobID: "old"})
	require.NoError(t, err)
	lease := mustClaim(t, store, "q")
	require.NoError(t, store.Complete(ctx, lease.Ref(), lease.Token(), nil))

	n, err := store.Clean(ctx, "q", StateCompleted, time.Hour, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = store.Clean(ctx, "q", StateCompleted, time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := store.Get(ctx, lease.Ref())
	require.NoError(t, err)
	assert.Nil(t, job)

	_, err = store.Clean(ctx, "q", StateActive, time.Hour, 100)
	assert.Error(t, err)
}

func TestCancelRequested(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	root := Ref{Queue: "root", ID: "r"}
	addFlow(t, store,
		NewJob{Queue: "root", ID: "r", HasChildren: true},
		NewJob{Queue: "child", ID: "c", Parent: &root},
	)

	lease := mustClaim(t, store, "child")
	cancelled, err := lease.CancelRequested(ctx)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, store.RequestCancel(ctx, root, time.Hour))
	cancelled, err = lease.CancelRequested(ctx)
	require.NoError(t, err)
	assert.True(t, cancelled)

	err = store.RequestCancel(ctx, Ref{Queue: "root", ID: "nope"}, time.Hour)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestBusDeliversEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, _ := newTestStore(t)
	bus := NewBus(store.rdb, store.Prefix(), testLogger())

	sub, err := bus.Subscribe(ctx, "q")
	require.NoError(t, err)
	defer sub.Close()

	_, err = store.Enqueue(ctx, "q", nil, Options{JobID: "evt"})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventWaiting, ev.Type)
		assert.Equal(t, Ref{Queue: "q", ID: "evt"}, ev.Ref())
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestWaitingChildrenDoesNotConsumeAttempts(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Enqueue(ctx, "parent", nil, Options{JobID: "p", Attempts: 2})
	require.NoError(t, err)

	lease := mustClaim(t, store, "parent")
	_, err = lease.AddChildren(ctx, []NewJob{{Queue: "child", ID: "c"}}, nil)
	require.NoError(t, err)
	moved, err := lease.MoveToWaitingChildren(ctx)
	require.NoError(t, err)
	require.True(t, moved)

	child := mustClaim(t, store, "child")
	require.NoError(t, store.Complete(ctx, child.Ref(), child.Token(), nil))

	resumed := mustClaim(t, store, "parent")
	assert.Equal(t, 2, resumed.Job.Runs)
	assert.Zero(t, resumed.Job.AttemptsMade)

	state, err := store.Fail(ctx, resumed.Ref(), resumed.Token(), errors.New("transient provider error"))
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	last := mustClaim(t, store, "parent")
	state, err = store.Fail(ctx, last.Ref(), last.Token(), errors.New("transient provider error"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, 2, mustGet(t, store, last.Ref()).AttemptsMade)
}

func TestStalledRunDoesNotConsumeAttempts(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	_, err := store.Enqueue(ctx, "q", nil, Options{JobID: "s", Attempts: 2})
	require.NoError(t, err)

	_, err = store.Claim(ctx, "q", time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	n, err := store.ReclaimExpired(ctx, "q", 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	lease := mustClaim(t, store, "q")
	state, err := store.Fail(ctx, lease.Ref(), lease.Token(), errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
	job := mustGet(t, store, lease.Ref())
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, 1, job.StalledCount)
}

func TestAddBatchRejectsSeparatorInRefs(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Enqueue(ctx, "q", nil, Options{JobID: "a:deps"})
	assert.ErrorIs(t, err, ErrInvalidRef)

	parent := Ref{Queue: "q", ID: "a"}
	_, err = store.AddBatch(ctx, []NewJob{
		{Queue: "q", ID: "a", HasChildren: true},
		{Queue: "c", ID: "x:children", Parent: &parent},
	}, BatchOptions{})
	assert.ErrorIs(t, err, ErrInvalidRef)

	_, err = store.Enqueue(ctx, "bad:queue", nil, Options{JobID: "b"})
	assert.ErrorIs(t, err, ErrInvalidRef)

	job, err := store.Get(ctx, parent)
	require.NoError(t, err)
	assert.Nil(t, job)
	counts, err := store.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, counts[StateWaitingChildren])
}

func TestLateChildOfReplacedParentIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, err := store.Enqueue(ctx, "parent", nil, Options{JobID: "p"})
	require.NoError(t, err)
	lease := mustClaim(t, store, "parent")
	_, err = lease.AddChildren(ctx, []NewJob{{Queue: "child", ID: "old"}}, nil)
	require.NoError(t, err)
	stale := mustClaim(t, store, "child")

	_, err = store.Fail(ctx, lease.Ref(), lease.Token(), Fatal(errors.New("gave up")))
	require.NoError(t, err)

	// 終了済みの親は同じIDの新しい世代に置き換えられる
	_, err = store.Enqueue(ctx, "parent", nil, Options{JobID: "p"})
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, stale.Ref(), stale.Token(), json.RawMessage(`"late"`)))

	values, err := store.ChildrenValues(ctx, lease.Ref())
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.Equal(t, StateWaiting, mustGet(t, store, lease.Ref()).State)
}
