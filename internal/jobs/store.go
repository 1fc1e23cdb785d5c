package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	maxTxAttempts       = 50
	defaultLease        = 30 * time.Second
	promoteBatchSize    = 100
	stalledFailedReason = "job stalled more than allowable limit"
)

// Store はジョブ状態を Redis に保存します。
// 状態遷移はすべて WATCH/MULTI の楽観ロックで行い、リースを持つワーカーだけが
// ジョブを書き換えられるようにトークンを照合します。
type Store struct {
	rdb  *redis.Client
	keys keyspace
	now  func() time.Time
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "ff"
	}
	return &Store{
		rdb:  rdb,
		keys: keyspace{prefix: prefix},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Prefix はキーのプレフィックスを返します。
func (s *Store) Prefix() string {
	return s.keys.prefix
}

// watch は TxFailedErr の間 fn を再実行します。
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict on %v: gave up after %d attempts", keys, maxTxAttempts)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c stringGetter, ref Ref) (*Job, error) {
	data, err := c.Get(ctx, s.keys.job(ref)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", ref, err)
	}
	return &job, nil
}

func (s *Store) put(ctx context.Context, pipe redis.Pipeliner, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.Ref(), err)
	}
	pipe.Set(ctx, s.keys.job(job.Ref()), data, 0)
	return nil
}

func checkLease(job *Job, ref Ref, token string) error {
	if job == nil || job.State != StateActive || token == "" || job.Token != token {
		return fmt.Errorf("%w: %s", ErrLeaseLost, ref)
	}
	return nil
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, ref Ref) (*Job, error) {
	if ref.Queue == "" || ref.ID == "" {
		return nil, fmt.Errorf("queue and job id are required")
	}
	return s.load(ctx, s.rdb, ref)
}

// Enqueue はジョブを1件投入します。
func (s *Store) Enqueue(ctx context.Context, queue string, payload json.RawMessage, opts Options) (*Job, error) {
	created, err := s.AddBatch(ctx, []NewJob{{
		Queue:   queue,
		ID:      opts.JobID,
		Payload: payload,
		Opts:    opts,
		Parent:  opts.Parent,
	}}, BatchOptions{Idempotent: opts.Idempotent})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// AddBatch は複数のジョブを親子関係ごと1トランザクションで保存します。
// specs は親が子より先に並んでいる必要があります。
// 戻り値は specs と同じ順序で、冪等投入によりスキップされた部分木は既存ルートのみが含まれます。
func (s *Store) AddBatch(ctx context.Context, specs []NewJob, bo BatchOptions) ([]*Job, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no jobs to add")
	}

	specs = append([]NewJob(nil), specs...)
	index := make(map[string]int, len(specs))
	external := make(map[string]Ref)
	watchKeys := make([]string, 0, len(specs)+2)
	for i := range specs {
		spec := &specs[i]
		if spec.Queue == "" {
			return nil, fmt.Errorf("job %d: queue is required", i)
		}
		if spec.ID == "" {
			spec.ID = uuid.NewString()
		}
		ref := Ref{Queue: spec.Queue, ID: spec.ID}
		if strings.Contains(spec.Queue, ":") || strings.Contains(spec.ID, ":") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref.String())
		}
		if _, dup := index[ref.String()]; dup {
			return nil, fmt.Errorf("job %s appears twice in one submission", ref)
		}
		if spec.Parent != nil {
			if _, ok := index[spec.Parent.String()]; !ok {
				external[spec.Parent.String()] = *spec.Parent
			}
		}
		index[ref.String()] = i
		watchKeys = append(watchKeys, s.keys.job(ref))
	}
	if bo.Lease != nil {
		lr := bo.Lease.Ref()
		if _, ok := external[lr.String()]; !ok {
			return nil, fmt.Errorf("lease %s is not the parent of any added job", lr)
		}
	}
	for _, p := range external {
		watchKeys = append(watchKeys, s.keys.job(p), s.keys.deps(p))
	}

	var result []*Job
	err := s.watch(ctx, func(tx *redis.Tx) error {
		now := s.now()
		result = make([]*Job, 0, len(specs))

		parents := make(map[string]*Job, len(external))
		for key, p := range external {
			parent, err := s.load(ctx, tx, p)
			if err != nil {
				return err
			}
			if parent == nil {
				return fmt.Errorf("parent %s: %w", p, ErrJobNotFound)
			}
			if parent.State.Terminal() {
				return fmt.Errorf("%w: %s", ErrParentFinished, p)
			}
			if bo.Lease != nil && p == bo.Lease.Ref() {
				if err := checkLease(parent, p, bo.Lease.Token()); err != nil {
					return err
				}
			}
			parents[key] = parent
		}

		created := make([]*Job, 0, len(specs))
		byRef := make(map[string]*Job, len(specs))
		replaced := make([]*Job, 0)
		skipped := make(map[string]bool)
		for _, spec := range specs {
			ref := Ref{Queue: spec.Queue, ID: spec.ID}
			_, parentInBatch := index[refString(spec.Parent)]
			if spec.Parent != nil && skipped[spec.Parent.String()] {
				skipped[ref.String()] = true
				continue
			}

			old, err := s.load(ctx, tx, ref)
			if err != nil {
				return err
			}
			if old != nil && !old.State.Terminal() {
				isRoot := spec.Parent == nil || !parentInBatch
				if bo.Idempotent && isRoot {
					skipped[ref.String()] = true
					result = append(result, old)
					continue
				}
				return &DuplicateJobError{Ref: ref, State: old.State}
			}
			if old != nil {
				replaced = append(replaced, old)
			}

			job := &Job{
				ID:        spec.ID,
				Queue:     spec.Queue,
				Payload:   spec.Payload,
				State:     StateWaiting,
				Parent:    spec.Parent,
				Opts:      spec.Opts,
				CreatedAt: now,
			}
			job.Opts.JobID, job.Opts.Parent, job.Opts.Idempotent = "", nil, false
			if spec.HasChildren {
				job.State = StateWaitingChildren
			}
			if spec.Parent != nil {
				var parent *Job
				if parentInBatch {
					parent = byRef[spec.Parent.String()]
				} else {
					parent = parents[spec.Parent.String()]
				}
				root := parent.FlowRoot()
				job.Root = &root
			}
			byRef[ref.String()] = job
			created = append(created, job)
			result = append(result, job)
		}

		if len(created) == 0 {
			return nil
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, old := range replaced {
				r := old.Ref()
				pipe.Del(ctx, s.keys.children(r), s.keys.deps(r), s.keys.processed(r), s.keys.ignored(r))
				pipe.ZRem(ctx, s.keys.completed(r.Queue), r.ID)
				pipe.ZRem(ctx, s.keys.failed(r.Queue), r.ID)
			}

			touched := make(map[string]bool)
			for _, job := range created {
				if err := s.put(ctx, pipe, job); err != nil {
					return err
				}
				if job.State == StateWaitingChildren {
					pipe.SAdd(ctx, s.keys.waitingChildren(job.Queue), job.ID)
					s.keys.publish(ctx, pipe, newEvent(EventWaitingChildren, job))
				} else {
					pipe.LPush(ctx, s.keys.wait(job.Queue), job.ID)
					s.keys.publish(ctx, pipe, newEvent(EventWaiting, job))
				}
				if job.Parent != nil {
					pipe.SAdd(ctx, s.keys.deps(*job.Parent), job.Ref().String())
					pipe.RPush(ctx, s.keys.children(*job.Parent), job.Ref().String())
					touched[job.Parent.String()] = true
				}
			}

			for key, parent := range parents {
				if !touched[key] {
					continue
				}
				switch parent.State {
				case StateWaiting:
					pipe.LRem(ctx, s.keys.wait(parent.Queue), 0, parent.ID)
					pipe.SAdd(ctx, s.keys.waitingChildren(parent.Queue), parent.ID)
					parent.State = StateWaitingChildren
				case StateDelayed:
					pipe.ZRem(ctx, s.keys.delayed(parent.Queue), parent.ID)
					pipe.SAdd(ctx, s.keys.waitingChildren(parent.Queue), parent.ID)
					parent.State = StateWaitingChildren
				}
				if bo.Lease != nil && parent.Ref() == bo.Lease.Ref() && len(bo.ParentPayload) > 0 {
					parent.Payload = bo.ParentPayload
				}
				if err := s.put(ctx, pipe, parent); err != nil {
					return err
				}
				s.keys.publish(ctx, pipe, newEvent(EventChildrenAdded, parent))
			}
			return nil
		})
		return err
	}, watchKeys...)
	if err != nil {
		return nil, err
	}
	if bo.Lease != nil && len(bo.ParentPayload) > 0 {
		bo.Lease.Job.Payload = bo.ParentPayload
	}
	return result, nil
}

func refString(r *Ref) string {
	if r == nil {
		return ""
	}
	return r.String()
}

// Claim は次に実行できるジョブを取り出し、排他リースを付与します。
// キューが空の場合は nil を返します。
func (s *Store) Claim(ctx context.Context, queue string, leaseDuration time.Duration) (*Lease, error) {
	if leaseDuration <= 0 {
		leaseDuration = defaultLease
	}
	if err := s.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}

	waitKey := s.keys.wait(queue)
	for {
		var (
			claimed *Job
			orphan  bool
		)
		err := s.watch(ctx, func(tx *redis.Tx) error {
			claimed, orphan = nil, false
			id, err := tx.LIndex(ctx, waitKey, -1).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil
				}
				return err
			}
			ref := Ref{Queue: queue, ID: id}
			if err := tx.Watch(ctx, s.keys.job(ref)).Err(); err != nil {
				return err
			}
			job, err := s.load(ctx, tx, ref)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.RPop(ctx, waitKey)
				if job == nil || job.State != StateWaiting {
					// 削除済みや状態不一致のエントリは捨てる
					orphan = true
					return nil
				}
				now := s.now()
				job.State = StateActive
				job.Token = uuid.NewString()
				job.Runs++
				job.ProcessedAt = now
				job.LeaseUntil = now.Add(leaseDuration)
				pipe.ZAdd(ctx, s.keys.active(queue), redis.Z{Score: msScore(job.LeaseUntil), Member: id})
				if err := s.put(ctx, pipe, job); err != nil {
					return err
				}
				s.keys.publish(ctx, pipe, newEvent(EventActive, job))
				claimed = job
				return nil
			})
			return err
		}, waitKey)
		if err != nil {
			return nil, err
		}
		if orphan {
			continue
		}
		if claimed == nil {
			return nil, nil
		}
		return &Lease{store: s, Job: claimed}, nil
	}
}

// promoteDelayed は再開時刻を過ぎたリトライ待ちジョブを待機列に戻します。
func (s *Store) promoteDelayed(ctx context.Context, queue string) error {
	delayedKey := s.keys.delayed(queue)
	ids, err := s.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.now().UnixMilli(), 10),
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		ref := Ref{Queue: queue, ID: id}
		err := s.watch(ctx, func(tx *redis.Tx) error {
			score, err := tx.ZScore(ctx, delayedKey, id).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil
				}
				return err
			}
			if score > msScore(s.now()) {
				return nil
			}
			job, err := s.load(ctx, tx, ref)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, delayedKey, id)
				if job == nil || job.State != StateDelayed {
					return nil
				}
				job.State = StateWaiting
				pipe.LPush(ctx, s.keys.wait(queue), id)
				if err := s.put(ctx, pipe, job); err != nil {
					return err
				}
				s.keys.publish(ctx, pipe, newEvent(EventWaiting, job))
				return nil
			})
			return err
		}, delayedKey, s.keys.job(ref))
		if err != nil {
			return err
		}
	}
	return nil
}

// ExtendLease はリース期限を延長します。
func (s *Store) ExtendLease(ctx context.Context, ref Ref, token string, d time.Duration) error {
	if d <= 0 {
		d = defaultLease
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, ref)
		if err != nil {
			return err
		}
		if err := checkLease(job, ref, token); err != nil {
			return err
		}
		job.LeaseUntil = s.now().Add(d)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, s.keys.active(ref.Queue), redis.Z{Score: msScore(job.LeaseUntil), Member: ref.ID})
			return s.put(ctx, pipe, job)
		})
		return err
	}, s.keys.job(ref))
}

// UpdateProgress は実行中ジョブのペイロードを更新します（ステップの保存に使用）。
func (s *Store) UpdateProgress(ctx context.Context, ref Ref, token string, payload json.RawMessage) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, ref)
		if err != nil {
			return err
		}
		if err := checkLease(job, ref, token); err != nil {
			return err
		}
		job.Payload = payload
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.put(ctx, pipe, job); err != nil {
				return err
			}
			ev := newEvent(EventProgress, job)
			ev.Data = payload
			s.keys.publish(ctx, pipe, ev)
			return nil
		})
		return err
	}, s.keys.job(ref))
}

// Children は子ジョブの Ref を追加順に返します。
func (s *Store) Children(ctx context.Context, ref Ref) ([]Ref, error) {
	raw, err := s.rdb.LRange(ctx, s.keys.children(ref), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(raw))
	for _, r := range raw {
		child, err := ParseRef(r)
		if err != nil {
			return nil, err
		}
		refs = append(refs, child)
	}
	return refs, nil
}

// Counts はキューの状態ごとの件数を返します。
func (s *Store) Counts(ctx context.Context, queue string) (map[State]int64, error) {
	pipe := s.rdb.Pipeline()
	wait := pipe.LLen(ctx, s.keys.wait(queue))
	active := pipe.ZCard(ctx, s.keys.active(queue))
	delayed := pipe.ZCard(ctx, s.keys.delayed(queue))
	waitingChildren := pipe.SCard(ctx, s.keys.waitingChildren(queue))
	completed := pipe.ZCard(ctx, s.keys.completed(queue))
	failed := pipe.ZCard(ctx, s.keys.failed(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return map[State]int64{
		StateWaiting:         wait.Val(),
		StateActive:          active.Val(),
		StateDelayed:         delayed.Val(),
		StateWaitingChildren: waitingChildren.Val(),
		StateCompleted:       completed.Val(),
		StateFailed:          failed.Val(),
	}, nil
}

// ReclaimExpired はリース期限切れのジョブを待機列に戻します。
// maxStalled 回を超えて期限切れになったジョブは失敗として確定します。
func (s *Store) ReclaimExpired(ctx context.Context, queue string, maxStalled int) (int, error) {
	activeKey := s.keys.active(queue)
	ids, err := s.rdb.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(s.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range ids {
		ref := Ref{Queue: queue, ID: id}
		var cascade *Ref
		err := s.watch(ctx, func(tx *redis.Tx) error {
			cascade = nil
			score, err := tx.ZScore(ctx, activeKey, id).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil
				}
				return err
			}
			if score > msScore(s.now()) {
				return nil
			}
			job, err := s.load(ctx, tx, ref)
			if err != nil {
				return err
			}
			if job == nil || job.State != StateActive {
				return tx.ZRem(ctx, activeKey, id).Err()
			}

			job.StalledCount++
			if job.StalledCount > maxStalled {
				cascade, err = s.failInTx(ctx, tx, job, stalledFailedReason)
				if err == nil {
					reclaimed++
				}
				return err
			}

			job.State = StateWaiting
			job.Token = ""
			job.LeaseUntil = time.Time{}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, activeKey, id)
				pipe.LPush(ctx, s.keys.wait(queue), id)
				if err := s.put(ctx, pipe, job); err != nil {
					return err
				}
				s.keys.publish(ctx, pipe, newEvent(EventStalled, job))
				return nil
			})
			if err == nil {
				reclaimed++
			}
			return err
		}, activeKey, s.keys.job(ref))
		if err != nil {
			return reclaimed, err
		}
		if cascade != nil {
			if err := s.failCascade(ctx, *cascade, ref, stalledFailedReason); err != nil {
				return reclaimed, err
			}
		}
	}
	return reclaimed, nil
}

// Clean は保持期間を過ぎた終了済みジョブを削除します。
func (s *Store) Clean(ctx context.Context, queue string, state State, grace time.Duration, limit int64) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("only terminal states can be cleaned, got %s", state)
	}
	setKey := s.keys.terminalSet(queue, state)
	cutoff := s.now().Add(-grace)
	ids, err := s.rdb.ZRangeByScore(ctx, setKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		ref := Ref{Queue: queue, ID: id}
		err := s.watch(ctx, func(tx *redis.Tx) error {
			job, err := s.load(ctx, tx, ref)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, setKey, id)
				if job == nil || job.State != state {
					return nil
				}
				pipe.Del(ctx, s.keys.job(ref), s.keys.children(ref), s.keys.deps(ref), s.keys.processed(ref), s.keys.ignored(ref))
				s.keys.publish(ctx, pipe, newEvent(EventRemoved, job))
				removed++
				return nil
			})
			return err
		}, s.keys.job(ref))
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// RequestCancel はフローに対する協調的キャンセルを要求します。
// 実行中のジョブは止めず、以降に開始されるジョブとステップが打ち切られます。
func (s *Store) RequestCancel(ctx context.Context, root Ref, ttl time.Duration) error {
	job, err := s.Get(ctx, root)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, root)
	}
	return s.rdb.Set(ctx, s.keys.cancel(root), s.now().Format(time.RFC3339), ttl).Err()
}

// CancelRequested は refs のいずれかにキャンセル要求があるかを返します。
func (s *Store) CancelRequested(ctx context.Context, refs ...Ref) (bool, error) {
	if len(refs) == 0 {
		return false, nil
	}
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = s.keys.cancel(r)
	}
	n, err := s.rdb.Exists(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
