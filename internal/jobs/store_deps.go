package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultAttempts = 1
	maxBackoff      = time.Hour
)

// Complete はジョブを完了として確定し、戻り値を親に伝えます。
// 親の未解決の子がなくなり、親が子待ちであれば親を待機列に戻します。
func (s *Store) Complete(ctx context.Context, ref Ref, token string, value json.RawMessage) error {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		job, err := s.load(ctx, tx, ref)
		if err != nil {
			return err
		}
		if err := checkLease(job, ref, token); err != nil {
			return err
		}

		var (
			parent    *Job
			remaining int64
		)
		if job.Parent != nil {
			p, rem, isDep, err := s.watchParent(ctx, tx, *job.Parent, ref)
			if err != nil {
				return err
			}
			// 置き換え前の世代の子が遅れて完了しても、新しい親には記録しない
			if p != nil && isDep {
				parent, remaining = p, rem
			}
		}

		now := s.now()
		job.State = StateCompleted
		job.ReturnValue = value
		job.FinishedAt = now
		job.Token = ""
		job.LeaseUntil = time.Time{}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, s.keys.active(ref.Queue), ref.ID)
			pipe.ZAdd(ctx, s.keys.completed(ref.Queue), redis.Z{Score: msScore(now), Member: ref.ID})
			if err := s.put(ctx, pipe, job); err != nil {
				return err
			}
			ev := newEvent(EventCompleted, job)
			ev.Data = value
			s.keys.publish(ctx, pipe, ev)

			if parent == nil {
				return nil
			}
			pipe.SRem(ctx, s.keys.deps(parent.Ref()), ref.String())
			pipe.HSet(ctx, s.keys.processed(parent.Ref()), ref.String(), string(value))
			if parent.State == StateWaitingChildren && remaining == 0 {
				return s.releaseParent(ctx, pipe, parent)
			}
			return nil
		})
		return err
	}, s.keys.job(ref))
}

// Fail はハンドラーの失敗を記録します。
// リトライ可能なエラーで試行回数が残っていれば待機列（またはバックオフ付きで遅延集合）に戻し、
// それ以外は失敗として確定して親に伝播します。戻り値は遷移後の状態です。
func (s *Store) Fail(ctx context.Context, ref Ref, token string, cause error) (State, error) {
	if cause == nil {
		cause = fmt.Errorf("unknown error")
	}
	reason := cause.Error()

	var (
		next    State
		cascade *Ref
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		cascade = nil
		job, err := s.load(ctx, tx, ref)
		if err != nil {
			return err
		}
		if err := checkLease(job, ref, token); err != nil {
			return err
		}

		attempts := job.Opts.Attempts
		if attempts <= 0 {
			attempts = defaultAttempts
		}
		job.AttemptsMade++
		if IsFatal(cause) || job.AttemptsMade >= attempts {
			next = StateFailed
			cascade, err = s.failInTx(ctx, tx, job, reason)
			return err
		}

		delay := backoffDelay(job.Opts.Backoff, job.AttemptsMade)
		job.FailedReason = reason
		job.Token = ""
		job.LeaseUntil = time.Time{}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, s.keys.active(ref.Queue), ref.ID)
			var ev Event
			if delay > 0 {
				job.State = StateDelayed
				pipe.ZAdd(ctx, s.keys.delayed(ref.Queue), redis.Z{Score: msScore(s.now().Add(delay)), Member: ref.ID})
				ev = newEvent(EventDelayed, job)
			} else {
				job.State = StateWaiting
				pipe.LPush(ctx, s.keys.wait(ref.Queue), ref.ID)
				ev = newEvent(EventWaiting, job)
			}
			next = job.State
			if err := s.put(ctx, pipe, job); err != nil {
				return err
			}
			ev.FailedReason = reason
			s.keys.publish(ctx, pipe, ev)
			return nil
		})
		return err
	}, s.keys.job(ref))
	if err != nil {
		return "", err
	}

	if cascade != nil {
		if err := s.failCascade(ctx, *cascade, ref, reason); err != nil {
			return next, err
		}
	}
	return next, nil
}

// backoffDelay は指数バックオフの待ち時間を返します（base * 2^(attemptsMade-1)）。
func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 || attemptsMade <= 0 {
		return 0
	}
	d := float64(base) * math.Pow(2, float64(attemptsMade-1))
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}

// failInTx はジョブを失敗として確定する書き込みを tx に積みます。
// 親を失敗させる必要がある場合はその Ref を返します。親の失敗は別トランザクションで行います。
func (s *Store) failInTx(ctx context.Context, tx *redis.Tx, job *Job, reason string) (*Ref, error) {
	ref := job.Ref()
	prev := job.State

	var (
		parent    *Job
		remaining int64
		ignore    bool
		cascade   *Ref
	)
	if job.Parent != nil {
		p, rem, isDep, err := s.watchParent(ctx, tx, *job.Parent, ref)
		if err != nil {
			return nil, err
		}
		if p != nil && !p.State.Terminal() {
			switch {
			case job.Opts.IgnoreDependencyOnFailure && isDep:
				parent, remaining, ignore = p, rem, true
			case job.Opts.FailParentOnFailure:
				pr := p.Ref()
				cascade = &pr
			}
		}
	}

	now := s.now()
	job.State = StateFailed
	job.FailedReason = reason
	job.FinishedAt = now
	job.Token = ""
	job.LeaseUntil = time.Time{}

	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.removeFromStateSet(ctx, pipe, ref, prev)
		pipe.ZAdd(ctx, s.keys.failed(ref.Queue), redis.Z{Score: msScore(now), Member: ref.ID})
		if err := s.put(ctx, pipe, job); err != nil {
			return err
		}
		ev := newEvent(EventFailed, job)
		ev.FailedReason = reason
		s.keys.publish(ctx, pipe, ev)

		if !ignore {
			return nil
		}
		pipe.SRem(ctx, s.keys.deps(parent.Ref()), ref.String())
		pipe.HSet(ctx, s.keys.ignored(parent.Ref()), ref.String(), reason)
		if parent.State == StateWaitingChildren && remaining == 0 {
			return s.releaseParent(ctx, pipe, parent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cascade, nil
}

// failCascade は子の失敗を受けて祖先を順に失敗させます。
// 終了済みの祖先に達するか、FailParentOnFailure を持たない祖先で止まります。
func (s *Store) failCascade(ctx context.Context, target Ref, child Ref, reason string) error {
	for {
		reason = fmt.Sprintf("child %s failed: %s", child, reason)
		var next *Ref
		err := s.watch(ctx, func(tx *redis.Tx) error {
			next = nil
			job, err := s.load(ctx, tx, target)
			if err != nil {
				return err
			}
			if job == nil || job.State.Terminal() {
				return nil
			}
			next, err = s.failInTx(ctx, tx, job, reason)
			return err
		}, s.keys.job(target))
		if err != nil {
			return fmt.Errorf("fail parent %s: %w", target, err)
		}
		if next == nil {
			return nil
		}
		child, target = target, *next
	}
}

// watchParent は親ジョブと依存集合を WATCH に加え、child を除いた未解決の子の数と
// child がまだ依存集合に含まれているかを返します。
func (s *Store) watchParent(ctx context.Context, tx *redis.Tx, parentRef, child Ref) (*Job, int64, bool, error) {
	if err := tx.Watch(ctx, s.keys.job(parentRef), s.keys.deps(parentRef)).Err(); err != nil {
		return nil, 0, false, err
	}
	parent, err := s.load(ctx, tx, parentRef)
	if err != nil || parent == nil {
		return nil, 0, false, err
	}
	depsKey := s.keys.deps(parentRef)
	card, err := tx.SCard(ctx, depsKey).Result()
	if err != nil {
		return nil, 0, false, err
	}
	isDep, err := tx.SIsMember(ctx, depsKey, child.String()).Result()
	if err != nil {
		return nil, 0, false, err
	}
	if isDep {
		card--
	}
	return parent, card, isDep, nil
}

// releaseParent は子待ちの親を待機列に戻します。
func (s *Store) releaseParent(ctx context.Context, pipe redis.Pipeliner, parent *Job) error {
	pipe.SRem(ctx, s.keys.waitingChildren(parent.Queue), parent.ID)
	pipe.LPush(ctx, s.keys.wait(parent.Queue), parent.ID)
	parent.State = StateWaiting
	if err := s.put(ctx, pipe, parent); err != nil {
		return err
	}
	s.keys.publish(ctx, pipe, newEvent(EventWaiting, parent))
	return nil
}

func (s *Store) removeFromStateSet(ctx context.Context, pipe redis.Pipeliner, ref Ref, state State) {
	switch state {
	case StateActive:
		pipe.ZRem(ctx, s.keys.active(ref.Queue), ref.ID)
	case StateWaiting:
		pipe.LRem(ctx, s.keys.wait(ref.Queue), 0, ref.ID)
	case StateDelayed:
		pipe.ZRem(ctx, s.keys.delayed(ref.Queue), ref.ID)
	case StateWaitingChildren:
		pipe.SRem(ctx, s.keys.waitingChildren(ref.Queue), ref.ID)
	}
}

// MoveToWaitingChildren は実行中のジョブを子待ちに移し、リースを手放します。
// 未解決の子がない場合は何もせず false を返します（ハンドラーはそのまま次のステップへ進めます）。
func (s *Store) MoveToWaitingChildren(ctx context.Context, ref Ref, token string) (bool, error) {
	var moved bool
	err := s.watch(ctx, func(tx *redis.Tx) error {
		moved = false
		job, err := s.load(ctx, tx, ref)
		if err != nil {
			return err
		}
		if err := checkLease(job, ref, token); err != nil {
			return err
		}
		pending, err := tx.SCard(ctx, s.keys.deps(ref)).Result()
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}

		job.State = StateWaitingChildren
		job.Token = ""
		job.LeaseUntil = time.Time{}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, s.keys.active(ref.Queue), ref.ID)
			pipe.SAdd(ctx, s.keys.waitingChildren(ref.Queue), ref.ID)
			if err := s.put(ctx, pipe, job); err != nil {
				return err
			}
			s.keys.publish(ctx, pipe, newEvent(EventWaitingChildren, job))
			return nil
		})
		if err == nil {
			moved = true
		}
		return err
	}, s.keys.job(ref), s.keys.deps(ref))
	return moved, err
}

// ChildrenValues は完了した子ジョブの戻り値を Ref 文字列をキーにして返します。
// 未解決の子が残っている場合は ChildrenNotReadyError を返します。
func (s *Store) ChildrenValues(ctx context.Context, ref Ref) (map[string]json.RawMessage, error) {
	pipe := s.rdb.TxPipeline()
	exists := pipe.Exists(ctx, s.keys.job(ref))
	pending := pipe.SCard(ctx, s.keys.deps(ref))
	values := pipe.HGetAll(ctx, s.keys.processed(ref))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	if exists.Val() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, ref)
	}
	if n := pending.Val(); n > 0 {
		return nil, &ChildrenNotReadyError{Ref: ref, Pending: n}
	}
	out := make(map[string]json.RawMessage, len(values.Val()))
	for k, v := range values.Val() {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// IgnoredFailures は失敗を無視された子ジョブの失敗理由を返します。
func (s *Store) IgnoredFailures(ctx context.Context, ref Ref) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, s.keys.ignored(ref)).Result()
}
