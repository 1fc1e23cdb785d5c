package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Lease は Claim で取得した実行権です。ハンドラーはこれを通してジョブを操作します。
type Lease struct {
	store *Store
	Job   *Job
}

// Ref はリース対象のジョブを返します。
func (l *Lease) Ref() Ref {
	return l.Job.Ref()
}

// Token はリーストークンを返します。
func (l *Lease) Token() string {
	return l.Job.Token
}

// Extend はリース期限を延長します。
func (l *Lease) Extend(ctx context.Context, d time.Duration) error {
	return l.store.ExtendLease(ctx, l.Ref(), l.Token(), d)
}

// UpdatePayload はペイロードを v で置き換えて保存します。
func (l *Lease) UpdatePayload(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := l.store.UpdateProgress(ctx, l.Ref(), l.Token(), data); err != nil {
		return err
	}
	l.Job.Payload = data
	return nil
}

// AddChildren は自分を親として子ジョブを追加します。
// parentPayload を渡すと同じトランザクションで自分のペイロードも更新します。
func (l *Lease) AddChildren(ctx context.Context, specs []NewJob, parentPayload json.RawMessage) ([]*Job, error) {
	parent := l.Ref()
	for i := range specs {
		if specs[i].Parent == nil {
			specs[i].Parent = &parent
		}
	}
	return l.store.AddBatch(ctx, specs, BatchOptions{Lease: l, ParentPayload: parentPayload})
}

// MoveToWaitingChildren は子待ちに移ります。true の場合、ハンドラーは ErrWaitingChildren を返して終了します。
func (l *Lease) MoveToWaitingChildren(ctx context.Context) (bool, error) {
	return l.store.MoveToWaitingChildren(ctx, l.Ref(), l.Token())
}

// ChildrenValues は子ジョブの戻り値を返します。
func (l *Lease) ChildrenValues(ctx context.Context) (map[string]json.RawMessage, error) {
	return l.store.ChildrenValues(ctx, l.Ref())
}

// IgnoredFailures は失敗を無視された子ジョブの失敗理由を返します。
func (l *Lease) IgnoredFailures(ctx context.Context) (map[string]string, error) {
	return l.store.IgnoredFailures(ctx, l.Ref())
}

// CancelRequested はこのジョブまたはフローのルートにキャンセル要求があるかを返します。
func (l *Lease) CancelRequested(ctx context.Context) (bool, error) {
	return l.store.CancelRequested(ctx, l.Job.FlowRoot(), l.Ref())
}
