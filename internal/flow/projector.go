package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/flow-forge/internal/jobs"
)

// ErrFlowNotFound はルートジョブが存在しない場合に返されます。
var ErrFlowNotFound = errors.New("flow not found")

const defaultCoalesce = 50 * time.Millisecond

// Snapshot はフローのある時点の状態をツリーとして表します。保存はされません。
type Snapshot struct {
	JobID        string          `json:"jobId"`
	Queue        string          `json:"queue"`
	Status       jobs.State      `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Children     []*Snapshot     `json:"children,omitempty"`
}

// Find は jobID のノードを探します。
func (s *Snapshot) Find(queue, jobID string) *Snapshot {
	if s == nil {
		return nil
	}
	if s.Queue == queue && s.JobID == jobID {
		return s
	}
	for _, c := range s.Children {
		if found := c.Find(queue, jobID); found != nil {
			return found
		}
	}
	return nil
}

// PushFunc はスナップショットを購読者に届けます。エラーは購読者がいなくなったことを示します。
type PushFunc func(*Snapshot) error

// Projector はジョブイベントを購読し、フローのスナップショットを配信します。
type Projector struct {
	store    *jobs.Store
	bus      *jobs.Bus
	logger   zerolog.Logger
	coalesce time.Duration
}

// NewProjector は Projector を作成します。
func NewProjector(store *jobs.Store, bus *jobs.Bus, logger zerolog.Logger) *Projector {
	return &Projector{
		store:    store,
		bus:      bus,
		logger:   logger,
		coalesce: defaultCoalesce,
	}
}

// Snapshot はルートからフローをたどり、現在のスナップショットを返します。
func (p *Projector) Snapshot(ctx context.Context, root jobs.Ref) (*Snapshot, error) {
	snap, _, err := p.snapshot(ctx, root)
	return snap, err
}

// snapshot はスナップショットと、ツリーに含まれる Ref の索引を返します。
func (p *Projector) snapshot(ctx context.Context, root jobs.Ref) (*Snapshot, map[string]struct{}, error) {
	index := make(map[string]struct{})

	var walk func(ref jobs.Ref) (*Snapshot, error)
	walk = func(ref jobs.Ref) (*Snapshot, error) {
		if _, seen := index[ref.String()]; seen {
			return nil, fmt.Errorf("job %s appears twice in flow %s", ref, root)
		}
		job, err := p.store.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}
		index[ref.String()] = struct{}{}

		node := &Snapshot{
			JobID:        job.ID,
			Queue:        job.Queue,
			Status:       job.State,
			Data:         job.Payload,
			ReturnValue:  job.ReturnValue,
			FailedReason: job.FailedReason,
		}
		children, err := p.store.Children(ctx, ref)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			child, err := walk(c)
			if err != nil {
				return nil, err
			}
			if child != nil {
				node.Children = append(node.Children, child)
			}
		}
		return node, nil
	}

	snap, err := walk(root)
	if err != nil {
		return nil, nil, err
	}
	if snap == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrFlowNotFound, root)
	}
	return snap, index, nil
}

// Watch はフローのスナップショットを push に送り続けます。
//
// 購読を確立してから最初のスナップショットを送るため、その間の変化も取りこぼしません。
// 以降はツリーに含まれるジョブ（または含まれるジョブを親に持つジョブ）のイベントだけで
// スナップショットを作り直します。連続したイベントは1回の再計算にまとめます。
// ルートが完了または失敗した時点で購読を解除して終了します。
// push がエラーを返した場合は購読者が切断したものとして nil を返します。
func (p *Projector) Watch(ctx context.Context, root jobs.Ref, queues []string, push PushFunc) error {
	sub, err := p.bus.Subscribe(ctx, withQueue(queues, root.Queue)...)
	if err != nil {
		return err
	}
	defer sub.Close()

	logger := p.logger.With().Str("flow", root.String()).Logger()

	snap, index, err := p.snapshot(ctx, root)
	if err != nil {
		return err
	}
	if err := push(snap); err != nil {
		logger.Debug().Err(err).Msg("flow subscriber gone")
		return nil
	}
	if snap.Status.Terminal() {
		return nil
	}

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event subscription for %s closed", root)
			}
			if !member(index, ev) {
				continue
			}
			if !p.drain(ctx, events) {
				return nil
			}

			snap, index, err = p.snapshot(ctx, root)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := push(snap); err != nil {
				logger.Debug().Err(err).Msg("flow subscriber gone")
				return nil
			}
			if snap.Status.Terminal() {
				logger.Debug().Str("status", string(snap.Status)).Msg("flow finished, closing stream")
				return nil
			}
		}
	}
}

// drain は coalesce の間に届いたイベントを読み捨てます。ctx が終わった場合は false を返します。
func (p *Projector) drain(ctx context.Context, events <-chan jobs.Event) bool {
	if p.coalesce <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(p.coalesce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case _, ok := <-events:
			if !ok {
				return true
			}
		}
	}
}

// member はイベントのジョブがフローに属するかを判定します。
// 追加直後の子はまだ索引にないため、親が索引にあれば対象とします。
func member(index map[string]struct{}, ev jobs.Event) bool {
	if _, ok := index[ev.Ref().String()]; ok {
		return true
	}
	if ev.Parent != nil {
		if _, ok := index[ev.Parent.String()]; ok {
			return true
		}
	}
	return false
}

func withQueue(queues []string, queue string) []string {
	for _, q := range queues {
		if q == queue {
			return queues
		}
	}
	return append(append([]string(nil), queues...), queue)
}
