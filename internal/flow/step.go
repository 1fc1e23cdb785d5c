package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yourusername/flow-forge/internal/jobs"
)

// Step は再開可能なファンアウト処理の現在位置です。ジョブのペイロードに保存されます。
type Step int

const (
	StepInitial Step = iota
	StepWaitForChildren
	StepFinish
)

var stepNames = map[Step]string{
	StepInitial:         "initial",
	StepWaitForChildren: "wait-for-children",
	StepFinish:          "finish",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// MarshalText はステップ名で保存します。
func (s Step) MarshalText() ([]byte, error) {
	name, ok := stepNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown step %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText はステップ名を解釈します。空文字は StepInitial です。
func (s *Step) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = StepInitial
		return nil
	}
	for step, name := range stepNames {
		if name == string(text) {
			*s = step
			return nil
		}
	}
	return fmt.Errorf("unknown step %q", text)
}

// StepState はペイロードに埋め込むステップ情報です。
type StepState struct {
	Step Step `json:"step"`
}

// Cursor はステップへのポインタを返します。
func (s *StepState) Cursor() *Step {
	return &s.Step
}

// Resumable は StepState を埋め込んだペイロードが満たすインターフェースです。
type Resumable interface {
	Cursor() *Step
}

// Results は子ジョブの集計結果です。
type Results struct {
	// Values は完了した子の戻り値（キーは "queue:id"）です。
	Values map[string]json.RawMessage
	// Failed は失敗を無視された子の失敗理由です。
	Failed map[string]string
}

// Decode は子ジョブ ref の戻り値を v に展開します。
func (r Results) Decode(ref jobs.Ref, v any) error {
	raw, ok := r.Values[ref.String()]
	if !ok {
		return fmt.Errorf("no result for %s", ref)
	}
	return json.Unmarshal(raw, v)
}

// FanOut は「子ジョブを動的に追加して待ち、結果を集計する」ハンドラーの骨組みです。
//
// Initial で Discover が返したノードを自身の子として追加し、同じ書き込みで
// WaitForChildren を保存します。WaitForChildren では未解決の子があれば子待ちに移って
// jobs.ErrWaitingChildren を返し、なければ Finish を保存して Finish を呼びます。
// 保存済みのステップが Initial を過ぎていれば、子の追加は二度と行いません。
type FanOut[P Resumable] struct {
	Producer *Producer
	Discover func(ctx context.Context, lease *jobs.Lease, payload P) ([]Node, error)
	Finish   func(ctx context.Context, lease *jobs.Lease, payload P, results Results) (any, error)
}

// Run は payload に保存されたステップから処理を再開します。
func (f FanOut[P]) Run(ctx context.Context, lease *jobs.Lease, payload P) (any, error) {
	cursor := payload.Cursor()
	for {
		cancelled, err := lease.CancelRequested(ctx)
		if err != nil {
			return nil, err
		}
		if cancelled {
			return nil, jobs.Fatal(jobs.ErrCancelled)
		}

		switch *cursor {
		case StepInitial:
			children, err := f.Discover(ctx, lease, payload)
			if err != nil {
				return nil, err
			}
			*cursor = StepWaitForChildren
			if _, err := f.Producer.AddChildren(ctx, lease, children, payload); err != nil {
				*cursor = StepInitial
				return nil, fmt.Errorf("add children: %w", err)
			}

		case StepWaitForChildren:
			moved, err := lease.MoveToWaitingChildren(ctx)
			if err != nil {
				return nil, err
			}
			if moved {
				return nil, jobs.ErrWaitingChildren
			}
			*cursor = StepFinish
			if err := lease.UpdatePayload(ctx, payload); err != nil {
				return nil, err
			}

		case StepFinish:
			values, err := lease.ChildrenValues(ctx)
			if err != nil {
				return nil, err
			}
			failed, err := lease.IgnoredFailures(ctx)
			if err != nil {
				return nil, err
			}
			return f.Finish(ctx, lease, payload, Results{Values: values, Failed: failed})

		default:
			return nil, jobs.Fatal(fmt.Errorf("unknown step %s", *cursor))
		}
	}
}
