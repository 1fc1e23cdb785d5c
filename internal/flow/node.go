// Package flow はジョブの依存ツリー（フロー）の投入、再開可能なファンアウト処理、
// フローの進捗スナップショットとその配信を提供します。
package flow

import (
	"encoding/json"
	"fmt"

	"github.com/yourusername/flow-forge/internal/jobs"
)

// Node はフローの1ノードの宣言です。Children は親より先に完了する必要があります。
type Node struct {
	Queue    string       `json:"queue" validate:"required,excludesall=:"`
	ID       string       `json:"id,omitempty" validate:"max=200,excludesall=:"`
	Payload  any          `json:"payload,omitempty"`
	Opts     jobs.Options `json:"opts"`
	Children []Node       `json:"children,omitempty" validate:"dive"`
}

// Ref は ID が決まっているノードの Ref を返します。
func (n Node) Ref() jobs.Ref {
	return jobs.Ref{Queue: n.Queue, ID: n.ID}
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Tree は投入結果のジョブツリーです。
type Tree struct {
	Job      *jobs.Job `json:"job"`
	Children []*Tree   `json:"children,omitempty"`
}

// Walk は深さ優先（親が先）で fn を呼び出します。
func (t *Tree) Walk(fn func(*Tree)) {
	if t == nil {
		return
	}
	fn(t)
	for _, c := range t.Children {
		c.Walk(fn)
	}
}
