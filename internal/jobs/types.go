package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State はジョブの実行状態を表します。
type State string

const (
	StateWaiting         State = "waiting"
	StateActive          State = "active"
	StateWaitingChildren State = "waiting-children"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateDelayed         State = "delayed"
)

// Terminal は完了または失敗で確定した状態かどうかを返します。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Ref はキュー名とジョブIDの組でジョブを指し示します。
type Ref struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}

func (r Ref) String() string {
	return r.Queue + ":" + r.ID
}

// IsZero は未設定の Ref かどうかを返します。
func (r Ref) IsZero() bool {
	return r.Queue == "" && r.ID == ""
}

// ParseRef は "queue:id" 形式の文字列を Ref に変換します。
// キュー名にコロンは含まれない前提で、最初のコロンで分割します。
func ParseRef(s string) (Ref, error) {
	queue, id, ok := strings.Cut(s, ":")
	if !ok || queue == "" || id == "" {
		return Ref{}, fmt.Errorf("invalid job ref %q", s)
	}
	return Ref{Queue: queue, ID: id}, nil
}

// Options はジョブ投入時の設定です。
// json タグ付きのフィールドはジョブと一緒に保存されます。
type Options struct {
	JobID      string `json:"-"`
	Parent     *Ref   `json:"-"`
	Idempotent bool   `json:"-"`

	Attempts                  int           `json:"attempts,omitempty"`
	Backoff                   time.Duration `json:"backoff,omitempty"`
	IgnoreDependencyOnFailure bool          `json:"ignoreDependencyOnFailure,omitempty"`
	FailParentOnFailure       bool          `json:"failParentOnFailure,omitempty"`
}

// Job はジョブの現在状態を表します。
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        State           `json:"state"`
	Parent       *Ref            `json:"parent,omitempty"`
	Root         *Ref            `json:"root,omitempty"`
	Opts         Options         `json:"opts"`
	ReturnValue  json.RawMessage `json:"returnValue,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	// AttemptsMade は失敗で終わった実行の回数です。子待ちでの中断やリース切れは数えません。
	AttemptsMade int             `json:"attemptsMade"`
	// Runs はワーカーに取得された回数です。
	Runs         int             `json:"runs"`
	StalledCount int             `json:"stalledCount,omitempty"`
	Token        string          `json:"token,omitempty"`
	LeaseUntil   time.Time       `json:"leaseUntil,omitzero"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  time.Time       `json:"processedAt,omitzero"`
	FinishedAt   time.Time       `json:"finishedAt,omitzero"`
}

// Ref はこのジョブを指す Ref を返します。
func (j *Job) Ref() Ref {
	return Ref{Queue: j.Queue, ID: j.ID}
}

// FlowRoot はジョブが属するフローのルートを返します。ルート自身なら自分を返します。
func (j *Job) FlowRoot() Ref {
	if j.Root != nil {
		return *j.Root
	}
	return j.Ref()
}

// DecodePayload はペイロードを v に展開します。
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.Ref())
	}
	return json.Unmarshal(j.Payload, v)
}

// NewJob は AddBatch に渡す1件分のジョブ定義です。
// 親は同じバッチ内の先行要素か、既存のジョブを指します。
type NewJob struct {
	Queue       string
	ID          string
	Payload     json.RawMessage
	Opts        Options
	Parent      *Ref
	HasChildren bool
}

// BatchOptions は AddBatch の挙動を指定します。
type BatchOptions struct {
	// Idempotent が true の場合、稼働中のジョブと衝突したルートは既存ジョブを返して何もしません。
	Idempotent bool
	// Lease が指定されると、そのリースを持つ実行中ジョブを外部親として扱い、
	// ParentPayload があれば同じトランザクションで親のペイロードも更新します。
	Lease         *Lease
	ParentPayload json.RawMessage
}
