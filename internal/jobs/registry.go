package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Handler はキューのジョブを処理します。
// 戻り値は JSON に変換されて完了値として保存されます。
// 子ジョブ待ちに移った場合は ErrWaitingChildren を返します。
type Handler func(ctx context.Context, lease *Lease) (any, error)

// QueueConfig はキューごとの処理設定です。
type QueueConfig struct {
	Name          string
	Concurrency   int
	LeaseDuration time.Duration
	// Attempts と Backoff は投入時にジョブ側で指定がない場合の既定値です。
	Attempts   int
	Backoff    time.Duration
	MaxStalled int
	Handler    Handler
}

// Registry はキュー名とハンドラーの対応を保持します。
type Registry struct {
	mu     sync.RWMutex
	queues map[string]QueueConfig
	order  []string
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]QueueConfig)}
}

// Register はキューを登録します。同じ名前の二重登録はエラーです。
func (r *Registry) Register(qc QueueConfig) error {
	if qc.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if strings.Contains(qc.Name, ":") {
		return fmt.Errorf("queue name %q must not contain ':'", qc.Name)
	}
	if qc.Handler == nil {
		return fmt.Errorf("queue %s: handler is required", qc.Name)
	}
	if qc.Concurrency <= 0 {
		qc.Concurrency = 1
	}
	if qc.LeaseDuration <= 0 {
		qc.LeaseDuration = defaultLease
	}
	if qc.MaxStalled < 0 {
		qc.MaxStalled = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.queues[qc.Name]; exists {
		return fmt.Errorf("queue %s already registered", qc.Name)
	}
	r.queues[qc.Name] = qc
	r.order = append(r.order, qc.Name)
	return nil
}

// Get はキュー設定を返します。
func (r *Registry) Get(name string) (QueueConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	qc, ok := r.queues[name]
	return qc, ok
}

// Names は登録順のキュー名を返します。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
