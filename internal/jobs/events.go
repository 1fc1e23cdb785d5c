package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// EventType はジョブのライフサイクルイベントの種別です。
type EventType string

const (
	EventWaiting         EventType = "waiting"
	EventActive          EventType = "active"
	EventProgress        EventType = "progress"
	EventWaitingChildren EventType = "waiting-children"
	EventChildrenAdded   EventType = "children-added"
	EventDelayed         EventType = "delayed"
	EventStalled         EventType = "stalled"
	EventCompleted       EventType = "completed"
	EventFailed          EventType = "failed"
	EventRemoved         EventType = "removed"
)

// Event はキューごとのチャンネルに流れるイベントです。
type Event struct {
	Type         EventType       `json:"type"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"jobId"`
	Parent       *Ref            `json:"parent,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Ref はイベント対象のジョブを返します。
func (e Event) Ref() Ref {
	return Ref{Queue: e.Queue, ID: e.JobID}
}

func newEvent(typ EventType, job *Job) Event {
	return Event{
		Type:      typ,
		Queue:     job.Queue,
		JobID:     job.ID,
		Parent:    job.Parent,
		Timestamp: time.Now().UTC(),
	}
}

// publish はパイプライン（MULTI 内）にイベント送信を積みます。
func (k keyspace) publish(ctx context.Context, pipe redis.Pipeliner, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	pipe.Publish(ctx, k.events(ev.Queue), data)
}

// Bus はキューのイベントチャンネルを購読します。
type Bus struct {
	rdb    *redis.Client
	keys   keyspace
	logger zerolog.Logger
}

// NewBus は Bus を作成します。prefix は Store と同じ値を指定します。
func NewBus(rdb *redis.Client, prefix string, logger zerolog.Logger) *Bus {
	return &Bus{
		rdb:    rdb,
		keys:   keyspace{prefix: prefix},
		logger: logger,
	}
}

// Subscription は購読中のイベントストリームです。
type Subscription struct {
	ps        *redis.PubSub
	events    chan Event
	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe は指定キューのイベントを購読します。
// 戻る時点で購読は確立しているため、その後に発生したイベントは取りこぼしません。
func (b *Bus) Subscribe(ctx context.Context, queues ...string) (*Subscription, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("at least one queue is required")
	}
	channels := make([]string, len(queues))
	for i, q := range queues {
		channels[i] = b.keys.events(q)
	}

	ps := b.rdb.Subscribe(ctx, channels...)
	// 全チャンネルの購読確認を受け取ってから返す
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe events: %w", err)
		}
	}

	sub := &Subscription{
		ps:     ps,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go sub.pump(b.logger)
	return sub, nil
}

func (s *Subscription) pump(logger zerolog.Logger) {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			logger.Warn().Err(err).Str("channel", msg.Channel).Msg("drop malformed job event")
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Events は受信したイベントのチャンネルを返します。Close 後に閉じられます。
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close は購読を解除します。複数回呼んでも安全です。
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
