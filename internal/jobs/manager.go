package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/flow-forge/internal/config"
)

const (
	TaskReclaimStalled = "jobs:reclaim-stalled"
	TaskClean          = "jobs:clean"

	maintenanceQueue = "maintenance"
	cleanBatchSize   = 1000
)

// CleanPayload は削除タスクのペイロードです。Queue が空なら全キューが対象です。
type CleanPayload struct {
	Queue string `json:"queue,omitempty"`
}

// CleanResult はキューごとの削除件数です。
type CleanResult struct {
	Queue     string `json:"queue"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Manager はリース切れジョブの回収と終了済みジョブの削除を定期実行します。
// 定期実行とタスク配送は Asynq に任せ、複数プロセスで起動しても重複実行されません。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     *Store
	registry  *Registry
	logger    zerolog.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *Store, registry *Registry, logger zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				maintenanceQueue: 1,
			},
			Logger:   asynqLogger{logger: logger},
			LogLevel: asynq.WarnLevel,
		},
	)
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger:   asynqLogger{logger: logger},
		LogLevel: asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		scheduler: scheduler,
		mux:       mux,
		store:     store,
		registry:  registry,
		logger:    logger,
	}
	mux.HandleFunc(TaskReclaimStalled, manager.handleReclaim)
	mux.HandleFunc(TaskClean, manager.handleClean)

	reclaimEvery := cfg.LeaseDuration() / 2
	if reclaimEvery < time.Second {
		reclaimEvery = time.Second
	}
	if _, err := scheduler.Register(
		fmt.Sprintf("@every %s", reclaimEvery),
		asynq.NewTask(TaskReclaimStalled, nil),
		asynq.Queue(maintenanceQueue),
		asynq.MaxRetry(0),
		asynq.Unique(reclaimEvery),
	); err != nil {
		return nil, fmt.Errorf("register reclaim task: %w", err)
	}
	if _, err := scheduler.Register(
		"@every 10m",
		asynq.NewTask(TaskClean, mustJSON(CleanPayload{})),
		asynq.Queue(maintenanceQueue),
		asynq.MaxRetry(1),
	); err != nil {
		return nil, fmt.Errorf("register clean task: %w", err)
	}
	return manager, nil
}

// Start は Asynq サーバーとスケジューラーをバックグラウンドで起動します。
func (m *Manager) Start() error {
	if err := m.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := m.server.Start(m.mux); err != nil {
		m.scheduler.Shutdown()
		return fmt.Errorf("start asynq server: %w", err)
	}
	return nil
}

// Shutdown はスケジューラー、サーバー、クライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Shutdown()
	m.server.Shutdown()
	return m.client.Close()
}

// TriggerClean は削除タスクを即時に投入します。
func (m *Manager) TriggerClean(ctx context.Context, queue string) (string, error) {
	if queue != "" {
		if _, ok := m.registry.Get(queue); !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
		}
	}
	task := asynq.NewTask(TaskClean, mustJSON(CleanPayload{Queue: queue}), asynq.Queue(maintenanceQueue))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1))
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (m *Manager) handleReclaim(ctx context.Context, _ *asynq.Task) error {
	_, err := m.ReclaimAll(ctx)
	return err
}

// ReclaimAll は登録済みの全キューでリース切れのジョブを回収します。
func (m *Manager) ReclaimAll(ctx context.Context) (int, error) {
	total := 0
	for _, name := range m.registry.Names() {
		qc, _ := m.registry.Get(name)
		maxStalled := qc.MaxStalled
		if maxStalled == 0 {
			maxStalled = m.cfg.MaxStalled
		}
		n, err := m.store.ReclaimExpired(ctx, name, maxStalled)
		if err != nil {
			return total, fmt.Errorf("reclaim %s: %w", name, err)
		}
		if n > 0 {
			m.logger.Warn().Str("queue", name).Int("count", n).Msg("reclaimed stalled jobs")
		}
		total += n
	}
	return total, nil
}

func (m *Manager) handleClean(ctx context.Context, task *asynq.Task) error {
	var payload CleanPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode clean payload: %w: %w", err, asynq.SkipRetry)
		}
	}
	_, err := m.Clean(ctx, payload.Queue)
	return err
}

// Clean は保持期間を過ぎた完了・失敗ジョブを削除します。
func (m *Manager) Clean(ctx context.Context, queue string) ([]CleanResult, error) {
	queues := m.registry.Names()
	if queue != "" {
		queues = []string{queue}
	}
	completedGrace, failedGrace := m.cfg.Retention()

	results := make([]CleanResult, 0, len(queues))
	for _, name := range queues {
		completed, err := m.store.Clean(ctx, name, StateCompleted, completedGrace, cleanBatchSize)
		if err != nil {
			return results, fmt.Errorf("clean %s completed: %w", name, err)
		}
		failed, err := m.store.Clean(ctx, name, StateFailed, failedGrace, cleanBatchSize)
		if err != nil {
			return results, fmt.Errorf("clean %s failed: %w", name, err)
		}
		if completed+failed > 0 {
			m.logger.Info().Str("queue", name).Int("completed", completed).Int("failed", failed).Msg("cleaned finished jobs")
		}
		results = append(results, CleanResult{Queue: name, Completed: completed, Failed: failed})
	}
	return results, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// asynqLogger は asynq.Logger を zerolog に流します。
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
