// Package jobs は Redis 上のジョブストアと、依存関係付きジョブを処理するワーカーを提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool は登録済みキューのジョブを並行に処理します。
type Pool struct {
	store    *Store
	registry *Registry
	logger   zerolog.Logger
	poll     time.Duration

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	abort   context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool は Pool を作成します。poll はキューが空のときの待ち時間です。
func NewPool(store *Store, registry *Registry, logger zerolog.Logger, poll time.Duration) *Pool {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Pool{
		store:    store,
		registry: registry,
		logger:   logger,
		poll:     poll,
	}
}

// Start はキューごとに Concurrency 個のワーカーを起動します。
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.stop = make(chan struct{})

	ctx, abort := context.WithCancel(context.Background())
	p.abort = abort
	for _, name := range p.registry.Names() {
		qc, _ := p.registry.Get(name)
		for i := 0; i < qc.Concurrency; i++ {
			p.wg.Add(1)
			go p.loop(ctx, qc.Name)
		}
		p.logger.Info().Str("queue", qc.Name).Int("concurrency", qc.Concurrency).Msg("queue workers started")
	}
}

// Shutdown は新しいジョブの取得を止め、実行中のハンドラーの終了を待ちます。
// ctx が先に終わった場合はハンドラーのコンテキストをキャンセルします。
// リースを返せなかったジョブは期限切れ後に再取得されます。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	close(p.stop)
	abort := p.abort
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		abort()
		return nil
	case <-ctx.Done():
		abort()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) loop(ctx context.Context, queue string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		processed, err := p.RunOnce(ctx, queue)
		if err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Str("queue", queue).Msg("claim job failed")
		}
		if processed && err == nil {
			continue
		}

		timer := time.NewTimer(p.poll)
		select {
		case <-p.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce はキューからジョブを1件取得して処理します。取得できなければ false を返します。
func (p *Pool) RunOnce(ctx context.Context, queue string) (bool, error) {
	qc, ok := p.registry.Get(queue)
	if !ok {
		return false, fmt.Errorf("queue %s is not registered", queue)
	}
	lease, err := p.store.Claim(ctx, queue, qc.LeaseDuration)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	p.process(ctx, qc, lease)
	return true, nil
}

func (p *Pool) process(ctx context.Context, qc QueueConfig, lease *Lease) {
	ref := lease.Ref()
	logger := p.logger.With().
		Str("queue", ref.Queue).
		Str("job_id", ref.ID).
		Int("attempt", lease.Job.AttemptsMade+1).
		Logger()

	cancelled, err := lease.CancelRequested(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("check cancellation failed")
	}
	if cancelled {
		p.fail(ctx, logger, lease, Fatal(ErrCancelled))
		return
	}

	hctx, cancel := context.WithCancel(ctx)
	renewDone := p.renew(hctx, cancel, qc, lease, logger)
	started := time.Now()
	result, err := p.invoke(hctx, qc.Handler, lease)
	cancel()
	<-renewDone

	switch {
	case errors.Is(err, ErrWaitingChildren):
		logger.Debug().Msg("job waiting for children")
	case err != nil:
		p.fail(ctx, logger, lease, err)
	default:
		data, merr := json.Marshal(result)
		if merr != nil {
			p.fail(ctx, logger, lease, Fatal(fmt.Errorf("encode result: %w", merr)))
			return
		}
		if err := p.store.Complete(ctx, ref, lease.Token(), data); err != nil {
			logger.Error().Err(err).Msg("complete job failed")
			return
		}
		logger.Info().Dur("elapsed", time.Since(started)).Msg("job completed")
	}
}

func (p *Pool) fail(ctx context.Context, logger zerolog.Logger, lease *Lease, cause error) {
	state, err := p.store.Fail(ctx, lease.Ref(), lease.Token(), cause)
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			logger.Warn().Err(cause).Msg("job lease lost before failure was recorded")
			return
		}
		logger.Error().Err(err).AnErr("cause", cause).Msg("record job failure failed")
		return
	}
	if state == StateFailed {
		logger.Error().Err(cause).Bool("fatal", IsFatal(cause)).Msg("job failed")
		return
	}
	logger.Warn().Err(cause).Str("next_state", string(state)).Msg("job will be retried")
}

// invoke はハンドラーを呼び出し、panic をリトライ対象外のエラーに変換します。
func (p *Pool) invoke(ctx context.Context, h Handler, lease *Lease) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("stack", string(debug.Stack())).Msgf("handler panic: %v", r)
			err = Fatal(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, lease)
}

// renew はリース期間の半分ごとにリースを延長します。
// 延長に失敗してリースを失った場合はハンドラーのコンテキストをキャンセルします。
func (p *Pool) renew(ctx context.Context, cancel context.CancelFunc, qc QueueConfig, lease *Lease, logger zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(qc.LeaseDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(ctx, qc.LeaseDuration); err != nil {
					if ctx.Err() != nil {
						return
					}
					if errors.Is(err, ErrLeaseLost) {
						logger.Warn().Msg("job lease lost, aborting handler")
						cancel()
						return
					}
					logger.Warn().Err(err).Msg("extend lease failed")
				}
			}
		}
	}()
	return done
}
