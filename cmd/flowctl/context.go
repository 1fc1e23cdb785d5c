package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/flow-forge/internal/article"
	"github.com/yourusername/flow-forge/internal/config"
	"github.com/yourusername/flow-forge/internal/content"
	"github.com/yourusername/flow-forge/internal/flow"
	"github.com/yourusername/flow-forge/internal/jobs"
	"github.com/yourusername/flow-forge/internal/logging"
)

type commandContext struct {
	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load()
	})
	return c.config, c.configErr
}

// backend は CLI が1コマンドの間だけ保持する接続一式です。
type backend struct {
	cfg       *config.Config
	logger    zerolog.Logger
	rdb       *redis.Client
	content   *content.Store
	store     *jobs.Store
	registry  *jobs.Registry
	producer  *flow.Producer
	projector *flow.Projector
	builder   *article.Builder
}

func (b *backend) close() {
	if b.content != nil {
		_ = b.content.Close()
	}
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
}

// withContent は SQLite だけを開いて fn を実行します。
func (c *commandContext) withContent(fn func(*content.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	db, err := content.Open(cfg.ContentDBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

// withBackend は Redis と SQLite に接続し、キューを登録した状態で fn を実行します。
// ワーカーは起動しないため、ハンドラーは投入時の検証にのみ使われます。
func (c *commandContext) withBackend(ctx context.Context, stderr io.Writer, fn func(*backend) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(stderr, cfg.LogLevel, "console")

	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	b := &backend{cfg: cfg, logger: logger, rdb: redis.NewClient(opt)}
	defer b.close()
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if b.content, err = content.Open(cfg.ContentDBPath); err != nil {
		return err
	}

	b.store = jobs.NewStore(b.rdb, cfg.QueuePrefix)
	b.registry = jobs.NewRegistry()
	b.producer = flow.NewProducer(b.store, b.registry)
	b.projector = flow.NewProjector(b.store, jobs.NewBus(b.rdb, b.store.Prefix(), logger), logger)
	b.builder = article.NewBuilder(b.producer, b.content)
	if err := article.Register(b.registry, b.producer, article.Deps{Content: b.content}, cfg, logger); err != nil {
		return err
	}
	return fn(b)
}
