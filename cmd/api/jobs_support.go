package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/flow-forge/internal/article"
	"github.com/yourusername/flow-forge/internal/config"
	"github.com/yourusername/flow-forge/internal/content"
	"github.com/yourusername/flow-forge/internal/fetcher"
	"github.com/yourusername/flow-forge/internal/flow"
	"github.com/yourusername/flow-forge/internal/jobs"
	"github.com/yourusername/flow-forge/internal/llm"
	"github.com/yourusername/flow-forge/internal/storage"
)

// app はサーバーが共有する依存をまとめたものです。
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	rdb       *redis.Client
	content   *content.Store
	store     *jobs.Store
	registry  *jobs.Registry
	pool      *jobs.Pool
	manager   *jobs.Manager
	producer  *flow.Producer
	projector *flow.Projector
	builder   *article.Builder
}

func setupApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	db, err := content.Open(cfg.ContentDBPath)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	blobs, err := storage.NewLocal(cfg.BlobDir)
	if err != nil {
		_ = db.Close()
		_ = rdb.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, rdb: rdb, content: db}
	a.store = jobs.NewStore(rdb, cfg.QueuePrefix)
	a.registry = jobs.NewRegistry()
	a.producer = flow.NewProducer(a.store, a.registry)
	a.projector = flow.NewProjector(a.store, jobs.NewBus(rdb, a.store.Prefix(), logger), logger)
	a.builder = article.NewBuilder(a.producer, db)

	fetchOpts := []fetcher.Option{
		fetcher.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.FetchTimeoutSeconds) * time.Second}),
		fetcher.WithRateLimit(cfg.FetchRatePerSecond),
		fetcher.WithCache(storage.NewCache(rdb, cfg.QueuePrefix), cfg.FetchCacheTTL()),
		fetcher.WithLogger(logger.With().Str("component", "fetcher").Logger()),
	}
	if cfg.FetchReaderURL != "" {
		fetchOpts = append(fetchOpts, fetcher.WithReader(cfg.FetchReaderURL, cfg.FetchReaderAPIKey))
	}

	var completer article.Completer = llm.Unconfigured{}
	if cfg.OpenAIAPIKey != "" {
		client, err := llm.New(ctx, llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, logger.With().Str("component", "llm").Logger())
		if err != nil {
			a.close()
			return nil, err
		}
		completer = client
	} else {
		logger.Warn().Msg("OPENAI_API_KEY is not set; generation jobs will fail")
	}

	deps := article.Deps{
		Content:     db,
		Fetcher:     fetcher.New(fetchOpts...),
		Screenshots: fetcher.NewScreenshotter(cfg.ChromePath, time.Duration(cfg.ScreenshotTimeoutSeconds)*time.Second, logger),
		LLM:         completer,
		Blobs:       blobs,
	}
	if err := article.Register(a.registry, a.producer, deps, cfg, logger); err != nil {
		a.close()
		return nil, err
	}

	a.pool = jobs.NewPool(a.store, a.registry, logger, cfg.PollInterval())
	a.manager, err = jobs.NewManager(cfg, a.store, a.registry, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if err := a.content.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close content store")
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close redis client")
	}
}

// jobView はクライアントに返すジョブ情報です。リーストークンは含めません。
func jobView(job *jobs.Job) *jobs.Job {
	out := *job
	out.Token = ""
	return &out
}

func jobStatusHandler(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		queue, id := c.Param("queue"), c.Param("id")
		if strings.TrimSpace(queue) == "" || strings.TrimSpace(id) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "queue と jobId を指定してください。",
			})
			return
		}

		job, err := store.Get(c.Request.Context(), jobs.Ref{Queue: queue, ID: id})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		c.JSON(http.StatusOK, jobView(job))
	}
}

type queueCounts struct {
	Queue  string               `json:"queue"`
	Counts map[jobs.State]int64 `json:"counts"`
}

func queuesHandler(store *jobs.Store, registry *jobs.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := make([]queueCounts, 0, len(registry.Names()))
		for _, name := range registry.Names() {
			counts, err := store.Counts(c.Request.Context(), name)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "キュー情報の取得に失敗しました。",
				})
				return
			}
			out = append(out, queueCounts{Queue: name, Counts: counts})
		}
		c.JSON(http.StatusOK, gin.H{"queues": out})
	}
}

type cleanRequest struct {
	Queue string `json:"queue"`
}

func cleanHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cleanRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "リクエストの形式が正しくありません。",
				})
				return
			}
		}
		taskID, err := manager.TriggerClean(c.Request.Context(), req.Queue)
		if err != nil {
			if errors.Is(err, jobs.ErrUnknownQueue) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "QUEUE_NOT_FOUND",
					"message": "指定されたキューは存在しません。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "削除タスクの登録に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"taskId": taskID})
	}
}
