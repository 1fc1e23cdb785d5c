// Package main はAPIサーバーとジョブワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/flow-forge/internal/article"
	"github.com/yourusername/flow-forge/internal/auth"
	"github.com/yourusername/flow-forge/internal/config"
	"github.com/yourusername/flow-forge/internal/flow"
	"github.com/yourusername/flow-forge/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "console")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setupApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up application")
	}
	defer a.close()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, a)

	// ワーカーと定期メンテナンスの起動
	a.pool.Start()
	if err := a.manager.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start maintenance")
	}

	// SSE 接続はサーバー停止時にこのコンテキストで打ち切る
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	// サーバーの起動
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("mode", cfg.GinMode).Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("API server stopped")
		}
	}

	shutdown(a, srv, cancelBase, logger)
}

// shutdown は HTTP、ワーカー、メンテナンスの順に停止します。
func shutdown(a *app, srv *http.Server, cancelStreams context.CancelFunc, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cancelStreams()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown")
	}
	if err := a.pool.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("worker pool shutdown")
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("maintenance shutdown")
	}
	logger.Info().Msg("shutdown complete")
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "flow-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, a *app) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(a.cfg, auth.NewThrottle(a.rdb, a.cfg.QueuePrefix), a.logger)
	cancelTTL := time.Duration(a.cfg.CancelTTLMinutes) * time.Minute
	queues := a.registry.Names()

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.POST("/articles/:id/generate", article.GenerateHandler(a.builder))
			protected.POST("/products/extract", article.ExtractHandler(a.builder))

			protected.GET("/flows/:queue/:id", flow.SnapshotHandler(a.projector))
			protected.GET("/flows/:queue/:id/stream", flow.StreamHandler(a.projector, queues))
			protected.POST("/flows/:queue/:id/cancel", flow.CancelHandler(a.store, cancelTTL))

			protected.GET("/jobs/:queue/:id", jobStatusHandler(a.store))
			protected.GET("/queues", queuesHandler(a.store, a.registry))
			protected.POST("/maintenance/clean", cleanHandler(a.manager))
		}
	}
}
