// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵
	APIToken        string // CLI などセッションを持たないクライアント用の Bearer トークン

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // console または json

	// ジョブ/キュー設定
	QueueRedisURL          string // ジョブストアと Asynq が共有する Redis 接続URL
	QueuePrefix            string // Redis キーのプレフィックス
	LeaseSeconds           int    // ワーカーが保持するリースの長さ（秒）
	PollIntervalMillis     int    // 空キューをポーリングする間隔（ミリ秒）
	MaxStalled             int    // リース切れで再投入できる回数
	JobAttempts            int    // キュー既定の試行回数
	JobBackoffSeconds      int    // リトライ時のバックオフ基準（秒）
	JobRetentionMinutes    int    // 完了ジョブの保持期間（分）
	FailedRetentionMinutes int    // 失敗ジョブの保持期間（分）
	CancelTTLMinutes       int    // キャンセル要求の有効期間（分）

	// キューごとの並列数
	ArticleConcurrency    int
	ProductConcurrency    int
	ScrapeConcurrency     int
	ScreenshotConcurrency int

	// コンテンツストア設定
	ContentDBPath string // SQLite データベースのパス
	BlobDir       string // スクリーンショットなどの保存先ディレクトリ

	// コンテンツ取得設定
	FetchReaderURL       string // リーダーサービスのベースURL（空なら直接取得）
	FetchReaderAPIKey    string // リーダーサービスのAPIキー
	FetchCacheTTLMinutes int    // URLごとの取得結果キャッシュの有効期間（分）
	FetchRatePerSecond   int    // 外部取得の秒間リクエスト上限
	FetchTimeoutSeconds  int    // 1リクエストのタイムアウト（秒）

	// スクリーンショット設定
	ChromePath               string // Chrome 実行ファイルのパス（空なら自動検出）
	ScreenshotTimeoutSeconds int

	// LLM設定
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),
		APIToken:        getEnv("API_TOKEN", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ログ設定
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		// ジョブ/キュー設定
		QueueRedisURL:          getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueuePrefix:            getEnv("QUEUE_PREFIX", "ff"),
		LeaseSeconds:           getEnvAsInt("LEASE_SECONDS", 30),
		PollIntervalMillis:     getEnvAsInt("POLL_INTERVAL_MILLIS", 500),
		MaxStalled:             getEnvAsInt("MAX_STALLED", 1),
		JobAttempts:            getEnvAsInt("JOB_ATTEMPTS", 3),
		JobBackoffSeconds:      getEnvAsInt("JOB_BACKOFF_SECONDS", 5),
		JobRetentionMinutes:    getEnvAsInt("JOB_RETENTION_MINUTES", 24*60),
		FailedRetentionMinutes: getEnvAsInt("FAILED_RETENTION_MINUTES", 7*24*60),
		CancelTTLMinutes:       getEnvAsInt("CANCEL_TTL_MINUTES", 24*60),

		ArticleConcurrency:    getEnvAsInt("ARTICLE_CONCURRENCY", 2),
		ProductConcurrency:    getEnvAsInt("PRODUCT_CONCURRENCY", 4),
		ScrapeConcurrency:     getEnvAsInt("SCRAPE_CONCURRENCY", 8),
		ScreenshotConcurrency: getEnvAsInt("SCREENSHOT_CONCURRENCY", 2),

		// コンテンツストア設定
		ContentDBPath: getEnv("CONTENT_DB_PATH", "data/content.db"),
		BlobDir:       getEnv("BLOB_DIR", "data/blobs"),

		// コンテンツ取得設定
		FetchReaderURL:       getEnv("FETCH_READER_URL", ""),
		FetchReaderAPIKey:    getEnv("FETCH_READER_API_KEY", ""),
		FetchCacheTTLMinutes: getEnvAsInt("FETCH_CACHE_TTL_MINUTES", 24*60),
		FetchRatePerSecond:   getEnvAsInt("FETCH_RATE_PER_SECOND", 5),
		FetchTimeoutSeconds:  getEnvAsInt("FETCH_TIMEOUT_SECONDS", 30),

		// スクリーンショット設定
		ChromePath:               getEnv("CHROME_PATH", ""),
		ScreenshotTimeoutSeconds: getEnvAsInt("SCREENSHOT_TIMEOUT_SECONDS", 45),

		// LLM設定
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required")
	}
	if c.LeaseSeconds <= 0 {
		return fmt.Errorf("LEASE_SECONDS must be positive")
	}

	// ローカル開発では認証設定と LLM キーは任意
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required in release mode")
		}
	}

	return nil
}

// LeaseDuration はワーカーのリース期間を返します。
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// PollInterval は空キューのポーリング間隔を返します。
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMillis <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// JobBackoff はリトライのバックオフ基準を返します。
func (c *Config) JobBackoff() time.Duration {
	return time.Duration(c.JobBackoffSeconds) * time.Second
}

// Retention は完了ジョブと失敗ジョブの保持期間を返します。
func (c *Config) Retention() (completed, failed time.Duration) {
	return time.Duration(c.JobRetentionMinutes) * time.Minute,
		time.Duration(c.FailedRetentionMinutes) * time.Minute
}

// FetchCacheTTL は取得結果キャッシュの有効期間を返します。
func (c *Config) FetchCacheTTL() time.Duration {
	return time.Duration(c.FetchCacheTTLMinutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
