// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// キューのバックエンド種別
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port            string // APIサーバーのポート番号
	GinMode         string // Ginの実行モード (debug, release, test)
	ShutdownTimeout time.Duration

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブ/キュー設定
	QueueBackend       string // redis または memory
	QueueRedisURL      string // Asynq用Redis接続URL
	QueueName          string
	WorkerConcurrency  int
	JobAttempts        int // 初回を含む試行回数
	JobBackoff         time.Duration
	KeepCompleted      int
	KeepFailed         int
	CompletedRetention time.Duration

	// ワーカーのチェックポイント
	CheckpointStep     int
	CheckpointInterval time.Duration
	StartDelay         time.Duration

	// Webhook
	WebhookTimeout time.Duration
	WebhookBuffer  int

	// 成果物URLの接頭辞
	AssetBaseURL string

	RateLimitEnabled bool
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:            getEnv("PORT", "5000"),
		GinMode:         getEnv("GIN_MODE", "debug"),
		ShutdownTimeout: time.Duration(getEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173,http://localhost:3000"),

		// ジョブ/キュー設定
		QueueBackend:       strings.ToLower(getEnv("QUEUE_BACKEND", BackendRedis)),
		QueueRedisURL:      getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueName:          getEnv("QUEUE_NAME", "ai-jobs"),
		WorkerConcurrency:  getEnvAsInt("WORKER_CONCURRENCY", 5),
		JobAttempts:        getEnvAsInt("JOB_ATTEMPTS", 3),
		JobBackoff:         time.Duration(getEnvAsInt64("JOB_BACKOFF_MS", 2000)) * time.Millisecond,
		KeepCompleted:      getEnvAsInt("KEEP_COMPLETED", 100),
		KeepFailed:         getEnvAsInt("KEEP_FAILED", 50),
		CompletedRetention: time.Duration(getEnvAsInt("COMPLETED_RETENTION_HOURS", 24)) * time.Hour,

		CheckpointStep:     getEnvAsInt("CHECKPOINT_STEP", 20),
		CheckpointInterval: time.Duration(getEnvAsInt64("CHECKPOINT_INTERVAL_MS", 1500)) * time.Millisecond,
		StartDelay:         time.Duration(getEnvAsInt64("START_DELAY_MS", 2000)) * time.Millisecond,

		WebhookTimeout: time.Duration(getEnvAsInt("WEBHOOK_TIMEOUT_SECONDS", 10)) * time.Second,
		WebhookBuffer:  getEnvAsInt("WEBHOOK_BUFFER", 256),

		AssetBaseURL: getEnv("ASSET_BASE_URL", "/assets"),

		RateLimitEnabled: getEnvAsBool("RATE_LIMIT_ENABLED", true),
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
	switch c.QueueBackend {
	case BackendRedis:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, c.QueueBackend)
	}
	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME must not be empty")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.JobAttempts <= 0 {
		return fmt.Errorf("JOB_ATTEMPTS must be positive")
	}
	if c.JobBackoff <= 0 {
		return fmt.Errorf("JOB_BACKOFF_MS must be positive")
	}
	if c.KeepCompleted <= 0 || c.KeepFailed <= 0 {
		return fmt.Errorf("KEEP_COMPLETED and KEEP_FAILED must be positive")
	}
	if c.CheckpointStep <= 0 || c.CheckpointStep > 100 || 100%c.CheckpointStep != 0 {
		return fmt.Errorf("CHECKPOINT_STEP must divide 100, got %d", c.CheckpointStep)
	}
	if c.CheckpointInterval < 0 || c.StartDelay < 0 {
		return fmt.Errorf("CHECKPOINT_INTERVAL_MS and START_DELAY_MS must not be negative")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

// AllowedOrigins は CORS_ALLOWED_ORIGINS を分割して返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// IsRelease は本番モードかどうかを返します。
func (c *Config) IsRelease() bool {
	return c.GinMode == "release"
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
