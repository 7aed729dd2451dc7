// Package queue はジョブの永続キューを提供します。
// 本番用の asynq/Redis 実装と、開発・テスト用のプロセス内実装があり、どちらも jobs.Queue を満たします。
package queue

import (
	"context"
	"time"

	"github.com/aiworkflow/jobhub/internal/jobs"
)

// Backend はジョブ操作に加えてワーカーの起動と停止を持つキューです。
type Backend interface {
	jobs.Queue
	Start(proc jobs.Processor) error
	Shutdown() error
	Ping(ctx context.Context) error
}

// Options はキューとワーカープールの設定です。
type Options struct {
	Name               string
	Concurrency        int
	KeepCompleted      int           // 保持する完了レコード数（古い順に削除）
	KeepFailed         int           // 保持する失敗レコード数（古い順に削除）
	CompletedRetention time.Duration // 完了レコードの最大保持期間
	ShutdownTimeout    time.Duration
	PruneInterval      time.Duration
}

// DefaultOptions は標準の設定です。
var DefaultOptions = Options{
	Name:               "ai-jobs",
	Concurrency:        5,
	KeepCompleted:      100,
	KeepFailed:         50,
	CompletedRetention: 24 * time.Hour,
	ShutdownTimeout:    10 * time.Second,
	PruneInterval:      30 * time.Second,
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = DefaultOptions.Name
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultOptions.Concurrency
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = DefaultOptions.KeepCompleted
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = DefaultOptions.KeepFailed
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = DefaultOptions.CompletedRetention
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultOptions.ShutdownTimeout
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = DefaultOptions.PruneInterval
	}
	return o
}

// backoffDelay は base * 2^retried を返します（retried は 0 始まり）。
func backoffDelay(base time.Duration, retried int) time.Duration {
	if base <= 0 {
		base = jobs.DefaultRetryPolicy.Backoff
	}
	if retried < 0 {
		retried = 0
	}
	if retried > 16 {
		retried = 16
	}
	return base << uint(retried)
}

func normalizePolicy(policy jobs.RetryPolicy) jobs.RetryPolicy {
	if policy.Attempts <= 0 {
		policy.Attempts = jobs.DefaultRetryPolicy.Attempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = jobs.DefaultRetryPolicy.Backoff
	}
	return policy
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
