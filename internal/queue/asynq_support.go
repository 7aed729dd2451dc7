package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aiworkflow/jobhub/internal/jobs"
)

const taskTypeAIJob = "ai:process-job"

// taskEnvelope は asynq タスクのペイロードです。
// バックオフの初期値はジョブごとに持たせ、RetryDelayFunc で参照します。
type taskEnvelope struct {
	JobID         jobs.JobID   `json:"jobId"`
	Data          jobs.Payload `json:"data"`
	BackoffMillis int64        `json:"backoffMs"`
}

func decodeEnvelope(body []byte) (*taskEnvelope, error) {
	var env taskEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	if !env.JobID.Valid() {
		return nil, errors.New("task payload has no jobId")
	}
	return &env, nil
}

// nativeState は asynq の状態をキューのネイティブ状態に対応付けます。
func nativeState(state asynq.TaskState) (jobs.State, bool) {
	switch state {
	case asynq.TaskStatePending:
		return jobs.StateWaiting, true
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return jobs.StateDelayed, true
	case asynq.TaskStateActive:
		return jobs.StateActive, true
	case asynq.TaskStateCompleted:
		return jobs.StateCompleted, true
	case asynq.TaskStateArchived:
		return jobs.StateFailed, true
	default:
		return "", false
	}
}

// retryDelay は asynq.Config.RetryDelayFunc です。
func retryDelay(n int, _ error, task *asynq.Task) time.Duration {
	var base time.Duration
	if env, err := decodeEnvelope(task.Payload()); err == nil {
		base = time.Duration(env.BackoffMillis) * time.Millisecond
	}
	return backoffDelay(base, n)
}

// isFailure はユーザーキャンセルを失敗として数えないようにします。
func isFailure(err error) bool {
	return !errors.Is(err, jobs.ErrCancelledByUser)
}

func maxRetry(policy jobs.RetryPolicy) int {
	if policy.Attempts <= 1 {
		return 0
	}
	return policy.Attempts - 1
}

func isMissing(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}

// asynqLogger は asynq.Logger を標準の *log.Logger に載せ替えます。
type asynqLogger struct {
	l *log.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.print("DEBUG", args) }
func (a asynqLogger) Info(args ...interface{})  { a.print("INFO", args) }
func (a asynqLogger) Warn(args ...interface{})  { a.print("WARN", args) }
func (a asynqLogger) Error(args ...interface{}) { a.print("ERROR", args) }
func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Fatalf("asynq FATAL: %s", fmt.Sprint(args...))
}

func (a asynqLogger) print(level string, args []interface{}) {
	a.l.Printf("asynq %s: %s", level, fmt.Sprint(args...))
}
