package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/aiworkflow/jobhub/internal/jobs"
)

const listPageSize = 100

type lister func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

// RedisQueue は asynq を使った永続キューです。
// 同じタスクを同時に複数のワーカーへ渡さないこと、バックオフ付きの自動リトライ、
// 完了/失敗レコードの保持は asynq に任せます。
type RedisQueue struct {
	opts      Options
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	rdb       *redis.Client
	progress  *ProgressStore
	logger    *log.Logger

	stopPrune chan struct{}
	pruneDone chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRedisQueue は RedisQueue を初期化します。ワーカーは Start まで動きません。
func NewRedisQueue(redisURL string, opts Options, logger *log.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = log.Default()
	}
	opts = opts.withDefaults()

	connOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisOpt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpt)

	q := &RedisQueue{
		opts:      opts,
		client:    asynq.NewClient(connOpt),
		inspector: asynq.NewInspector(connOpt),
		mux:       asynq.NewServeMux(),
		rdb:       rdb,
		progress:  NewProgressStore(rdb, opts.Name, opts.CompletedRetention),
		logger:    logger,
		stopPrune: make(chan struct{}),
		pruneDone: make(chan struct{}),
	}
	q.server = asynq.NewServer(connOpt, asynq.Config{
		Concurrency:     opts.Concurrency,
		Queues:          map[string]int{opts.Name: 1},
		RetryDelayFunc:  retryDelay,
		IsFailure:       isFailure,
		ErrorHandler:    asynq.ErrorHandlerFunc(q.handleError),
		Logger:          asynqLogger{l: logger},
		ShutdownTimeout: opts.ShutdownTimeout,
	})
	return q, nil
}

// NextID は Redis の連番からジョブIDを払い出します。
func (q *RedisQueue) NextID(ctx context.Context) (jobs.JobID, error) {
	n, err := q.rdb.Incr(ctx, q.opts.Name+":id").Result()
	if err != nil {
		return 0, err
	}
	return jobs.JobID(n), nil
}

// Enqueue はジョブをタスクIDを固定して投入します。
func (q *RedisQueue) Enqueue(ctx context.Context, id jobs.JobID, payload jobs.Payload, policy jobs.RetryPolicy) error {
	policy = normalizePolicy(policy)
	body, err := json.Marshal(taskEnvelope{
		JobID:         id,
		Data:          payload,
		BackoffMillis: policy.Backoff.Milliseconds(),
	})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeAIJob, body)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.opts.Name),
		asynq.TaskID(id.String()),
		asynq.MaxRetry(maxRetry(policy)),
		asynq.Retention(q.opts.CompletedRetention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, id)
		}
		return err
	}
	// 再投入時に前回の進捗が見えないようにする
	if err := q.progress.Delete(ctx, id); err != nil {
		q.logger.Printf("queue: failed to reset progress job=%s: %v", id, err)
	}
	return nil
}

// Lookup はジョブの現在値を返します。存在しなければ (nil, nil) です。
func (q *RedisQueue) Lookup(ctx context.Context, id jobs.JobID) (*jobs.QueuedJob, error) {
	info, err := q.inspector.GetTaskInfo(q.opts.Name, id.String())
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	job, err := fromTaskInfo(info)
	if err != nil {
		return nil, err
	}
	progress, err := q.progress.Get(ctx, id)
	if err != nil {
		q.logger.Printf("queue: failed to read progress job=%s: %v", id, err)
	}
	job.Progress = progress
	return job, nil
}

// List は指定した状態のジョブをID順に返します。
func (q *RedisQueue) List(ctx context.Context, states ...jobs.State) ([]*jobs.QueuedJob, error) {
	var listers []lister
	for _, state := range states {
		switch state {
		case jobs.StateWaiting:
			listers = append(listers, q.inspector.ListPendingTasks)
		case jobs.StateDelayed:
			listers = append(listers, q.inspector.ListScheduledTasks, q.inspector.ListRetryTasks)
		case jobs.StateActive:
			listers = append(listers, q.inspector.ListActiveTasks)
		case jobs.StateCompleted:
			listers = append(listers, q.inspector.ListCompletedTasks)
		case jobs.StateFailed:
			listers = append(listers, q.inspector.ListArchivedTasks)
		}
	}

	var out []*jobs.QueuedJob
	for _, list := range listers {
		infos, err := q.listAll(list)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			job, err := fromTaskInfo(info)
			if err != nil {
				q.logger.Printf("queue: skipping task %s: %v", info.ID, err)
				continue
			}
			out = append(out, job)
		}
	}

	ids := make([]jobs.JobID, len(out))
	for i, job := range out {
		ids[i] = job.ID
	}
	progress, err := q.progress.GetMany(ctx, ids)
	if err != nil {
		q.logger.Printf("queue: failed to read progress: %v", err)
	}
	for _, job := range out {
		job.Progress = progress[job.ID]
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *RedisQueue) listAll(list lister) ([]*asynq.TaskInfo, error) {
	var all []*asynq.TaskInfo
	for page := 1; ; page++ {
		infos, err := list(q.opts.Name, asynq.Page(page), asynq.PageSize(listPageSize))
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				return all, nil
			}
			return nil, err
		}
		all = append(all, infos...)
		if len(infos) < listPageSize {
			return all, nil
		}
	}
}

// Remove はジョブのレコードを削除します。実行中のタスクは削除できずエラーになります。
func (q *RedisQueue) Remove(ctx context.Context, id jobs.JobID) error {
	if err := q.inspector.DeleteTask(q.opts.Name, id.String()); err != nil {
		if isMissing(err) {
			return nil
		}
		if info, lookupErr := q.inspector.GetTaskInfo(q.opts.Name, id.String()); lookupErr == nil && info.State == asynq.TaskStateActive {
			return fmt.Errorf("remove job %s: %w", id, jobs.ErrJobActive)
		}
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	if err := q.progress.Delete(ctx, id); err != nil {
		q.logger.Printf("queue: failed to delete progress job=%s: %v", id, err)
	}
	return nil
}

// Ping は Redis への疎通を確認します。
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Start はワーカーを起動し、保持件数の整理をバックグラウンドで始めます。
func (q *RedisQueue) Start(proc jobs.Processor) error {
	if proc == nil {
		return errors.New("processor is nil")
	}
	var err error
	q.startOnce.Do(func() {
		q.mux.HandleFunc(taskTypeAIJob, q.handler(proc))
		if err = q.server.Start(q.mux); err != nil {
			return
		}
		q.started.Store(true)
		go q.pruneLoop()
	})
	return err
}

// Shutdown は実行中のジョブを待ってからワーカーと接続を閉じます。
func (q *RedisQueue) Shutdown() error {
	var errs []error
	q.stopOnce.Do(func() {
		close(q.stopPrune)
		q.server.Shutdown()
		if q.started.Load() {
			<-q.pruneDone
		}
		errs = append(errs, q.client.Close(), q.inspector.Close(), q.rdb.Close())
	})
	return errors.Join(errs...)
}

func (q *RedisQueue) handler(proc jobs.Processor) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		env, err := decodeEnvelope(task.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		retried, _ := asynq.GetRetryCount(ctx)

		rv, err := proc.Process(ctx, &jobs.Execution{
			ID:      env.JobID,
			Payload: env.Data,
			Attempt: retried + 1,
			Report: func(ctx context.Context, percent int) error {
				return q.progress.Set(ctx, env.JobID, percent)
			},
		})
		if err != nil {
			if errors.Is(err, jobs.ErrCancelledByUser) {
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}

		body, err := json.Marshal(rv)
		if err != nil {
			q.logger.Printf("queue: failed to encode result job=%s: %v", env.JobID, err)
			return nil
		}
		if _, err := task.ResultWriter().Write(body); err != nil {
			q.logger.Printf("queue: failed to write result job=%s: %v", env.JobID, err)
		}
		return nil
	}
}

func (q *RedisQueue) handleError(ctx context.Context, task *asynq.Task, err error) {
	if errors.Is(err, jobs.ErrCancelledByUser) {
		return
	}
	id, _ := asynq.GetTaskID(ctx)
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	q.logger.Printf("queue: job=%s attempt=%d/%d failed: %v", id, retried+1, maxRetry+1, err)
}

func (q *RedisQueue) pruneLoop() {
	defer close(q.pruneDone)
	ticker := time.NewTicker(q.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopPrune:
			return
		case <-ticker.C:
			if err := q.prune(context.Background()); err != nil {
				q.logger.Printf("queue: prune failed: %v", err)
			}
		}
	}
}

// prune は完了・失敗レコードが上限を超えた分を古い順に削除します。
func (q *RedisQueue) prune(ctx context.Context) error {
	info, err := q.inspector.GetQueueInfo(q.opts.Name)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return err
	}
	if excess := info.Completed - q.opts.KeepCompleted; excess > 0 {
		if err := q.trim(ctx, q.inspector.ListCompletedTasks, excess); err != nil {
			return err
		}
	}
	if excess := info.Archived - q.opts.KeepFailed; excess > 0 {
		if err := q.trim(ctx, q.inspector.ListArchivedTasks, excess); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) trim(ctx context.Context, list lister, n int) error {
	// asynq はどちらの一覧も古い順に返す
	infos, err := list(q.opts.Name, asynq.Page(1), asynq.PageSize(n))
	if err != nil {
		return err
	}
	removed := make([]jobs.JobID, 0, len(infos))
	for _, info := range infos {
		if err := q.inspector.DeleteTask(q.opts.Name, info.ID); err != nil && !isMissing(err) {
			q.logger.Printf("queue: failed to evict task %s: %v", info.ID, err)
			continue
		}
		if id, err := jobs.ParseID(info.ID); err == nil {
			removed = append(removed, id)
		}
	}
	return q.progress.Delete(ctx, removed...)
}

func fromTaskInfo(info *asynq.TaskInfo) (*jobs.QueuedJob, error) {
	env, err := decodeEnvelope(info.Payload)
	if err != nil {
		return nil, err
	}
	state, ok := nativeState(info.State)
	if !ok {
		state = jobs.StateWaiting
	}
	job := &jobs.QueuedJob{
		ID:           env.JobID,
		State:        state,
		Payload:      env.Data,
		AttemptsMade: info.Retried,
		FailedReason: info.LastErr,
	}
	if len(info.Result) > 0 {
		var rv jobs.ReturnValue
		if err := json.Unmarshal(info.Result, &rv); err != nil {
			return nil, fmt.Errorf("decode result of task %s: %w", info.ID, err)
		}
		job.Return = &rv
	}
	return job, nil
}
