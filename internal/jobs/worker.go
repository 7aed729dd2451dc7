package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

// Generator はジョブ本体です。最後のチェックポイントで成果物を返します。
type Generator interface {
	Generate(ctx context.Context, payload Payload) (any, error)
}

// ProgressFunc はキュー側の進捗カウンタを更新します。
type ProgressFunc func(ctx context.Context, percent int) error

// Execution はキューから取り出されたジョブ1回分の実行です。
type Execution struct {
	ID      JobID
	Payload Payload
	Attempt int
	Report  ProgressFunc
}

// Processor はキューのワーカーから呼ばれるジョブ処理です。
// ErrCancelledByUser を包んだエラーは再試行してはいけません。
type Processor interface {
	Process(ctx context.Context, exec *Execution) (*ReturnValue, error)
}

// WorkerOptions はチェックポイントの刻みと待ち時間です。
type WorkerOptions struct {
	StartDelay time.Duration // 最初のキャンセル確認までの待ち
	Interval   time.Duration // チェックポイント間の待ち
	Step       int           // 進捗の刻み（100 を割り切れなくても最後は 100 になる）
}

// DefaultWorkerOptions は 0,20,...,100 を 1.5 秒間隔で進めます。
var DefaultWorkerOptions = WorkerOptions{
	StartDelay: 2 * time.Second,
	Interval:   1500 * time.Millisecond,
	Step:       20,
}

// Worker はジョブをチェックポイント単位で進め、各チェックポイントで
// キャンセルを確認してから進捗を1回だけ配信します。
type Worker struct {
	registry  *Registry
	hub       *Hub
	generator Generator
	opts      WorkerOptions
	logger    *log.Logger
	now       func() time.Time
}

// NewWorker は Worker を作成します。
func NewWorker(registry *Registry, hub *Hub, generator Generator, opts WorkerOptions, logger *log.Logger) (*Worker, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if hub == nil {
		return nil, errors.New("hub is nil")
	}
	if generator == nil {
		return nil, errors.New("generator is nil")
	}
	if opts.Step <= 0 {
		opts.Step = DefaultWorkerOptions.Step
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		registry:  registry,
		hub:       hub,
		generator: generator,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Process は Processor の実装です。
func (w *Worker) Process(ctx context.Context, exec *Execution) (_ *ReturnValue, err error) {
	if exec == nil {
		return nil, errors.New("execution is nil")
	}
	payload := exec.Payload
	base := Update{JobID: exec.ID, Brand: payload.Brand, Kind: payload.Kind}

	defer func() {
		if err == nil || errors.Is(err, ErrCancelledByUser) || interrupted(ctx, err) {
			return
		}
		w.logger.Printf("worker: job=%s attempt=%d failed: %v", exec.ID, exec.Attempt, err)
		w.emit(base, StatusFailed, 0, nil, payload.WebhookURL)
	}()
	// 生成処理の panic もエラーとして扱い、上の failed 通知に載せる
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrBodyFailure, r)
		}
	}()

	if err := sleepContext(ctx, w.opts.StartDelay); err != nil {
		return nil, err
	}
	if w.registry.IsCancelled(exec.ID) {
		return nil, w.cancelled(base, payload.WebhookURL)
	}
	w.emit(base, StatusProcessing, 0, nil, payload.WebhookURL)

	var result any
	for _, progress := range checkpoints(w.opts.Step) {
		if w.registry.IsCancelled(exec.ID) {
			return nil, w.cancelled(base, payload.WebhookURL)
		}
		if exec.Report != nil {
			if err := exec.Report(ctx, progress); err != nil {
				w.logger.Printf("worker: failed to record progress job=%s: %v", exec.ID, err)
			}
		}

		if progress < 100 {
			// 0 の通知は開始時の processing が兼ねる
			if progress > 0 {
				w.emit(base, StatusProcessing, progress, nil, payload.WebhookURL)
			}
			if err := sleepContext(ctx, w.opts.Interval); err != nil {
				return nil, err
			}
			continue
		}

		result, err = w.generator.Generate(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBodyFailure, err)
		}
		w.emit(base, StatusCompleted, progress, result, payload.WebhookURL)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: encode result: %v", ErrBodyFailure, err)
	}
	return &ReturnValue{
		Result:      encoded,
		Brand:       payload.Brand,
		Kind:        payload.Kind,
		CompletedAt: w.now().UTC(),
	}, nil
}

func (w *Worker) emit(base Update, status Status, progress int, result any, webhookURL string) {
	update := base
	update.Status = status
	update.Progress = progress
	update.Result = result
	w.hub.Broadcast(base.JobID, update, webhookURL)
}

func (w *Worker) cancelled(base Update, webhookURL string) error {
	w.emit(base, StatusCancelled, 0, nil, webhookURL)
	return fmt.Errorf("job %s: %w", base.JobID, ErrCancelledByUser)
}

// checkpoints は 0 から 100 までの進捗値を返します。
func checkpoints(step int) []int {
	if step <= 0 || step > 100 {
		step = 100
	}
	points := make([]int, 0, 100/step+2)
	for p := 0; p < 100; p += step {
		points = append(points, p)
	}
	return append(points, 100)
}

// interrupted はシャットダウン等でコンテキストが閉じられたことによる中断かを判定します。
// この場合キューがジョブを戻すので failed は配信しません。
func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
