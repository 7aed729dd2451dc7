package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aiworkflow/jobhub/internal/config"
	"github.com/aiworkflow/jobhub/internal/generate"
	"github.com/aiworkflow/jobhub/internal/jobs"
	"github.com/aiworkflow/jobhub/internal/queue"
)

// jobRuntime はキュー・ワーカー・通知をまとめたジョブ実行環境です。
type jobRuntime struct {
	backend queue.Backend
	relay   *jobs.Relay
	worker  *jobs.Worker
	manager *jobs.Manager
}

func setupJobs(cfg *config.Config, logger *log.Logger) (*jobRuntime, error) {
	opts := queue.Options{
		Name:               cfg.QueueName,
		Concurrency:        cfg.WorkerConcurrency,
		KeepCompleted:      cfg.KeepCompleted,
		KeepFailed:         cfg.KeepFailed,
		CompletedRetention: cfg.CompletedRetention,
		ShutdownTimeout:    cfg.ShutdownTimeout,
	}

	var backend queue.Backend
	switch cfg.QueueBackend {
	case config.BackendMemory:
		logger.Printf("Using in-process job queue (jobs are lost on restart)")
		backend = queue.NewMemory(opts, logger)
	default:
		redisQueue, err := queue.NewRedisQueue(cfg.QueueRedisURL, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("setup redis queue: %w", err)
		}
		backend = redisQueue
	}

	relay := jobs.NewRelay(jobs.RelayOptions{
		Timeout: cfg.WebhookTimeout,
		Buffer:  cfg.WebhookBuffer,
	}, logger)
	registry := jobs.NewRegistry()
	hub := jobs.NewHub(relay, logger)

	worker, err := jobs.NewWorker(registry, hub, generate.NewService(cfg.AssetBaseURL), jobs.WorkerOptions{
		StartDelay: cfg.StartDelay,
		Interval:   cfg.CheckpointInterval,
		Step:       cfg.CheckpointStep,
	}, logger)
	if err != nil {
		return nil, err
	}

	manager, err := jobs.NewManager(backend, registry, hub, jobs.RetryPolicy{
		Attempts: cfg.JobAttempts,
		Backoff:  cfg.JobBackoff,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &jobRuntime{
		backend: backend,
		relay:   relay,
		worker:  worker,
		manager: manager,
	}, nil
}

func (r *jobRuntime) start() error {
	return r.backend.Start(r.worker)
}

// shutdown はワーカーを止めてから、残った Webhook を送り切ります。
func (r *jobRuntime) shutdown(ctx context.Context) error {
	var errs []error
	if err := r.backend.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown queue: %w", err))
	}
	if err := r.relay.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush webhooks: %w", err))
	}
	return errors.Join(errs...)
}
