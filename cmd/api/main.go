// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/aiworkflow/jobhub/internal/api"
	"github.com/aiworkflow/jobhub/internal/config"
	"github.com/aiworkflow/jobhub/internal/ratelimit"
)

const version = "1.0.0"

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	logger := log.Default()

	runtime, err := setupJobs(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up jobs: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Cache-Control",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, runtime)

	// シグナル受信でリクエストのコンテキストも閉じ、開いている SSE を終わらせる
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if err := runtime.start(); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting API server on %s (mode: %s, queue: %s)", addr, cfg.GinMode, cfg.QueueBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown: %v", err)
		}

		flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.WebhookTimeout+cfg.ShutdownTimeout)
		defer cancelFlush()
		return runtime.shutdown(flushCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server stopped with error: %v", err)
	}
	log.Printf("Server stopped")
}

// setupRoutes はジョブAPIとヘルスチェックの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, runtime *jobRuntime) {
	// ヘルスチェックは制限の対象外
	router.GET("/health", api.HealthHandler(version, runtime.backend.Ping))

	general, submit := ratelimit.GeneralDebug, ratelimit.SubmitDebug
	if cfg.IsRelease() {
		general, submit = ratelimit.GeneralRelease, ratelimit.SubmitRelease
	}

	jobsGroup := router.Group("/jobs")
	submitHandlers := []gin.HandlerFunc{api.SubmitHandler(runtime.manager)}
	if cfg.RateLimitEnabled {
		jobsGroup.Use(ratelimit.New(general).Middleware())
		submitHandlers = append([]gin.HandlerFunc{ratelimit.New(submit).Middleware()}, submitHandlers...)
	}
	{
		jobsGroup.POST("", submitHandlers...)
		jobsGroup.GET("", api.ListHandler(runtime.manager))
		jobsGroup.POST("/:id/cancel", api.CancelHandler(runtime.manager))
		jobsGroup.POST("/:id/retry", api.RetryHandler(runtime.manager))
		jobsGroup.GET("/:id/stream", api.StreamHandler(runtime.manager, api.DefaultKeepAlive))
	}

	router.NoRoute(api.NotFoundHandler)
}
