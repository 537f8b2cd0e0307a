package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/kozakura/marketcrawl/common/version"
	"github.com/kozakura/marketcrawl/internal/crawler/apiclient"
	"github.com/kozakura/marketcrawl/internal/crawler/auth"
	"github.com/kozakura/marketcrawl/internal/crawler/config"
	"github.com/kozakura/marketcrawl/internal/crawler/engine"
	"github.com/kozakura/marketcrawl/internal/crawler/health"
	"github.com/kozakura/marketcrawl/internal/crawler/metrics"
	"github.com/kozakura/marketcrawl/internal/crawler/observability"
	"github.com/kozakura/marketcrawl/internal/crawler/queue"
	"github.com/kozakura/marketcrawl/internal/crawler/ratelimit"
)

func main() {
	fmt.Println("marketcrawl worker")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	observability.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load(os.Getenv("CRAWLER_CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	authenticator, err := auth.New(cfg.Token, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize authenticator: %v\n", err)
		os.Exit(1)
	}

	apiClient := apiclient.New(authenticator)
	taskQueue := queue.New(redisClient, cfg.Namespace)
	limiter := ratelimit.NewGlobalRateLimiter(redisClient, cfg.Namespace, cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	delayer := ratelimit.NewAdaptiveDelayer()
	reg := metrics.New()
	reg.SetBuildInfo(version.Version, version.GitCommit)

	crawlEngine := engine.New(cfg, taskQueue, limiter, delayer, apiClient, authenticator, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthServer := health.New(net.JoinHostPort("", fmt.Sprintf("%d", cfg.Health.Port)), crawlEngine)
	if err := healthServer.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start health server: %v\n", err)
		os.Exit(1)
	}
	defer healthServer.Stop()

	if err := reg.Start(ctx, net.JoinHostPort("", fmt.Sprintf("%d", cfg.Metrics.Port))); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start metrics server: %v\n", err)
		os.Exit(1)
	}
	defer reg.Stop()

	slog.Info("marketcrawl worker starting",
		"namespace", cfg.Namespace,
		"max_concurrent_tasks", cfg.Crawler.MaxConcurrentTasks,
		"health_port", cfg.Health.Port,
		"metrics_port", cfg.Metrics.Port,
	)

	if err := crawlEngine.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running crawler engine: %v\n", err)
		os.Exit(1)
	}

	slog.Info("marketcrawl worker stopped")
}
