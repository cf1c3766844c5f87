package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tick-ingestor/internal/catalog"
	"tick-ingestor/internal/config"
	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/queue"
	"tick-ingestor/internal/ratelimit"
	"tick-ingestor/internal/segment"
	"tick-ingestor/internal/telemetry"
	"tick-ingestor/internal/upstream"
	workerproc "tick-ingestor/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	jobs := jobstate.New(client)
	q := queue.NewRedisQueue(client, cfg.VisibilityTimeout)

	windows, err := ratelimit.ParseWindows(cfg.RateWindows)
	if err != nil {
		log.Fatalf("parse rate windows: %v", err)
	}
	limiter := ratelimit.NewSlidingWindow(client, cfg.RateScope, windows, cfg.RateTTLMargin)

	segments := segment.NewLocalStore(cfg.DataDir)
	source := upstream.NewHTTPGateway(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, jobs, limiter, segments, source, workerID)

	mirror, err := segment.NewMirror(ctx, cfg)
	if err != nil {
		log.Fatalf("init s3 mirror: %v", err)
	}
	if mirror != nil {
		processor.WithMirror(mirror)
	}
	if cfg.PostgresDSN != "" {
		cat, err := catalog.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer cat.Close()
		if err := cat.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		processor.WithCatalog(cat)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warnf("metrics server stopped: %v", err)
		}
	}()

	log.WithFields(log.Fields{
		"worker":     workerID,
		"windows":    cfg.RateWindows,
		"visibility": cfg.VisibilityTimeout,
	}).Info("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Infof("worker stopped: %v", err)
	}
}

func setupLogging(cfg config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Env != "dev" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}
