package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tick-ingestor/internal/api"
	"tick-ingestor/internal/catalog"
	"tick-ingestor/internal/config"
	"tick-ingestor/internal/coordinator"
	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/queue"
	"tick-ingestor/internal/upstream"
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
	source := upstream.NewHTTPGateway(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)

	var cat *catalog.Store
	if cfg.PostgresDSN != "" {
		var err error
		cat, err = catalog.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer cat.Close()
		if err := cat.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
	}

	coord := coordinator.New(jobs, q, source)
	server := api.New(coord, jobs, cat)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Infof("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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
