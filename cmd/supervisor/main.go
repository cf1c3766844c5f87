package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tick-ingestor/internal/config"
	"tick-ingestor/internal/jobstate"
	"tick-ingestor/internal/queue"
	"tick-ingestor/internal/segment"
	"tick-ingestor/internal/supervisor"
	"tick-ingestor/internal/telemetry"
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
	segments := segment.NewLocalStore(cfg.DataDir)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warnf("metrics server stopped: %v", err)
		}
	}()

	sup := supervisor.New(cfg, jobs, q, segments)
	log.WithFields(log.Fields{
		"interval":          cfg.SupervisorInterval,
		"heartbeat_timeout": cfg.HeartbeatTimeout,
	}).Info("supervisor started")
	if err := sup.Run(ctx); err != nil {
		log.Infof("supervisor stopped: %v", err)
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
