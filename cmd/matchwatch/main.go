package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/config"
	"github.com/srvo/dewey/internal/mqhandler"
	"github.com/srvo/dewey/pkg/logger"
	"github.com/srvo/dewey/pkg/mq"
	redisclient "github.com/srvo/dewey/pkg/redis"
)

// matchwatch tails rule.matched and sync.alert events from the broker.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.NewLogger(cfg.Log)
	defer log.Sync()

	if !cfg.MQ.Enabled {
		log.Fatal("matchwatch needs mq.enabled (or MQ_URL)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting matchwatch...")

	var dedup mqhandler.Deduper
	if cfg.Redis.Enabled {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
		dedup = redisclient.NewDeduper(rdb, 24*time.Hour, log)
	}

	matched := mqhandler.NewRuleMatchedHandler(dedup, nil, log)
	alerts := mqhandler.NewSyncAlertHandler(log)

	consumers := []struct {
		queue, routingKey string
		handle            mq.MessageHandler
	}{
		{"matchwatch.rule_matched.q", mq.RoutingKeyRuleMatched, matched.Handle},
		{"matchwatch.sync_alert.q", mq.RoutingKeySyncAlert, alerts.Handle},
	}

	var wg sync.WaitGroup
	for _, c := range consumers {
		c := c // per-iteration copy (go 1.21 loop semantics)
		log.Info("Initializing consumer", zap.String("queue", c.queue))
		consumer, err := mq.NewConsumer(cfg.MQ.URL, c.queue, c.routingKey, log)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.String("queue", c.queue), zap.Error(err))
		}
		defer consumer.Close()
		consumer.SetHandler(c.handle)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.StartConsuming(ctx); err != nil {
				log.Error("Consumer failed", zap.String("queue", c.queue), zap.Error(err))
				stop()
			}
		}()
	}

	log.Info("All consumers started")
	wg.Wait()
	log.Info("matchwatch shutdown complete")
}
