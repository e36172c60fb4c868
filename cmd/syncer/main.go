package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/srvo/dewey/internal/api"
	"github.com/srvo/dewey/internal/config"
	"github.com/srvo/dewey/internal/db"
	"github.com/srvo/dewey/internal/httpserver"
	"github.com/srvo/dewey/internal/provider"
	"github.com/srvo/dewey/internal/provider/gmail"
	"github.com/srvo/dewey/internal/rules"
	"github.com/srvo/dewey/internal/service/ingest"
	"github.com/srvo/dewey/internal/service/scheduler"
	"github.com/srvo/dewey/internal/service/triage"
	"github.com/srvo/dewey/pkg/alert"
	"github.com/srvo/dewey/pkg/circuitbreaker"
	"github.com/srvo/dewey/pkg/lock"
	"github.com/srvo/dewey/pkg/logger"
	"github.com/srvo/dewey/pkg/mq"
	"github.com/srvo/dewey/pkg/outbox"
	redisclient "github.com/srvo/dewey/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.NewLogger(cfg.Log)
	defer log.Sync()

	// SIGINT/SIGTERM 只取消 ctx，正在进行的同步周期会跑完
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting syncer...",
		zap.String("db_driver", cfg.DB.Driver),
		zap.Int("accounts", len(cfg.Gmail.Accounts)),
	)

	// Init storage
	backend, err := db.Open(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("Storage initialization failed", zap.Error(err))
	}
	defer backend.Close()
	store := backend.Store

	// Init Gmail provider
	accounts := make([]gmail.Account, 0, len(cfg.Gmail.Accounts))
	for _, a := range cfg.Gmail.Accounts {
		accounts = append(accounts, gmail.Account{ID: a.ID, CredentialsFile: a.CredentialsFile, TokenFile: a.TokenFile})
	}
	gmailClient, err := gmail.NewClient(ctx, accounts, cfg.Gmail.PageSize, log)
	if err != nil {
		log.Fatal("Gmail client initialization failed", zap.Error(err))
	}
	guarded := provider.NewGuarded(gmailClient, circuitbreaker.Config{
		FailureThreshold: cfg.Gmail.Breaker.FailureThreshold,
		Timeout:          cfg.Gmail.Breaker.Timeout,
	}, log)
	var remote provider.LabelModifier
	if cfg.Gmail.MirrorLabels {
		remote = guarded
	}

	// Init MQ (optional)
	var publisher *mq.Publisher
	if cfg.MQ.Enabled {
		publisher, err = mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("MQ publisher initialization failed", zap.Error(err))
		}
		defer publisher.Close()
		log.Info("MQ publisher connected")
	}

	coordinator := ingest.NewCoordinator(store, guarded, log)

	// Init Redis (optional): cross-process sync lease and shared failure counter
	var counter alert.Counter = alert.NewMemoryCounter()
	if cfg.Redis.Enabled {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
		coordinator.WithLocker(lock.NewRedisLocker(rdb, cfg.Scheduler.LockTTL, log))
		counter = alert.NewRedisCounter(rdb, 7*24*time.Hour)
		log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	var notifiers []alert.Notifier
	if publisher != nil {
		notifiers = append(notifiers, alert.NewMQNotifier(publisher))
	}
	escalator := alert.NewEscalator(counter, cfg.Scheduler.FailureThreshold, log, notifiers...)

	// Rules
	if _, err := rules.LoadFile(ctx, cfg.Rules.File, store, log); err != nil {
		log.Error("Failed to load rules file, keeping stored rules",
			zap.String("path", cfg.Rules.File),
			zap.Error(err),
		)
	}
	if cfg.Rules.Watch {
		go func() {
			if err := rules.Watch(ctx, cfg.Rules.File, store, log); err != nil {
				log.Error("Rules watcher stopped", zap.Error(err))
			}
		}()
	}

	engine := rules.NewEngine(store, rules.NewDefaultRegistry(store, remote, log), log)
	triageSvc := triage.NewService(store, engine, log).WithMaxAttempts(cfg.Scheduler.TriageMaxAttempts)

	fetchScheduler := scheduler.NewFetchScheduler(coordinator, triageSvc, cfg.AccountIDs(), scheduler.Config{
		FetchInterval: cfg.Scheduler.FetchInterval,
		CheckInterval: cfg.Scheduler.CheckInterval,
		TriageBatch:   cfg.Scheduler.TriageBatch,
	}, log).WithEscalator(escalator)

	handlers := httpserver.Handlers{
		Messages: api.NewMessageHandler(store, triageSvc, log),
		Rules:    api.NewRuleHandler(store, log),
		Sync:     api.NewSyncHandler(fetchScheduler),
	}

	// Outbox dispatcher: rule.matched events are written by the postgres store
	if backend.Outbox != nil && publisher != nil {
		dispatcher := outbox.NewDispatcher(backend.Outbox, publisher, log).
			WithInterval(cfg.Outbox.Interval).
			WithBatchSize(cfg.Outbox.BatchSize).
			WithMaxRetries(cfg.Outbox.MaxRetries)
		go dispatcher.Start(ctx)
		handlers.Outbox = api.NewOutboxHandler(outbox.NewReplayService(backend.Outbox, publisher, log), log)
		log.Info("Outbox dispatcher started")
	}

	// HTTP Server
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           httpserver.NewRouter(handlers, store, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	// Blocks until a signal arrives and the in-flight cycle finishes.
	if err := fetchScheduler.Run(ctx); err != nil {
		log.Error("Scheduler exited", zap.Error(err))
	}

	log.Info("Shutting down syncer gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("Syncer shutdown complete")
}
