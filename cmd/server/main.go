package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"omnirouter/internal/assignment"
	"omnirouter/internal/bounce"
	"omnirouter/internal/clock"
	"omnirouter/internal/config"
	"omnirouter/internal/domain"
	"omnirouter/internal/httpserver"
	"omnirouter/internal/lifecycle"
	"omnirouter/internal/observability"
	"omnirouter/internal/presence"
	"omnirouter/internal/security"
	"omnirouter/internal/service"
	"omnirouter/internal/store/memory"
	"omnirouter/internal/store/mysql"
	"omnirouter/internal/store/postgres"
	"omnirouter/internal/store/sqlite"
	"omnirouter/internal/store/sqlstore"
	"omnirouter/internal/transport"
	"omnirouter/internal/transport/amqp"
	"omnirouter/internal/window"
	"omnirouter/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.Configure(os.Stdout, cfg.Debug)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.AppName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	encryptor, err := security.NewEncryptor(cfg.EncryptKey, cfg.LegacyFernetKeys)
	if err != nil {
		return fmt.Errorf("initialize encryptor: %w", err)
	}
	store, err := openStore(cfg, encryptor)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("conversation store ready", slog.String("backend", cfg.StoreBackend))

	// Routing settings: the file is authoritative for queues too.
	routing := config.NewRouting(config.DefaultRoutingSettings())
	watcher := config.NewWatcher(cfg.RoutingFile, routing, cfg.RoutingPollInterval, logger)
	watcher.OnChange(func(s config.RoutingSettings) {
		queues := make([]domain.Queue, 0, len(s.Queues))
		for _, q := range s.Queues {
			queues = append(queues, domain.Queue{ID: q.ID, Name: q.Name, Members: q.Members, Strategy: q.Strategy})
		}
		removed, err := service.SyncQueues(ctx, store, queues)
		if err != nil {
			logger.Error("sync queues failed", slog.Any("error", err))
			return
		}
		if len(removed) > 0 {
			logger.Info("queues removed from routing config", slog.Any("queue_ids", removed))
		}
	})
	if err := watcher.Load(); err != nil {
		return fmt.Errorf("load routing config: %w", err)
	}
	go watcher.Run(ctx)

	clk := clock.New()
	hub := ws.NewHub(256)
	registry := presence.NewRegistry(clk, cfg.PresenceTTL, hub, logger)
	go registry.Run(ctx, cfg.PresenceSweep)

	policy := assignment.NewPolicy(registry, rand.New(rand.NewSource(time.Now().UnixNano())))
	supervisor := bounce.NewSupervisor(clk, routing, logger)
	supervisor.Start(ctx)

	var (
		sender domain.ChannelSender = transport.NewLogSender(logger)
		sink   domain.EventSink
		broker *amqp.Client
	)
	if cfg.AMQPURL != "" {
		broker, err = amqp.Dial(ctx, amqp.Config{
			URL:              cfg.AMQPURL,
			Producer:         cfg.AppName,
			EventsExchange:   cfg.AMQPEventsExchange,
			DeliveryExchange: cfg.AMQPSendExchange,
			InboundQueue:     cfg.AMQPInboundQueue,
			ReceiptQueue:     cfg.AMQPReceiptQueue,
		}, logger)
		if err != nil {
			return err
		}
		defer broker.Close()
		sender = amqp.NewSender(broker)
		eventSink := amqp.NewSink(broker, logger)
		go eventSink.Run(ctx)
		sink = eventSink
	}

	controller := lifecycle.NewController(lifecycle.Deps{
		Store:     store,
		Presence:  registry,
		Policy:    policy,
		Bounce:    supervisor,
		Routing:   routing,
		Publisher: hub,
		Sink:      sink,
		Sender:    sender,
		Clock:     clk,
		Logger:    logger,
	})
	supervisor.SetHandler(controller)

	rearmed, err := supervisor.Recover(ctx, store)
	if err != nil {
		return fmt.Errorf("recover bounce timers: %w", err)
	}
	logger.Info("bounce timers recovered", slog.Int("count", rearmed))

	monitor := window.NewMonitor(store, controller, routing, clk, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	if broker != nil {
		go func() {
			err := broker.Run(ctx,
				amqp.InboundConsumer(broker.Config(), controller),
				amqp.ReceiptConsumer(broker.Config(), controller),
			)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("amqp consumers stopped", slog.Any("error", err))
			}
		}()
	}

	tokens := security.NewTokenService(cfg.JWTSecret, time.Hour)
	router := httpserver.NewRouter(httpserver.Deps{
		Config:    cfg,
		Tokens:    tokens,
		Actions:   controller,
		Directory: service.NewDirectoryService(store, store, store, registry),
		Presence:  registry,
		Hub:       hub,
		Clock:     clk,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:        cfg.HTTPAddr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting omnirouter", slog.String("addr", cfg.HTTPAddr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
	supervisor.StopAll()
	return nil
}

func openStore(cfg *config.Config, cipher security.Cipher) (domain.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := sqlite.Migrate(db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return sqlstore.New(db, cipher), nil
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return sqlstore.New(db, cipher), nil
	case "mysql":
		db, err := mysql.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := mysql.Migrate(db); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return sqlstore.New(db, cipher), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
