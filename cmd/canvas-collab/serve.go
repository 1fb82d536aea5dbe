package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jamesrossjr/canvas-core/internal/auth"
	"github.com/jamesrossjr/canvas-core/internal/collab"
	"github.com/jamesrossjr/canvas-core/internal/config"
	"github.com/jamesrossjr/canvas-core/internal/logging"
	"github.com/jamesrossjr/canvas-core/internal/oplog"
	"github.com/jamesrossjr/canvas-core/internal/presence"
	"github.com/jamesrossjr/canvas-core/internal/server"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	hub := server.NewConnectionHub(server.HubConfig{
		SendBuffer:      appConfig.WebSocket.SendBuffer,
		OverflowPolicy:  server.OverflowPolicy(appConfig.WebSocket.OverflowPolicy),
		MaxMessageBytes: appConfig.WebSocket.MaxMessageBytes,
		PingInterval:    appConfig.WebSocket.PingInterval,
		PingTimeout:     appConfig.WebSocket.PingTimeout,
		WriteTimeout:    appConfig.WebSocket.WriteTimeout,
		AllowedOrigins:  appConfig.WebSocket.AllowedOrigins,
		Logger:          logger,
	})

	managerConfig := collab.ManagerConfig{Sender: hub, Logger: logger}

	if appConfig.Redis.Enabled() {
		store, err := openPresenceStore(ctx, appConfig.Redis)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		mirror, err := presence.NewMirror(presence.MirrorConfig{Store: store, Logger: logger})
		if err != nil {
			return err
		}
		defer mirror.Close() //nolint:errcheck
		logger.Info("presence mirror enabled", zap.String("redis_address", appConfig.Redis.Address))
		managerConfig.Presence = mirror
	}

	if appConfig.Kafka.Enabled() {
		feed, err := openOperationFeed(appConfig.Kafka, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
			defer cancel()
			if err := feed.Close(closeCtx); err != nil {
				logger.Warn("operation feed did not drain", zap.Error(err))
			}
			counters := feed.Counters()
			logger.Info("operation feed closed",
				zap.Uint64("published", counters.Published),
				zap.Uint64("dropped", counters.Dropped),
				zap.Uint64("failed", counters.Failed))
		}()
		managerConfig.Operations = feed
	}

	manager, err := collab.NewManager(managerConfig)
	if err != nil {
		return err
	}

	var sessions server.SessionValidator
	if appConfig.Auth.Enabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.Auth.SigningSecret),
			Issuer:        appConfig.Auth.Issuer,
			CookieName:    appConfig.Auth.CookieName,
		})
		if err != nil {
			return err
		}
		sessions = validator
	} else {
		logger.Warn("session validation disabled; every connection is anonymous")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Manager:        manager,
		Hub:            hub,
		Sessions:       sessions,
		AllowedOrigins: appConfig.WebSocket.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// hijacked websocket connections are not covered by http.Server.Shutdown
		return hub.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func openPresenceStore(ctx context.Context, cfg config.RedisConfig) (*presence.Store, error) {
	client, err := presence.Connect(ctx, cfg.Address, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	store, err := presence.NewStore(client, cfg.PresenceTTL)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

func openOperationFeed(cfg config.KafkaConfig, logger *zap.Logger) (*oplog.Feed, error) {
	producer, err := oplog.NewProducer(cfg.Brokers)
	if err != nil {
		return nil, err
	}
	feed, err := oplog.NewFeed(oplog.FeedConfig{
		Producer:    producer,
		Topic:       cfg.Topic,
		QueueSize:   cfg.QueueSize,
		Workers:     cfg.Workers,
		MaxRetry:    cfg.MaxRetry,
		BaseBackoff: cfg.Backoff,
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logger,
	})
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	logger.Info("operation feed enabled", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return feed, nil
}
