package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/zlog"

	"github.com/polizaops/scheduled-notifier/internal/api/handlers/notification"
	"github.com/polizaops/scheduled-notifier/internal/api/router"
	"github.com/polizaops/scheduled-notifier/internal/api/server"
	"github.com/polizaops/scheduled-notifier/internal/backoff"
	"github.com/polizaops/scheduled-notifier/internal/config"
	"github.com/polizaops/scheduled-notifier/internal/delivery"
	"github.com/polizaops/scheduled-notifier/internal/dispatcher"
	"github.com/polizaops/scheduled-notifier/internal/recovery"
	notifrepo "github.com/polizaops/scheduled-notifier/internal/repository/notification"
	notifsvc "github.com/polizaops/scheduled-notifier/internal/service/notification"
	"github.com/polizaops/scheduled-notifier/pkg/amqp"
	"github.com/polizaops/scheduled-notifier/pkg/email"
	"github.com/polizaops/scheduled-notifier/pkg/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	val := validator.New()

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	repo := notifrepo.NewRepository(db)

	rdb := redis.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.Database)
	if err = rdb.Ping(ctx).Err(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	clients := map[string]delivery.Client{
		"telegram": telegram.NewClient(cfg.Telegram.Token),
		"email": email.NewClient(
			cfg.Email.SMTPHost,
			cfg.Email.SMTPPort,
			cfg.Email.Username,
			cfg.Email.Password,
			cfg.Email.From,
		),
	}

	if cfg.RabbitMQ.Enabled {
		conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL(), cfg.RabbitMQ.Retries, cfg.RabbitMQ.Pause)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
		}
		defer func() {
			if err := conn.Close(); err != nil {
				zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ connection")
			}
		}()

		ch, err := conn.Channel()
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to open rabbitmq channel")
		}
		defer func() {
			if err := ch.Close(); err != nil {
				zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
			}
		}()

		amqpClient, err := amqp.NewClient(ch, cfg.RabbitMQ.Exchange, cfg.Retry)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to create amqp delivery client")
		}
		clients["amqp"] = amqpClient
	}

	registry := delivery.NewRegistry(clients)
	policy := backoff.New(cfg.Dispatch.Backoff, cfg.Dispatch.MaxRetries)

	disp := dispatcher.New(repo, registry, policy, dispatcher.Config{
		ClaimFreshness:  cfg.Dispatch.ClaimFreshness,
		Horizon:         cfg.Dispatch.Horizon,
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
	})
	disp.Start(ctx)

	loop := recovery.New(repo, disp, recovery.Config{
		Interval:       cfg.Dispatch.RecoveryInterval,
		StuckThreshold: cfg.Dispatch.StuckThreshold,
		ClaimFreshness: cfg.Dispatch.ClaimFreshness,
		Horizon:        cfg.Dispatch.Horizon,
		GraceWindow:    cfg.Dispatch.GraceWindow,
		FailedRetryAge: cfg.Dispatch.FailedRetryAge,
		MaxRetries:     cfg.Dispatch.MaxRetries,
	})
	if err := loop.Start(ctx); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to start recovery loop")
	}

	service := notifsvc.NewService(repo, disp, rdb)
	handler := notification.NewHandler(service, val, cfg)

	r := router.New(handler)
	s := server.New(cfg.Server.HTTPPort, r)

	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	loop.Stop()
	disp.Stop()

	if err := db.Master.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close master DB")
	}

	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msgf("failed to close slave DB %d", i)
		}
	}
}
