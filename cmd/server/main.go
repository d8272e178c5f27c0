package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/config"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/consumer"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/coordination"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/events"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/messaging"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/monitoring"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/publisher"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/service"
	"github.com/Whirlwind-Technologies/tenant-management-service-sub001/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()

	repo, err := store.NewTenantRepository(cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer repo.Close()

	cache := coordination.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer cache.Close()
	if err := cache.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}

	conn, err := messaging.Connect(cfg.AMQPURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
	}
	defer conn.Close()

	sender, err := messaging.NewChannelSender(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open publisher channel")
	}
	defer sender.Close()

	monitoring.InitMetrics()

	eventPublisher := publisher.New(sender, cfg.SourceService, publisher.Options{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})
	tenantService := service.NewTenantService(repo, eventPublisher)
	commandConsumer := consumer.New(cache, repo, tenantService, eventPublisher,
		cfg.ProcessingLockTTL, cfg.CompletionTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = messaging.Consume(ctx, conn, messaging.ConsumerConfig{
		QueueName:    cfg.CommandQueue,
		DLQName:      cfg.CommandDLQ,
		RoutingKeys:  []string{"tenant.command.create"},
		ConsumerName: cfg.ConsumerName,
	}, commandConsumer.Handle)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start command consumer")
	}

	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler: mux,
		}

		log.Info().Msgf("HTTP server for health checks and metrics started on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Str("queue", cfg.CommandQueue).
		Str("response_topic", string(events.TypeCreationResponse)).
		Msg("Tenant provisioning service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	cancel()
	log.Info().Msg("Server exiting")
}
