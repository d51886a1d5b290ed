package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peermatch/match-service/internal/config"
	"github.com/peermatch/match-service/internal/expiry"
	"github.com/peermatch/match-service/internal/matching"
	"github.com/peermatch/match-service/internal/messaging"
	"github.com/peermatch/match-service/internal/metrics"
	"github.com/peermatch/match-service/internal/question"
	"github.com/peermatch/match-service/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	setLogLevel(cfg.LogLevel)

	db, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.Ping(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}
	log.Info().Msg("database connected")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cancel()
	log.Info().Msg("redis connected")

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "peermatch-matcher"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer natsClient.Close()

	records := store.NewMatchRecordRepository(db)
	history := store.NewSessionHistoryRepository(db)
	questions := question.NewClient(cfg.QuestionServiceURL)
	scheduler := expiry.NewScheduler(rdb, natsClient, cfg.ExpirySweep(), log.Logger)
	notifier := matching.NewNATSNotifier(natsClient)

	coordinator := matching.NewCoordinator(
		records, history, questions, scheduler, notifier,
		cfg.RequestTimeout(), cfg.ConfirmTimeout(), log.Logger,
	)

	svc := matching.NewService(coordinator, natsClient, log.Logger)
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start matching service")
	}
	scheduler.Start()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr(), Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("metrics_addr", cfg.MetricsAddr()).
		Dur("request_timeout", cfg.RequestTimeout()).
		Dur("confirm_timeout", cfg.ConfirmTimeout()).
		Msg("matcher running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	scheduler.Stop()
	svc.Stop()

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	metricsServer.Shutdown(ctx)
	cancel()
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
