package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"orderstock/internal/config"
	kafkax "orderstock/internal/kafka"
	"orderstock/internal/orders"
	"orderstock/internal/postgres"
	"orderstock/internal/redisx"
	"orderstock/internal/stock"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	name := getenv("SERVICE_NAME", "stock-svc")
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", name).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	outcomes := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicReservationOutcome, cfg.PublishTimeout)
	defer outcomes.Close()

	svc := &stock.Service{
		Ledger:   &stock.PgLedger{DB: db},
		Redis:    rdb,
		Outcomes: outcomes,
		Name:     name,
		Log:      log,
	}

	// independent consumer groups, so each processor keeps its own checkpoint
	reserveGroup := getenv("RESERVATION_GROUP", "stock-reservation")
	releaseGroup := getenv("COMPENSATION_GROUP", "stock-compensation")

	reserveCons := kafkax.NewConsumer(cfg.KafkaBrokers, reserveGroup, orders.TopicOrderPlaced, cfg.Workers, log)
	go func() {
		log.Info().Str("group", reserveGroup).Str("topic", orders.TopicOrderPlaced).Msg("reservation consumer started")
		if err := reserveCons.Start(ctx, svc.HandleOrderPlaced); err != nil {
			log.Error().Err(err).Msg("reservation consumer exit")
			cancel()
		}
	}()

	releaseCons := kafkax.NewConsumer(cfg.KafkaBrokers, releaseGroup, orders.TopicOrderStatusChanged, cfg.Workers, log)
	go func() {
		log.Info().Str("group", releaseGroup).Str("topic", orders.TopicOrderStatusChanged).Msg("compensation consumer started")
		if err := releaseCons.Start(ctx, svc.HandleOrderStatusChanged); err != nil {
			log.Error().Err(err).Msg("compensation consumer exit")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down consumers...")
	cancel()
	time.Sleep(500 * time.Millisecond)
}
