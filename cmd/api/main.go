package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"orderstock/internal/config"
	"orderstock/internal/httpx"
	kafkax "orderstock/internal/kafka"
	"orderstock/internal/orders"
	"orderstock/internal/postgres"
	"orderstock/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", cfg.ServiceName).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	placed := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderPlaced, cfg.PublishTimeout)
	defer placed.Close()
	statusChanged := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, cfg.PublishTimeout)
	defer statusChanged.Close()

	svc := &orders.Service{
		Store:         &orders.Repo{DB: db},
		Placed:        placed,
		StatusChanged: statusChanged,
		Redis:         rdb,
		Name:          cfg.ServiceName,
		Log:           log,
	}

	router := httpx.NewRouter()
	oh := &httpx.OrdersHandler{Orders: svc, Redis: rdb}
	oh.Register(router)

	// outcome listener: drives PENDING -> CONFIRMED off ReservationOutcome
	group := cfg.ConsumerGroup
	if group == "" {
		group = "order-svc"
	}
	listener := &orders.OutcomeListener{Orders: svc, Log: log}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicReservationOutcome, cfg.Workers, log)
	go func() {
		log.Info().Str("group", group).Str("topic", orders.TopicReservationOutcome).Msg("outcome consumer started")
		if err := cons.Start(ctx, listener.HandleReservationOutcome); err != nil {
			log.Error().Err(err).Msg("outcome consumer exit")
			cancel()
		}
	}()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
}
