package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"seatline/cmd/consumers/handlers"
	"seatline/internal/config"
	"seatline/internal/logger"
	"seatline/internal/notify"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.WithComponent("consumers")

	log.Info("Starting notification consumers...",
		"confirmed_queue", cfg.RabbitMQ.ConfirmedQueue, "cancelled_queue", cfg.RabbitMQ.CancelledQueue)

	// Wait for interrupt signal to gracefully shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifications := handlers.NewNotifications(cfg.RabbitMQ, log)
	consumer := notify.NewConsumer(cfg.RabbitMQ, notifications.Handle, log)

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Consumer stopped with error", "error", err)
	}

	confirmed, cancelled := notifications.Counts()
	log.Info("Notification consumers stopped", "confirmed", confirmed, "cancelled", cancelled)
}
