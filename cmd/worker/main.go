package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sokokicks/checkout/internal/messaging"
	"github.com/sokokicks/checkout/internal/notify"
	"github.com/sokokicks/checkout/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	notifyServiceURL := os.Getenv("NOTIFY_SERVICE_URL")
	if notifyServiceURL == "" {
		logger.Error("NOTIFY_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	checkoutServiceURL := os.Getenv("CHECKOUT_SERVICE_URL")
	if checkoutServiceURL == "" {
		logger.Error("CHECKOUT_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	opsEmail := os.Getenv("RECONCILIATION_EMAIL")
	if opsEmail == "" {
		opsEmail = "payments@sokokicks.co.ke"
	}

	brokers := strings.Split(kafkaBrokers, ",")

	paidConsumer := messaging.NewConsumer(brokers, messaging.TopicOrderPaid, "fulfillment-worker")
	defer func() { _ = paidConsumer.Close() }()

	reconConsumer := messaging.NewConsumer(brokers, messaging.TopicReconciliation, "reconciliation-worker")
	defer func() { _ = reconConsumer.Close() }()

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
	}

	notifier := notify.NewClient(notifyServiceURL, httpClient)
	fulfillment := worker.NewFulfillmentHandler(checkoutServiceURL, notifier, httpClient, logger)
	reconciliation := worker.NewReconciliationHandler(opsEmail, notifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting workers", "brokers", brokers)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := paidConsumer.Consume(ctx, fulfillment.Handle); err != nil && ctx.Err() == nil {
			logger.Error("fulfillment consumer error", "error", err)
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		if err := reconConsumer.Consume(ctx, reconciliation.Handle); err != nil && ctx.Err() == nil {
			logger.Error("reconciliation consumer error", "error", err)
			cancel()
		}
	}()

	wg.Wait()
	logger.Info("consumers stopped")
}
