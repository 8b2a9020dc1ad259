package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sokokicks/checkout/internal/mpesasim"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	callbackDelay := 2 * time.Second
	if raw := os.Getenv("CALLBACK_DELAY"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			callbackDelay = d
		}
	}

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
	}

	sim := mpesasim.New(callbackDelay, os.Getenv("CALLBACK_SIGNING_SECRET"), httpClient, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/v1/generate", sim.HandleToken)
	mux.HandleFunc("POST /mpesa/stkpush/v1/processrequest", sim.HandleSTKPush)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting mpesa simulator", "port", port, "callback_delay", callbackDelay.String())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
