package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sokokicks/checkout/internal/catalog"
	"github.com/sokokicks/checkout/internal/checkout"
	"github.com/sokokicks/checkout/internal/daraja"
	"github.com/sokokicks/checkout/internal/messaging"
	"github.com/sokokicks/checkout/internal/pricing"
	"github.com/sokokicks/checkout/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "checkout", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("checkout", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	metrics, err := telemetry.NewCheckoutMetrics()
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	var paidEvents, reconEvents checkout.EventPublisher
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")
		paidProducer := messaging.NewProducer(brokers, messaging.TopicOrderPaid)
		defer func() { _ = paidProducer.Close() }()
		reconProducer := messaging.NewProducer(brokers, messaging.TopicReconciliation)
		defer func() { _ = reconProducer.Close() }()
		paidEvents = paidProducer
		reconEvents = reconProducer
	}

	var cache *catalog.VariantCache
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer func() { _ = rdb.Close() }()
		cache = catalog.NewVariantCache(rdb, envDuration("VARIANT_CACHE_TTL", 30*time.Second))
	}

	darajaBaseURL := os.Getenv("DARAJA_BASE_URL")
	if darajaBaseURL == "" {
		logger.Error("DARAJA_BASE_URL environment variable is required")
		os.Exit(1)
	}

	callbackURL := os.Getenv("MPESA_CALLBACK_URL")
	if callbackURL == "" {
		logger.Error("MPESA_CALLBACK_URL environment variable is required")
		os.Exit(1)
	}

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	darajaClient := daraja.NewClient(daraja.ClientConfig{
		BaseURL:        darajaBaseURL,
		ConsumerKey:    os.Getenv("DARAJA_CONSUMER_KEY"),
		ConsumerSecret: os.Getenv("DARAJA_CONSUMER_SECRET"),
		Shortcode:      os.Getenv("DARAJA_SHORTCODE"),
		Passkey:        os.Getenv("DARAJA_PASSKEY"),
		CallbackURL:    callbackURL,
	}, httpClient, logger)

	orderRepo := checkout.NewOrderRepository(db)
	variantRepo := catalog.NewVariantRepository(db)
	couponRepo := pricing.NewCouponRepository(db)
	deliveryRepo := pricing.NewDeliveryRepository(db)

	var stock checkout.StockStore = variantRepo
	if cache != nil {
		// Stock mutations drop the cached variant so product pages don't
		// serve counters a whole TTL stale.
		stock = catalog.NewInvalidatingStock(variantRepo, cache)
	}

	service := checkout.NewService(
		orderRepo, stock, couponRepo, deliveryRepo,
		darajaClient, paidEvents, reconEvents,
		metrics, logger,
		checkout.Config{
			ReservationTTL: envDuration("RESERVATION_TTL", 5*time.Minute),
		},
	)

	checkoutHandler := checkout.NewHandler(service, os.Getenv("CALLBACK_SIGNING_SECRET"), logger)
	catalogHandler := catalog.NewHandler(variantRepo, cache, logger)
	pricingHandler := pricing.NewHandler(deliveryRepo, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /checkout", telemetry.WithHTTPRoute(checkoutHandler.HandleCheckout))
	mux.HandleFunc("POST /payments/mpesa/callback", telemetry.WithHTTPRoute(checkoutHandler.HandleMpesaCallback))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(checkoutHandler.HandleGetOrder))
	mux.HandleFunc("POST /orders/{id}/cancel", telemetry.WithHTTPRoute(checkoutHandler.HandleCancelOrder))
	mux.HandleFunc("PATCH /orders/{id}/status", telemetry.WithHTTPRoute(checkoutHandler.HandleUpdateStatus))
	mux.HandleFunc("GET /catalog/variants", telemetry.WithHTTPRoute(catalogHandler.HandleListVariants))
	mux.HandleFunc("GET /catalog/variants/{sku}", telemetry.WithHTTPRoute(catalogHandler.HandleGetVariant))
	mux.HandleFunc("GET /delivery/counties", telemetry.WithHTTPRoute(pricingHandler.HandleListCounties))
	mux.HandleFunc("GET /delivery/counties/{code}/areas", telemetry.WithHTTPRoute(pricingHandler.HandleListAreas))
	mux.Handle("GET /metrics", metricsHandler)

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	sweeper := checkout.NewSweeper(service, envDuration("SWEEP_INTERVAL", 30*time.Second), logger)
	go sweeper.Run(sweepCtx)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "checkout",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting checkout service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancelSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
