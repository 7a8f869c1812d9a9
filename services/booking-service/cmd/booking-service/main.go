package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/clinicware/clinicbook/libs/config"
	"github.com/clinicware/clinicbook/libs/db"
	"github.com/clinicware/clinicbook/libs/httpx"
	"github.com/clinicware/clinicbook/libs/kafkax"
	otelx "github.com/clinicware/clinicbook/libs/otel"
	"github.com/clinicware/clinicbook/libs/runtime"
	"github.com/clinicware/clinicbook/services/booking-service/internal/booking"
	"github.com/clinicware/clinicbook/services/booking-service/internal/handlers"
	"github.com/clinicware/clinicbook/services/booking-service/internal/outbox"
	"github.com/clinicware/clinicbook/services/booking-service/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.OpenWithOptions(ctx, dbURL, db.Options{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	slotRepo := storage.NewSlotRepository(pool)
	apptRepo := storage.NewAppointmentRepository(pool)
	paymentRepo := storage.NewPaymentRepository(pool)
	idemRepo := storage.NewIdempotencyRepository()
	txStores := storage.NewTxStores(pool, slotRepo, apptRepo)
	outboxRepo := outbox.NewRepository(pool)

	coord := booking.NewCoordinator(slotRepo, apptRepo, booking.Options{
		Payments:     paymentRepo,
		MaxRetries:   config.Int("BOOKING_MAX_RETRIES", 0),
		CancelCutoff: config.Duration("BOOKING_CANCEL_CUTOFF", 0),
	})

	kafkaBrokers := config.String("KAFKA_BROKERS", "")
	outboxPublisher := outbox.NewPublisher(outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   kafkaBrokers,
		PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	bookingHandler := handlers.NewBookingHandler(coord, txStores, slotRepo, apptRepo, idemRepo, outboxRepo, logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(kafkaBrokers)},
	}

	var rdb *redis.Client
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.HandleFunc("/api/v1/slots", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			bookingHandler.ListSlots(w, r)
			return
		}
		bookingHandler.CreateSlot(w, r)
	})
	mux.HandleFunc("/api/v1/slots/availability", bookingHandler.SlotAvailability)
	mux.HandleFunc("/api/v1/appointments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			bookingHandler.ListAppointments(w, r)
			return
		}
		bookingHandler.Book(w, r)
	})
	mux.HandleFunc("/api/v1/appointments/cancel", bookingHandler.Cancel)
	mux.HandleFunc("/api/v1/appointments/status", bookingHandler.UpdateStatus)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
		httpx.WithTimeout(config.Duration("HTTP_REQUEST_TIMEOUT", 30*time.Second)),
	}
	rateLimit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if rdb != nil {
		limiter := httpx.NewRedisRateLimiter(rdb, rateLimit, time.Minute, service)
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	} else {
		// Single-instance fallback; multi-instance deployments set REDIS_ADDR.
		middlewares = append(middlewares, httpx.NewRateLimiter(rateLimit, time.Minute).Middleware())
	}
	if origins := config.String("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(origins, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Idempotency-Key", "X-Role"},
			MaxAge:         10 * time.Minute,
		}))
	}

	httpHandler := httpx.Chain(mux, middlewares...)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
