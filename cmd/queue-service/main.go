package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediq/queue-service/internal/config"
	"mediq/queue-service/internal/httpapi"
	"mediq/queue-service/internal/notify"
	"mediq/queue-service/internal/queue"
	"mediq/queue-service/internal/stats"
	"mediq/queue-service/internal/store"
	"mediq/queue-service/internal/store/memory"
	"mediq/queue-service/internal/store/postgres"
	"mediq/queue-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx := context.Background()
	shutdownTelemetry := telemetry.Setup(ctx, "queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var st store.Store
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, using in-memory store")
		st = memory.NewStore()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
	}

	hub := notify.NewHub()
	aggregator := stats.NewAggregator(st)
	manager := queue.NewManager(st, hub, aggregator, queue.Options{
		ServiceSecondsPerPatient: int(cfg.ServiceTimePerPatient.Seconds()),
		MaxApplyAttempts:         cfg.MaxApplyAttempts,
	})

	handler := httpapi.NewHandler(manager, aggregator)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		FacilityPerMinute: cfg.FacilityRateLimitPerMinute,
		FacilityBurst:     cfg.FacilityRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", realtimeHandler(hub, cfg.RealtimeSendBuffer))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	manager.Flush()
}

func realtimeHandler(hub *notify.Hub, sendBuffer int) http.Handler {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &notify.Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
		hub.Register(client)
		defer hub.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := notify.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				hub.UpdateSubscription(client, notify.Subscription{})
				continue
			}
			hub.UpdateSubscription(client, notify.Subscription{FacilityID: parsed.FacilityID})
		}
	})
}
