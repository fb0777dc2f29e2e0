package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"example.com/healthsync/internal/api"
	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/diagnostics"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/notify"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/persistence"
	httptransport "example.com/healthsync/internal/transport/http"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    "healthsync-api",
		ServiceVersion: cfg.ServiceVersion,
		Endpoint:       cfg.OTLPEndpoint,
		SamplingRate:   cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("failed to initialise tracing: %v", err)
	}

	repo, closeRepo, err := persistence.Open(ctx, cfg, log.New(os.Stderr, "[storage] ", log.LstdFlags))
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer closeRepo()

	priority, err := cfg.Priority()
	if err != nil {
		log.Fatalf("failed to load source priority: %v", err)
	}
	resolver, err := domain.ParseResolver(priority)
	if err != nil {
		log.Fatalf("invalid source priority: %v", err)
	}

	sinks, closeSinks := buildSinks(cfg)
	defer closeSinks()
	dispatcher := notify.NewDispatcher(sinks,
		notify.WithLogger(log.New(os.Stderr, "[notify] ", log.LstdFlags)),
		notify.WithTimeout(cfg.NotifyTimeout),
		notify.WithMaxInFlight(cfg.NotifyMaxInFlight),
	)

	service := domain.NewService(repo,
		domain.WithNotifier(dispatcher),
		domain.WithResolver(resolver),
		domain.WithIntradayDedup(cfg.IntradayDedup),
	)

	handler := api.NewHandler(service,
		api.WithDebugSink(diagnostics.NewFileSink(cfg.DebugDir, nil)),
		api.WithMaxPayloadBytes(cfg.MaxPayloadBytes),
		api.WithVersion(cfg.ServiceVersion),
	)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if cfg.MetricsAddress == "" {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		go serveMetrics(cfg.MetricsAddress)
	}

	authMiddleware := auth.NewMiddleware(auth.Config{
		APIKey:    cfg.APIKey,
		JWTSecret: cfg.JWTSecret,
		JWTIssuer: cfg.JWTIssuer,
	}, auth.PublicPaths("/health", "/healthz", "/metrics"))
	requestLog := httptransport.RequestLogger(log.New(os.Stderr, "[http] ", log.LstdFlags))

	server := httptransport.NewServer(
		httptransport.DefaultServerConfig(cfg.HTTPAddress),
		httptransport.Traced(requestLog(authMiddleware.Wrap(mux)), "healthsync-api"),
	)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("healthsync listening on %s (storage=%s, sinks=%v)", cfg.HTTPAddress, cfg.StorageDriver, cfg.NotifySinks)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		log.Printf("pending notifications abandoned: %v", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Printf("tracer shutdown failed: %v", err)
	}
}

func buildSinks(cfg config.Config) ([]notify.Sink, func()) {
	var (
		sinks   []notify.Sink
		closers []func() error
	)
	if cfg.HasSink("telegram") {
		sink, err := notify.NewTelegramSink(notify.TelegramConfig{
			APIURL:   cfg.TelegramAPIURL,
			BotToken: cfg.TelegramBotToken,
			ChatID:   cfg.TelegramChatID,
		})
		if err != nil {
			log.Fatalf("telegram sink: %v", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.HasSink("kafka") {
		producer := notify.NewKafkaProducer(cfg.KafkaBrokers)
		closers = append(closers, producer.Close)
		sinks = append(sinks, notify.NewKafkaSink(producer, cfg.SyncTopic))
	}
	if cfg.HasSink("redis") {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, client.Close)
		sinks = append(sinks, notify.NewRedisSink(client, cfg.RedisChannel))
	}
	if cfg.HasSink("webhook") {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookToken, nil))
	}
	return sinks, func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Printf("close sink: %v", err)
			}
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server error: %v", err)
	}
}
