package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"convoy/cmd/server/config"
	"convoy/internal/bus"
	"convoy/internal/dispatch"
	"convoy/internal/observability"
	"convoy/internal/outbox"
	"convoy/internal/realtime"
	"convoy/internal/reliability"
	"convoy/internal/saga"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	store, cleanupStore, err := buildStore(ctx)
	if err != nil {
		return err
	}
	defer cleanupStore()

	ebus, cleanupBus, err := buildEventBus(ctx)
	if err != nil {
		return err
	}
	defer cleanupBus()

	metrics := observability.NewMetrics()

	hub := realtime.NewHub()
	go hub.Run(ctx)
	notifier := realtime.NewSagaNotifier(hub)

	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}

	orchOpts := []saga.Option{
		saga.WithMetrics(metrics),
		saga.WithNotifier(notifier),
	}
	if sagaCfg.JournalPath != "" {
		journal, err := saga.NewFileJournal(sagaCfg.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		orchOpts = append(orchOpts, saga.WithJournal(journal))
	}

	orchestrator := saga.NewOrchestrator(store, orchOpts...)
	if err := orchestrator.Restore(ctx); err != nil {
		return err
	}

	if sagaCfg.StepTimeout > 0 {
		watchdog := saga.NewWatchdog(orchestrator, sagaCfg.StepTimeout, sagaCfg.WatchdogInterval)
		go watchdog.Run(ctx)
	}

	dispatcher := dispatch.NewDispatcher(store, orchestrator, dispatch.WithMetrics(metrics))
	go func() {
		if err := dispatcher.Run(ctx, ebus.consumer); err != nil && ctx.Err() == nil {
			log.Printf("dispatcher stopped: %v", err)
		}
	}()

	outboxCfg, err := config.LoadOutbox()
	if err != nil {
		return err
	}
	relayOpts := []outbox.RelayOption{outbox.WithRelayMetrics(metrics)}
	if outboxCfg.BatchSize != nil {
		relayOpts = append(relayOpts, outbox.WithRelayBatchSize(*outboxCfg.BatchSize))
	}
	relay := outbox.NewRelay(store, buildRelayPublisher(ebus.publisher), outboxCfg.Interval, relayOpts...)
	go func() {
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("outbox relay stopped: %v", err)
		}
	}()

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}

	limiter := reliability.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics)),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(server)
		log.Println("gRPC reflection enabled (APP_ENV=", env, ")")
	}

	api := newAPIServer(store, orchestrator)
	httpSrv, err := startHTTPServer(metrics, hub, api)
	if err != nil {
		return err
	}

	log.Printf("gRPC server running on %s...", grpcCfg.Addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		server.GracefulStop()
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// buildRelayPublisher wraps the outbound publisher with the retry, breaker
// and rate-limit layers when the RELAY_* env vars are present. Without them
// the relay publishes directly; its own retry loop still covers transient
// failures.
func buildRelayPublisher(base bus.Publisher) bus.Publisher {
	if os.Getenv("RELAY_RETRY_MAX_ATTEMPTS") == "" {
		return base
	}
	cfg, err := reliability.LoadConfigFromEnv()
	if err != nil {
		log.Printf("relay reliability config invalid, publishing without wrapper: %v", err)
		return base
	}
	return cfg.Wrap(base)
}

func startHTTPServer(metrics *observability.Metrics, hub *realtime.Hub, api *apiServer) (*http.Server, error) {
	cfg, err := config.LoadObservability()
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.Handle("/ws", hub.Handler())
	api.routes(mux)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	return srv, nil
}
