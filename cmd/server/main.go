package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/config"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/database"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memstore"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Database.Driver).
		Msg("Starting Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	var (
		store repository.Store
		staff repository.StaffReader
	)
	switch cfg.Database.Driver {
	case "memory":
		mem := memstore.New()
		store, staff = mem, mem
		log.Warn().Msg("Using in-memory store, state is lost on restart")
	default:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply database migrations")
		}
		pg := repository.NewPostgresStore(db)
		store, staff = pg, pg
	}
	directory := client.NewCachedDirectory(staff, cfg.Directory.CacheTTL, log)

	// Event bus
	var publisher service.Publisher
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = client.Connect(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()

		js, err := client.NewJetStreamPublisher(nc, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			log.Fatal().Err(err).Str("stream", cfg.NATS.Stream).Msg("Failed to bind JetStream stream")
		}
		publisher = js
		log.Info().Str("stream", cfg.NATS.Stream).Str("prefix", cfg.NATS.SubjectPrefix).Msg("NATS JetStream publisher ready")
	} else {
		publisher = client.NewLogPublisher(log)
		log.Warn().Msg("NATS_URL not set, events will only be logged")
	}

	// Sweep lock
	var locker service.Locker
	if cfg.Redis.Addr != "" {
		rdb, err := client.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		locker = client.NewRedisLocker(rdb)
	} else {
		log.Warn().Msg("REDIS_ADDR not set, sweeps are only guarded within this process")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(reg)

	loc, err := time.LoadLocation(cfg.Stats.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load stats timezone")
	}

	// Initialize services
	opts := []service.Option{
		service.WithMetrics(metrics),
		service.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
	}
	catalog := service.NewCatalog(store, log.Component("catalog"), opts...)
	engine := service.NewEngine(store, directory, log.Component("engine"), opts...)
	queries := service.NewQueryService(store, directory, loc, opts...)
	relay := service.NewOutboxRelay(store, publisher, cfg.Outbox.BatchSize, cfg.Outbox.Interval, log.Component("outbox"), opts...)

	if cfg.Catalog.SeedFile != "" {
		if err := seedFlows(ctx, catalog, cfg.Catalog.SeedFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.Catalog.SeedFile).Msg("Failed to seed approval flows")
		}
	}

	var (
		scheduler *service.Scheduler
		sweeper   handler.Sweeper
	)
	if cfg.Scheduler.Enabled {
		scheduler = service.NewScheduler(engine, service.SchedulerConfig{
			Spec:    cfg.Scheduler.Spec,
			Workers: cfg.Scheduler.Workers,
			LockTTL: cfg.Scheduler.LockTTL,
		}, locker, log.Component("scheduler"))
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start reconciliation scheduler")
		}
		sweeper = scheduler
	}

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		relay.Run(ctx)
	}()

	if nc != nil && cfg.NATS.AuditDurable != "" {
		if err := subscribeAudit(nc, cfg, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe audit consumer")
		}
	}

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	handler.NewHTTPHandler(engine, catalog, queries, sweeper, log).Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterEngineServer(grpcServer, handler.NewGRPCHandler(engine, queries, log))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.EngineServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	// Reflection describes health fully; ApprovalEngine is listed by name only.
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	if scheduler != nil {
		scheduler.Stop()
	}
	cancel()
	workers.Wait()

	log.Info().Msg("Server stopped")
}

func seedFlows(ctx context.Context, catalog *service.Catalog, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = catalog.ImportYAML(ctx, f)
	return err
}

// subscribeAudit logs every resolved approval from the bus, which confirms
// end-to-end delivery in environments without a downstream consumer.
func subscribeAudit(nc *nats.Conn, cfg *config.Config, log *logger.Logger) error {
	sub, err := client.NewEventSubscriber(nc, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, log)
	if err != nil {
		return err
	}
	_, err = sub.Subscribe(service.EventCompleted, cfg.NATS.AuditDurable, func(_ context.Context, env *service.Envelope) error {
		log.Info().
			Str("event_id", env.ID).
			Time("occurred_at", env.OccurredAt).
			RawJSON("payload", env.Payload).
			Msg("Approval completed")
		return nil
	})
	return err
}
