package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/cache"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/client"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/config"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/database"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/handler"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/idempotency"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/metrics"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/middleware"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/repository/memstore"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/service"
)

var inMemory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		return serve(cfg, log)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&inMemory, "in-memory", false, "keep all state in process memory instead of PostgreSQL")
}

func serve(cfg *config.Config, log *logger.Logger) error {
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Bool("in_memory", inMemory).
		Msg("Starting Purchase Orders Service")

	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New("purchase_orders")

	events, closeEvents := newEventPublisher(cfg, log)
	defer closeEvents()

	supplier, closeSupplier, err := newSupplierNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeSupplier()

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisCache.Close()
	var snapshots idempotency.SnapshotCache
	if redisCache.Enabled() {
		snapshots = redisCache
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis snapshot cache enabled")
	}

	thresholds := service.NewThresholdService(store, events, cfg.Auth.AdminRole, log.Component("thresholds"))
	if inMemory {
		if _, err := thresholds.SeedDefaults(ctx); err != nil {
			return fmt.Errorf("seed default thresholds: %w", err)
		}
	}
	ledger := service.NewApprovalLedger(store, thresholds, events, m, log.Component("approvals"))
	svc := handler.Services{
		Orders:     service.NewOrderService(store, thresholds, supplier, events, m, log.Component("orders")),
		Ledger:     ledger,
		Bulk:       service.NewBulkCoordinator(store, ledger, cfg.Bulk.MaxBatchSize, m, log.Component("bulk")),
		Receiving:  service.NewReceivingService(store, events, m, log.Component("receiving")),
		Thresholds: thresholds,
	}
	guard := idempotency.NewGuard(store, snapshots, m, log.Component("idempotency"))
	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", m.Handler())
	handler.NewHTTPHandler(svc, guard, authn, log.Component("http")).Register(mux)

	var h http.Handler = mux
	h = middleware.Metrics(m)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS(cfg.Server.AllowedOrigins)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcHandler := handler.NewGRPCHandler(svc, guard, authn, log)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcHandler.AuthInterceptor))
	grpcHandler.Register(grpcServer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.WorkflowServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}

// openStore connects to PostgreSQL and applies migrations, or returns an
// in-process store when --in-memory is set.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, func(), error) {
	if inMemory {
		return memstore.New(), func() {}, nil
	}

	db, err := database.New(ctx, databaseConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Info().Msg("Database connection established")

	applied, err := db.Migrate(ctx)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	if len(applied) > 0 {
		log.Info().Strs("applied", applied).Msg("Database migrations applied")
	}
	return repository.NewPgStore(db), db.Close, nil
}

func newEventPublisher(cfg *config.Config, log *logger.Logger) (client.EventPublisher, func()) {
	if !cfg.NATS.Enabled {
		return client.NewLogPublisher(log.Logger), func() {}
	}
	publisher, err := client.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log.Logger)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, events will only be logged")
		return client.NewLogPublisher(log.Logger), func() {}
	}
	log.Info().Str("url", cfg.NATS.URL).Msg("NATS event publisher connected")
	return publisher, publisher.Close
}

func newSupplierNotifier(cfg *config.Config, log *logger.Logger) (client.SupplierNotifier, func(), error) {
	if !cfg.Supplier.Enabled {
		return client.NewLogOnlyNotifier(log.Logger), func() {}, nil
	}
	supplier, err := client.NewSupplierGRPCClient(cfg.Supplier.GRPCAddr, cfg.Supplier.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("create supplier gRPC client: %w", err)
	}
	log.Info().Str("addr", cfg.Supplier.GRPCAddr).Msg("Supplier gRPC client initialized")
	return supplier, func() { supplier.Close() }, nil
}
