package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"dbops-orchestrator/internal/adapter"
	grpcapi "dbops-orchestrator/internal/api/grpc"
	httpapi "dbops-orchestrator/internal/api/http"
	"dbops-orchestrator/internal/config"
	"dbops-orchestrator/internal/domain"
	"dbops-orchestrator/internal/infra/etcd"
	"dbops-orchestrator/internal/infra/memory"
	"dbops-orchestrator/internal/infra/mysql"
	"dbops-orchestrator/internal/notify"
	"dbops-orchestrator/internal/orchestrator"
	"dbops-orchestrator/internal/tracing"
	"dbops-orchestrator/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator, its operator API and the gRPC health service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

// backend is a store that can also be seeded.
type backend interface {
	domain.Store
	domain.InventoryWriter
}

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		// Handle pre-flight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func serve(parent context.Context, cfg *config.Config) error {
	// 1. Initialize logger and tracer
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
	}
	logger = logger.With("node_id", cfg.NodeID)

	if cfg.Tracing.Enabled {
		tracerShutdown, err := tracing.InitTracer("dbops-orchestrator", cfg.NodeID, os.Stderr, cfg.Tracing.Pretty)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := tracerShutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// 2. Root context, cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. etcd is needed by the etcd backend, leader election and distributed leases
	var etcdClient *clientv3.Client
	if cfg.Store.Backend == "etcd" || cfg.LeaderElection.Enabled || cfg.Lease.Distributed {
		client, err := etcd.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.Timeout)
		if err != nil {
			return fmt.Errorf("failed to create etcd client: %w", err)
		}
		defer client.Close()
		etcdClient = client
		logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)
	}

	store, closeStore, err := openStore(cfg, etcdClient, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 4. Adapters and notifiers
	adapters, err := adapter.Build(cfg.Adapters, logger)
	if err != nil {
		return fmt.Errorf("failed to build adapters: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	var notifier domain.Notifier = notify.NewLog(logger)
	if cfg.Notify.WebhookURL != "" {
		webhook := notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Rate, cfg.Notify.Buffer, logger)
		notifier = notify.Multi{notifier, webhook}
		g.Go(func() error { return webhook.Run(gctx) })
	}

	// 5. Orchestrator and services
	var opts []orchestrator.Option
	if cfg.Lease.Distributed {
		opts = append(opts, orchestrator.WithLeaseGuard(etcd.NewEtcdLocker(etcdClient)))
	}
	orch, err := orchestrator.New(orchestrator.ConfigFrom(cfg), store, adapters, notifier, logger, opts...)
	if err != nil {
		return err
	}

	jobService := usecase.NewJobService(store, orch, logger)
	jobService.SetLeaseTimeout(cfg.Lease.Timeout)
	incidentService := usecase.NewIncidentService(store, orch.Tracker(), logger)

	if cfg.InventoryFile != "" {
		inv, err := config.LoadInventory(cfg.InventoryFile)
		if err != nil {
			return err
		}
		if err := inv.Seed(ctx, store, jobService); err != nil {
			return err
		}
		logger.Info("inventory seeded", "file", cfg.InventoryFile,
			"databases", len(inv.Databases), "windows", len(inv.Windows), "jobs", len(inv.Jobs))
	}

	var election domain.LeaderElectionManager
	if cfg.LeaderElection.Enabled {
		election = etcd.NewEtcdLeaderElectionManager(etcdClient, cfg.NodeID, cfg.LeaderElection.TTL, logger)
	}
	schedulerService := usecase.NewSchedulerService(election, orch, cfg.NodeID, logger)
	g.Go(func() error { return schedulerService.Start(gctx) })

	// 6. gRPC health and the HTTP API
	if cfg.GrpcListenAddr != "" {
		grpcServer := grpcapi.NewServer(orch.Running, logger)
		g.Go(func() error { return grpcServer.Serve(gctx, cfg.GrpcListenAddr) })
	}

	router := httpapi.NewRouter(
		httpapi.NewJobHandler(jobService, logger),
		httpapi.NewIncidentHandler(incidentService, logger),
		orch,
	)
	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           corsMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down application gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("application shut down")
	return err
}

// openStore connects the configured backend. The returned func releases it.
func openStore(cfg *config.Config, etcdClient *clientv3.Client, logger *slog.Logger) (backend, func(), error) {
	switch cfg.Store.Backend {
	case "etcd":
		return etcd.NewStore(etcdClient, logger), func() {}, nil
	case "mysql":
		db, err := mysql.Open(cfg.MySQL.DSN, cfg.MySQL.MaxOpenConns, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		if cfg.MySQL.AutoMigrate {
			if err := mysql.Migrate(db); err != nil {
				_ = sqlDB.Close()
				return nil, nil, fmt.Errorf("failed to migrate mysql schema: %w", err)
			}
		}
		logger.Info("connected to mysql")
		return mysql.NewStore(db, logger), func() { _ = sqlDB.Close() }, nil
	default:
		logger.Warn("using the in-memory store, state is lost on restart")
		return memory.NewStore(logger), func() {}, nil
	}
}
