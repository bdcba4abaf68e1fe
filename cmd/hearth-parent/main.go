package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/EternisAI/hearth/internal/agents"
	internalhttp "github.com/EternisAI/hearth/internal/api/http"
	"github.com/EternisAI/hearth/internal/auth"
	"github.com/EternisAI/hearth/internal/coordinator"
	"github.com/EternisAI/hearth/internal/db"
	"github.com/EternisAI/hearth/internal/discovery"
	"github.com/EternisAI/hearth/internal/events"
	"github.com/EternisAI/hearth/internal/extensions"
	grpcserver "github.com/EternisAI/hearth/internal/grpc/server"
	"github.com/EternisAI/hearth/internal/identity"
	"github.com/EternisAI/hearth/internal/metrics"
	"github.com/EternisAI/hearth/internal/provisioning"
	"github.com/EternisAI/hearth/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var AppVersion string

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		os.Exit(hashKey(os.Args[2:]))
	}

	serviceAction := flag.String("service", "", "service control: install, uninstall, start, stop, restart or run")
	flag.Parse()

	InitConfig()

	slog.Info("Hearth Parent", "version", AppVersion)

	if *serviceAction != "" {
		if err := controlService(*serviceAction); err != nil {
			slog.Error("Service command failed", "action", *serviceAction, "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runParent(ctx); err != nil {
		slog.Error("Parent stopped with error", "error", err)
		os.Exit(1)
	}
}

// hashKey prints the bcrypt hash of an operator API key for
// http.admin_api_key.
func hashKey(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: hearth-parent hash-key <api-key>")
		return 2
	}
	hash, err := auth.HashAPIKey(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

func openStore(ctx context.Context, cfg db.Config) (store.Store, error) {
	switch cfg.Driver {
	case db.DriverPostgres:
		if cfg.Url == "" {
			return nil, errors.New("db.url is required for the postgres driver")
		}
		if err := db.RunMigrations(cfg.Url, cfg.Schema); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		pool, err := db.InitDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(pool), nil
	case db.DriverSQLite, "":
		conn, err := db.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return store.NewSQLite(conn), nil
	default:
		return nil, fmt.Errorf("unsupported db.driver %q", cfg.Driver)
	}
}

func loadExtensions(dir string, publisher events.Publisher) (*extensions.Registry, error) {
	registry := extensions.NewRegistry(extensions.EventHandler{Publisher: publisher})
	if dir == "" {
		return registry, nil
	}
	manifests, err := extensions.LoadManifests(dir)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if err := registry.AddManifest(m); err != nil {
			return nil, err
		}
	}
	slog.Info("Extension manifests loaded", "dir", dir, "count", len(manifests))
	return registry, nil
}

func runParent(ctx context.Context) error {
	st, err := openStore(ctx, config.DB)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	id, err := identity.NewStore(config.Identity.Dir, config.Identity.KeyBits).GetOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	slog.Info("Parent identity", "uuid", id.UUID, "fingerprint", id.Fingerprint())

	bus := events.NewBus()
	defer bus.Close()
	m := metrics.New()

	registry, err := loadExtensions(config.Extensions.Dir, bus)
	if err != nil {
		return fmt.Errorf("failed to load extensions: %w", err)
	}

	provisioningService := provisioning.NewService(st, id, bus, m, provisioning.Config{
		TokenTTL:  config.Provisioning.TokenTTL,
		CodeTTL:   config.Provisioning.CodeTTL,
		PublicURL: config.Http.PublicURL,
	})
	agentService := agents.NewService(st, provisioningService, bus, m, agents.Config{
		OnlineThreshold: config.Agents.OnlineThreshold,
		LatestVersion:   config.Agents.LatestVersion,
	})
	coordinatorService := coordinator.NewService(st, agentService, registry, bus, m)
	if err := coordinatorService.LoadCache(ctx); err != nil {
		slog.Warn("Deployment cache not warmed, falling back to store lookups", "error", err)
	}

	services := &internalhttp.Services{
		Agents:       agentService,
		Provisioning: provisioningService,
		Coordinator:  coordinatorService,
		Extensions:   registry,
		Identity:     id,
		Events:       bus,
		DB:           st,
		Metrics:      m.Handler(),
	}

	var advertiser *discovery.Advertiser
	if config.Discovery.Enabled {
		hostname, _ := os.Hostname()
		advertiser = discovery.NewAdvertiser(discovery.AdvertiserConfig{
			ServiceType: config.Discovery.ServiceType,
			UUID:        id.UUID,
			Port:        int(config.Http.Port),
			Descriptor: discovery.Descriptor{
				Hostname: hostname,
				Version:  AppVersion,
				Platform: runtime.GOOS,
			},
		}, nil)
		advertiser.Start()
		defer advertiser.Stop()
		services.Advertiser = advertiser
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	origins := config.Http.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	var loops sync.WaitGroup
	startLoop := func(fn func(context.Context)) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			fn(loopCtx)
		}()
	}

	startLoop(func(ctx context.Context) {
		agentService.StartLivenessSweep(ctx, config.Agents.SweepInterval)
	})
	if config.Provisioning.ReapInterval > 0 {
		startLoop(func(ctx context.Context) {
			provisioningService.StartReaper(ctx, config.Provisioning.ReapInterval)
		})
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	var grpcSrv *grpcserver.Server
	if config.Grpc.Port > 0 {
		grpcSrv = grpcserver.NewServer(config.Grpc.Port)
		go func() {
			if err := grpcSrv.Start(); err != nil {
				errChan <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
		startLoop(func(ctx context.Context) {
			grpcSrv.StartProbe(ctx, st, 30*time.Second)
		})
	}

	var runErr error
	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
		runErr = err
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	}

	slog.Info("Shutting down servers...")
	cancelLoops()
	// Ends open event streams so the HTTP shutdown does not wait on them.
	bus.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	if grpcSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
				slog.Error("gRPC server shutdown error", "error", err)
			}
		}()
	}

	wg.Wait()
	loops.Wait()
	slog.Info("Shutdown complete")
	return runErr
}
