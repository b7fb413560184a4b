package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/OmChillure/aigen"
	"github.com/OmChillure/aigen/internal/api"
	"github.com/OmChillure/aigen/internal/auth"
	"github.com/OmChillure/aigen/internal/client"
	"github.com/OmChillure/aigen/internal/handlers"
	"github.com/OmChillure/aigen/internal/logging"
	"github.com/OmChillure/aigen/internal/page"
	"github.com/OmChillure/aigen/internal/services"
	"github.com/gin-gonic/gin"
)

type usageStore interface {
	api.UsageStore
	io.Closer
}

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "aigen")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFilePath := flag.String("config", envOr("AIGEN_CONFIG", filepath.Join(cfgPath, "config.yaml")),
		"path to the YAML config file")
	envFilePath := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	cfg, err := loadConfig(*cfgFilePath, *envFilePath)
	if err != nil {
		log.Fatal(err)
	}

	logger, zl, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating logger: %w", err))
	}
	defer func() { _ = zl.Sync() }()

	sessions, err := auth.NewService(cfg.JWTSecret, 0)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating auth service: %w", err))
	}

	// Create custom mux
	mux := http.NewServeMux()

	var store usageStore
	if !cfg.Proxy.Disabled {
		store, err = newUsageStore(cfg, cfgPath)
		if err != nil {
			log.Fatal(err)
		}
		defer store.Close()

		for _, userID := range cfg.ProUsers {
			if err := store.SetPro(context.Background(), userID, true); err != nil {
				log.Fatal(fmt.Errorf("error marking pro user %s: %w", userID, err))
			}
		}

		llm, err := cfg.LLM.llm(cfg.SystemPrompt, logger)
		if err != nil {
			log.Fatal(fmt.Errorf("error creating llm: %w", err))
		}

		gin.SetMode(gin.ReleaseMode)
		proxy := api.NewHandler(llm, store, sessions, api.Options{
			FreeLimit:     cfg.FreeLimit,
			RatePerSecond: cfg.RateLimit.PerSecond,
			Burst:         cfg.RateLimit.Burst,
		}, logger)
		mux.Handle("/api/", proxy.Engine())
	}

	proxyClient := client.NewProxy(cfg.Proxy.BaseURL, cfg.Proxy.Timeout, logger)

	pages := page.NewRegistry(proxyClient, cfg.Page.IdleTimeout, logger)
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go pages.Run(sweepCtx, cfg.Page.SweepInterval)

	m, err := handlers.NewMain(pages, proxyClient, sessions, cfg.UpgradeURL, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating handlers: %w", err))
	}

	// Serve static files
	staticFS, err := fs.Sub(aigen.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleLanding)
	mux.HandleFunc("/sign-up", m.HandleSignUp)
	mux.HandleFunc("/sign-out", m.HandleSignOut)
	mux.HandleFunc("/dashboard", m.HandleDashboard)
	mux.HandleFunc("/conversation", m.HandleFeature)
	mux.HandleFunc("/code", m.HandleFeature)
	mux.HandleFunc("/leave", m.HandleLeave)
	mux.HandleFunc("/sse/usage", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		sweepCancel()
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("error", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port), slog.String("proxy", cfg.Proxy.BaseURL))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("error", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("error", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("error", err.Error()))
			}
		}
	}
}

func newUsageStore(cfg config, cfgPath string) (usageStore, error) {
	switch cfg.Usage.Backend {
	case "bolt":
		dbPath := cfg.Usage.Path
		if dbPath == "" {
			dbPath = filepath.Join(cfgPath, "usage.db")
		}
		db, err := services.NewBoltDB(dbPath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "redis":
		r, err := services.NewRedis(context.Background(), cfg.Usage.RedisAddr, "aigen")
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown usage backend: %s", cfg.Usage.Backend)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
