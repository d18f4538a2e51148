package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/contentrepo/internal/config"
	"github.com/systemshift/contentrepo/internal/content/repository"
	"github.com/systemshift/contentrepo/internal/logging"
	"github.com/systemshift/contentrepo/internal/metrics"
	"github.com/systemshift/contentrepo/internal/server/api"
)

func main() {
	configPath := flag.String("config", getEnv("CR_CONFIG", ""), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "contentrepo-server: %v\n", err)
		os.Exit(1)
	}
	logger, sync, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "contentrepo-server: %v\n", err)
		os.Exit(1)
	}
	defer sync()

	if err := run(cfg, logger.Sugar()); err != nil {
		logger.Sugar().Errorw("server stopped", "error", err)
		sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := cfg.RepositoryOptions(ctx, log)
	if err != nil {
		return fmt.Errorf("opening %s backend: %w", cfg.Backend.Type, err)
	}
	opts.Hooks = metrics.Hooks()
	repo, err := repository.Open(ctx, opts)
	if err != nil {
		opts.Backend.Close()
		return fmt.Errorf("opening repository: %w", err)
	}
	log.Infow("repository ready", "backend", cfg.Backend.Type, "workspaces", repo.Workspaces())

	apiServer := api.New(repo, log.Named("api"))

	// Setup HTTP router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// Routes
	r.Handle("/metrics", promhttp.Handler())
	apiServer.Routes(r)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting contentrepo server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if err := repo.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server exited")
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
