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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/footprint/internal/config"
	"github.com/wilhg/footprint/internal/logging"
	"github.com/wilhg/footprint/pkg/otel"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	var configPath, addr string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", getEnv("FOOTPRINT_CONFIG", ""), "path to a YAML config file")
	flag.StringVar(&addr, "addr", "", "http listen address (overrides http.addr)")
	flag.Parse()

	if showVersion {
		fmt.Printf("footprint %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}
	if err := run(configPath, addr); err != nil {
		fmt.Fprintf(os.Stderr, "footprint: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceVersion: version,
		UseStdout:      cfg.OTel.Stdout,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()

	if configPath != "" {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			if next.Tracking.Async != a.settings.Async() {
				a.settings.SetAsync(next.Tracking.Async)
				log.Info("tracking mode reloaded", zap.Bool("async", next.Tracking.Async))
			}
		}, func(err error) {
			log.Warn("config reload failed", zap.Error(err))
		})
		if err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		}
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      buildMux(a),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.consume(gctx) })
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("version", version), zap.Bool("async", a.settings.Async()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		if err := server.Shutdown(sctx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		return shutdownTracing(sctx)
	})
	return g.Wait()
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
