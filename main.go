package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/clothtagger/config"
	"github.com/krau/clothtagger/onnx"
	"github.com/krau/clothtagger/server"
	"github.com/krau/clothtagger/service"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	host := flag.String("host", "", "bind host (overrides config)")
	port := flag.String("port", "", "bind port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != "" {
		cfg.Port = *port
	}
	setupLogger(cfg)

	if err := run(cfg); err != nil {
		slog.Error("Fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	slog.Info("Starting clothtagger")

	if err := onnx.Init(cfg.Libonnx); err != nil {
		return err
	}
	defer onnx.Destroy()

	srv := server.New(
		service.NewFetcher(cfg.FetchTimeout.Duration, cfg.MaxImageBytes).WithMaxPixels(cfg.MaxImagePixels),
		server.Options{MaxBatchSize: cfg.MaxBatchSize},
	)

	cls, err := server.Init(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := cls.Close(); err != nil {
			slog.Warn("Failed to release model", slog.String("error", err.Error()))
		}
	}()
	srv.SetClassifier(cls)

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Listening on", slog.String("address", httpServer.Addr), slog.String("device", cls.Device()))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func setupLogger(cfg config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
