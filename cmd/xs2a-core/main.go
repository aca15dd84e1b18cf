package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qazna.org/xs2a/internal/app"
	"qazna.org/xs2a/internal/config"
	"qazna.org/xs2a/internal/httpapi"
	"qazna.org/xs2a/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("xs2a-core stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.SetLogger(obs.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat))
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	core, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			log.Warn("close core", "error", err)
		}
	}()

	api := httpapi.New(core.ReadyProbe(), version, core.Bus)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.Chain(api.Handler(), cfg.HTTPBurst, cfg.HTTPRate),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting xs2a-core", "version", version, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
