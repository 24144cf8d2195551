package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stormfell/gateway/internal/config"
	"stormfell/gateway/internal/logging"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("invalid configuration", logging.Error(err))
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("configure logging", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	gateway, err := NewGateway(cfg, logger)
	if err != nil {
		logger.Fatal("assemble gateway", logging.Error(err))
	}

	mux := http.NewServeMux()
	gateway.Routes(mux)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	logger.Info("gateway listening",
		logging.String("url", listenerURL(cfg.Address, tlsEnabled)),
		logging.Bool("tls", tlsEnabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if tlsEnabled {
			errCh <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info("shutting down", logging.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listener failed", logging.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("forced shutdown", logging.Error(err))
	}
	if err := gateway.Close(); err != nil {
		logger.Error("flush pending snapshot", logging.Error(err))
	}
}
