package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"moneymarket/observability/logging"
	telemetry "moneymarket/observability/otel"
	"moneymarket/services/lendingd/config"
)

const serviceName = "lendingd"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MM_ENV"))
	logger := logging.Setup(serviceName, env)
	shutdownTelemetry, err := setupTelemetry(env)
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("start lendingd: %v", err)
	}
	defer a.close()

	listener, err := listen(cfg, env)
	if err != nil {
		log.Fatalf("%v", err)
	}

	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLS.Enabled() {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	go a.runTicker(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", cfg.ListenAddress, "tls", cfg.TLS.Enabled())
		if cfg.TLS.Enabled() {
			serverErr <- server.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = server.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve http", "error", err)
		}
	}
}

// setupTelemetry exports traces and metrics when OTEL_EXPORTER_OTLP_ENDPOINT
// is set. Propagation is always installed.
func setupTelemetry(env string) (telemetry.ShutdownFunc, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	return telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     endpoint != "",
		Traces:      endpoint != "",
	})
}

// listen binds the gateway address. Plaintext is only allowed on loopback or
// in the dev environment.
func listen(cfg config.Config, env string) (net.Listener, error) {
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if cfg.TLS.Enabled() || strings.EqualFold(env, "dev") {
		return listener, nil
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok && tcpAddr.IP.IsLoopback() {
		return listener, nil
	}
	_ = listener.Close()
	return nil, fmt.Errorf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
}
