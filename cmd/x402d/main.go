// Command x402d runs an x402 facilitator: it verifies payment headers and
// settles them on the networks listed in its configuration.
//
// Endpoints:
//
//	GET  /healthz     liveness
//	GET  /supported   (scheme, network) kinds this instance settles
//	GET  /metrics     Prometheus metrics
//	POST /verify      verify a payment header against requirements
//	POST /settle      verify, then settle on chain
//
// Configuration is read from the JSON file given by -config and overlaid from
// X402_* environment variables.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	x402 "github.com/nova402/x402"
	"github.com/nova402/x402/facilitator"
	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/metrics"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

const defaultAddr = ":8402"

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	addr := flag.String("addr", "", "listen address (overrides config server.addr)")
	flag.Parse()

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "x402d: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string) error {
	cfg, err := utils.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultAddr
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	if z, ok := log.(*logger.ZapLogger); ok {
		defer z.Sync()
	}

	handler, closeFn, err := newHandler(cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer closeFn()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("facilitator listening", map[string]any{"addr": cfg.Server.Addr, "auth": cfg.Server.JWTSecret != ""})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newHandler wires the facade, metrics registry and facilitator routes.
func newHandler(cfg *types.X402Config, log logger.Logger, reg *prometheus.Registry) (http.Handler, func() error, error) {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.NewPrometheusRecorder(reg)
	if err != nil {
		return nil, nil, err
	}

	x, err := x402.New(cfg, x402.WithLogger(log), x402.WithMetrics(rec))
	if err != nil {
		return nil, nil, err
	}

	opts := []facilitator.HandlerOption{
		facilitator.WithHandlerLogger(log),
		facilitator.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	if cfg.Server.JWTSecret != "" {
		opts = append(opts, facilitator.WithJWTSecret(cfg.Server.JWTSecret))
	}
	return facilitator.NewHandler(x, opts...), x.Close, nil
}
