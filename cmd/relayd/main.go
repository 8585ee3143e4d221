// Command relayd runs the relay server: a WebSocket fan-out hub with a
// small HTTP API in front of it.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wirebound/relay/internal/config"
	"github.com/wirebound/relay/internal/observability"
	"github.com/wirebound/relay/internal/relay"
	"github.com/wirebound/relay/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("relayd", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	_ = fs.Parse(args)

	// Local .env files override nothing, they only seed the environment
	// before viper reads it. Missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("relayd starting",
		zap.String("listen", cfg.Listen),
		zap.Int64("max_message_size", cfg.MaxMessageSize))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promReg)

	engine := relay.NewEngine(metrics, logger, relay.Options{
		MaxMessageSize:          cfg.MaxMessageSize,
		WriteTimeout:            cfg.WriteTimeout,
		RateLimitBurst:          cfg.RateLimit.Burst,
		RateLimitRefillInterval: cfg.RateLimit.RefillInterval,
	})

	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
	srv := server.New(cfg, engine, metricsHandler, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited with error", zap.Error(err))
		return 1
	}

	logger.Info("relayd stopped")
	return 0
}
