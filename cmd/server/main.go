package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/garyjia/clinic-workflow/internal/config"
	"github.com/garyjia/clinic-workflow/internal/container"
	httpserver "github.com/garyjia/clinic-workflow/internal/interfaces/http"
	"github.com/garyjia/clinic-workflow/pkg/utils"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	// a missing .env is fine, a malformed one is not
	if err := gotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting consultation workflow service",
		zap.String("store", cfg.Store.Driver),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("lark", cfg.Lark.Enabled()))

	if err := run(cfg, logger); err != nil {
		logger.Error("Service exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("Service exited successfully")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.NewContainer(cfg.ToContainerConfig(), logger)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("Failed to close container", zap.Error(err))
		}
	}()

	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Mode:         cfg.Server.Mode,
	}, c.Orchestrator(), c.Reports(), c, container.NewServiceLogger(logger))

	// blocks until a signal arrives, then shuts the listener down
	return server.Start(ctx)
}
