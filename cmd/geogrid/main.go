// Package main implements the geogrid service binary: the HTTP API, the
// optional gRPC API and the job coordinator behind them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/arkilian/geogrid/internal/app"
	"github.com/arkilian/geogrid/internal/config"
	"github.com/arkilian/geogrid/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		grpcAddr    string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "geogrid - geohash grid reduction service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: geogrid [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  GEOGRID_DATA_DIR           Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  GEOGRID_HTTP_ADDR          HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  GEOGRID_GRPC_ADDR          gRPC listen address\n")
		fmt.Fprintf(os.Stderr, "  GEOGRID_STORAGE_TYPE       Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  GEOGRID_REDUCE_FAN_IN      Inputs per reduce tree node\n")
		fmt.Fprintf(os.Stderr, "  GEOGRID_REDUCE_STRICT_SIZE Reject inputs with differing sizes\n")
		fmt.Fprintf(os.Stderr, "  GEOGRID_LOG_LEVEL          Log level\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("geogrid version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, httpAddr, grpcAddr, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	logger.WithFields(logrus.Fields{
		"action":  "startup",
		"version": version,
		"commit":  commit,
	}).Info("starting geogrid")

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create application")
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start application")
	}

	if err := application.Wait(ctx); err != nil {
		logger.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, the environment and flags,
// in increasing priority.
func loadConfig(configFile, dataDir, httpAddr, grpcAddr, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}
