// Command dashperf serves a SQL table through the dashperf caching,
// pagination and resource layers, exporting statistics over HTTP.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/internal/engine"
	"github.com/dashperf/dashperf/internal/source/sqlsource"
	"github.com/dashperf/dashperf/pkg/utils"
)

// Build information
const (
	Version = "0.1.0"
	appName = "dashperf"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	cfg, err := loadConfiguration(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		fmt.Println("configuration is valid")
		return nil
	}

	logger, level, err := utils.NewAtomicLogger(utils.LogConfig{
		Level:       cfg.Monitoring.Logging.Level,
		Format:      utils.LogFormat(cfg.Monitoring.Logging.Format),
		OutputPaths: cfg.Monitoring.Logging.OutputPaths,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := sql.Open("sqlite3", cli.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(int(cfg.Resources.MaxConnections))

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithLogLevel(level),
		engine.WithSQLSource(db, sqlsource.Config{
			Table:         cli.Table,
			Columns:       cli.Columns,
			SearchColumns: cli.SearchColumns,
			DefaultSort:   cli.SortColumn,
		}),
	}
	if cli.ConfigPath != "" {
		opts = append(opts, engine.WithConfigFile(cli.ConfigPath, cli.WatchInterval))
	}

	e, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}
	return runWithSignalHandling(context.Background(), e, logger)
}

// loadConfiguration applies defaults, then the file, then DASHPERF_*
// environment variables, then flag overrides.
func loadConfiguration(cli *CLIConfig) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if cli.ConfigPath != "" {
		if err := cfg.LoadFromFile(cli.ConfigPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Monitoring.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Monitoring.Logging.Format = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runWithSignalHandling(ctx context.Context, e *engine.Engine, logger *zap.Logger) error {
	signalCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := e.Start(signalCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info("dashperf started", zap.String("version", Version))

	<-signalCtx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), e.Config().Global.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("dashperf shutdown complete")
	return nil
}
