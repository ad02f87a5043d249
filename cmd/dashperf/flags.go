package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath    string
	WatchInterval time.Duration
	Database      string
	Table         string
	Columns       []string
	SearchColumns []string
	SortColumn    string
	LogLevel      string
	LogFormat     string
	ShowVersion   bool
	Validate      bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var columns, searchColumns string
	fs.StringVar(&cfg.ConfigPath, "config", getEnv("DASHPERF_CONFIG", ""),
		"Path to YAML configuration file (env: DASHPERF_CONFIG)")
	fs.DurationVar(&cfg.WatchInterval, "watch-interval", time.Second,
		"Poll interval for configuration hot reload")
	fs.StringVar(&cfg.Database, "db", getEnv("DASHPERF_DB", ""),
		"SQLite database file to serve (env: DASHPERF_DB)")
	fs.StringVar(&cfg.Table, "table", getEnv("DASHPERF_TABLE", ""),
		"Table to paginate (env: DASHPERF_TABLE)")
	fs.StringVar(&columns, "columns", getEnv("DASHPERF_COLUMNS", ""),
		"Comma-separated columns to select (env: DASHPERF_COLUMNS)")
	fs.StringVar(&searchColumns, "search-columns", getEnv("DASHPERF_SEARCH_COLUMNS", ""),
		"Comma-separated columns matched by search text")
	fs.StringVar(&cfg.SortColumn, "sort", "", "Default sort column (default: first column)")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level override: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Log format override: json, console")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "%s - dashboard data performance layer\n\nUsage:\n  %s -db data.sqlite -table orders -columns id,customer,total [flags]\n\nFlags:\n", appName, appName)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Columns = splitList(columns)
	cfg.SearchColumns = splitList(searchColumns)
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.Validate {
		return nil
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if cfg.Database == "" {
		return fmt.Errorf("-db is required")
	}
	if cfg.Table == "" {
		return fmt.Errorf("-table is required")
	}
	if len(cfg.Columns) == 0 {
		return fmt.Errorf("-columns is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
