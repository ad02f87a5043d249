package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	cli, err := parseFlags([]string{
		"-db", "data.sqlite",
		"-table", "orders",
		"-columns", "id, customer ,total,",
		"-search-columns", "customer",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "customer", "total"}, cli.Columns)
	assert.Equal(t, []string{"customer"}, cli.SearchColumns)
	require.NoError(t, validateFlags(cli))
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name string
		cli  CLIConfig
	}{
		{name: "missing db", cli: CLIConfig{Table: "t", Columns: []string{"id"}}},
		{name: "missing table", cli: CLIConfig{Database: "d", Columns: []string{"id"}}},
		{name: "missing columns", cli: CLIConfig{Database: "d", Table: "t"}},
		{name: "missing config file", cli: CLIConfig{ConfigPath: "/nonexistent.yaml", Database: "d", Table: "t", Columns: []string{"id"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := tt.cli
			assert.Error(t, validateFlags(&cli))
		})
	}
}

func TestLoadConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dashperf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pagination:\n  page_size: 25\n"), 0o600))

	cfg, err := loadConfiguration(&CLIConfig{ConfigPath: path, LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Pagination.PageSize)
	assert.Equal(t, "debug", cfg.Monitoring.Logging.Level)

	_, err = loadConfiguration(&CLIConfig{LogFormat: "xml"})
	assert.Error(t, err)
}

func TestRunValidateOnly(t *testing.T) {
	require.NoError(t, run([]string{"-validate"}))
	require.NoError(t, run([]string{"-version"}))
	assert.Error(t, run([]string{"-table", "orders"}))
}
