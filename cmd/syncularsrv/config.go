package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is syncularsrv's layered configuration: flags override environment
// (SYNCULAR_*), which overrides a YAML file, which overrides these defaults
// (§1A "Configuration").
type Config struct {
	Addr        string `yaml:"addr"`
	Dialect     string `yaml:"dialect"` // sqlite | postgres | memory
	SQLitePath  string `yaml:"sqlitePath"`
	PostgresURL string `yaml:"postgresUrl"`
	BlobDir     string `yaml:"blobDir"` // empty = in-memory blob store
	Realtime    bool   `yaml:"realtime"`
	PartitionID string `yaml:"partitionId"` // single-partition demo deployment
}

func defaultConfig() Config {
	return Config{
		Addr:        ":8080",
		Dialect:     "sqlite",
		SQLitePath:  "syncular.db",
		Realtime:    true,
		PartitionID: "default",
	}
}

// loadConfig layers configPath's YAML (if set), SYNCULAR_* environment
// variables, and any flags the caller explicitly set onto defaultConfig.
func loadConfig(flags *pflag.FlagSet, configPath string) (Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	applyEnv(&cfg)
	applyFlags(&cfg, flags)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("SYNCULAR_ADDR"); ok {
		cfg.Addr = v
	}
	if v, ok := os.LookupEnv("SYNCULAR_DIALECT"); ok {
		cfg.Dialect = v
	}
	if v, ok := os.LookupEnv("SYNCULAR_SQLITE_PATH"); ok {
		cfg.SQLitePath = v
	}
	if v, ok := os.LookupEnv("SYNCULAR_POSTGRES_URL"); ok {
		cfg.PostgresURL = v
	}
	if v, ok := os.LookupEnv("SYNCULAR_BLOB_DIR"); ok {
		cfg.BlobDir = v
	}
	if v, ok := os.LookupEnv("SYNCULAR_PARTITION_ID"); ok {
		cfg.PartitionID = v
	}
	if v, ok := os.LookupEnv("SYNCULAR_REALTIME"); ok {
		cfg.Realtime = v != "false" && v != "0"
	}
}

func applyFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("addr") {
		cfg.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("dialect") {
		cfg.Dialect, _ = flags.GetString("dialect")
	}
	if flags.Changed("sqlite-path") {
		cfg.SQLitePath, _ = flags.GetString("sqlite-path")
	}
	if flags.Changed("postgres-url") {
		cfg.PostgresURL, _ = flags.GetString("postgres-url")
	}
	if flags.Changed("blob-dir") {
		cfg.BlobDir, _ = flags.GetString("blob-dir")
	}
	if flags.Changed("partition-id") {
		cfg.PartitionID, _ = flags.GetString("partition-id")
	}
	if flags.Changed("realtime") {
		cfg.Realtime, _ = flags.GetBool("realtime")
	}
}
