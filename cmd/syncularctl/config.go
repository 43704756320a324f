package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is syncularctl's layered configuration, mirroring syncularsrv's
// flags > environment (SYNCULAR_*) > YAML > defaults order (§1A).
type Config struct {
	ServerURL string `yaml:"serverUrl"`
	UserID    string `yaml:"userId"`
	ClientID  string `yaml:"clientId"`
	StorePath string `yaml:"storePath"`
}

func defaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		StorePath: "syncularctl.db",
	}
}

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
	if v, ok := os.LookupEnv("SYNCULAR_SERVER_URL"); ok {
		cfg.ServerURL = v
	}
	if v, ok := os.LookupEnv("SYNCULAR_USER_ID"); ok {
		cfg.UserID = v
	}
	if v, ok := os.LookupEnv("SYNCULAR_CLIENT_ID"); ok {
		cfg.ClientID = v
	}
	if v, ok := os.LookupEnv("SYNCULAR_STORE_PATH"); ok {
		cfg.StorePath = v
	}
}

func applyFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("server") {
		cfg.ServerURL, _ = flags.GetString("server")
	}
	if flags.Changed("user") {
		cfg.UserID, _ = flags.GetString("user")
	}
	if flags.Changed("client-id") {
		cfg.ClientID, _ = flags.GetString("client-id")
	}
	if flags.Changed("store") {
		cfg.StorePath, _ = flags.GetString("store")
	}
}
