package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all runloom configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	RunTimeoutSec   int    `json:"run_timeout_sec"`
	TaskGenWindowH  int    `json:"taskgen_window_hours"`
	VaultPassphrase string `json:"-"` // env only, never persisted
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(runloomDir(), "runloom.db"),
		LogLevel:       "info",
		PoolSize:       5,
		TaskGenWindowH: 24,
	}
}

func runloomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runloom"
	}
	return filepath.Join(home, ".runloom")
}

func settingsPath() string {
	return filepath.Join(runloomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RUNLOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RUNLOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNLOOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("RUNLOOM_RUN_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunTimeoutSec = n
		}
	}
	if v := os.Getenv("RUNLOOM_TASKGEN_WINDOW_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskGenWindowH = n
		}
	}
	cfg.VaultPassphrase = os.Getenv("RUNLOOM_VAULT_PASSPHRASE")

	return cfg
}
