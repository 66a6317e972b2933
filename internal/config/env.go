package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Env carries deployment overrides, using the variable names already set in production.
type Env struct {
	TelegramToken  string `env:"TG_KEY"`
	RedisURL       string `env:"REDIS_URL"`
	RedisHost      string `env:"REDIS_HOST"`
	RedisPort      int    `env:"REDIS_PORT"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	UseMemoryStore bool   `env:"USE_MEMORY_STORAGE"`
	LogLevel       string `env:"LOG_LEVEL"`
	StatsBaseURL   string `env:"STATS_BASE_URL"`
	StreamURL      string `env:"STREAM_URL"`
}

// LoadEnv parses the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// ApplyEnv overlays non-empty environment values on cfg.
func ApplyEnv(cfg *Config, e Env) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(e.TelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(e.RedisURL); v != "" {
		cfg.Storage.Redis.URL = v
	}
	if v := strings.TrimSpace(e.RedisHost); v != "" {
		cfg.Storage.Redis.Host = v
	}
	if e.RedisPort > 0 {
		cfg.Storage.Redis.Port = e.RedisPort
	}
	if e.RedisPassword != "" {
		cfg.Storage.Redis.Password = e.RedisPassword
	}
	if e.UseMemoryStore {
		cfg.Storage.Driver = "memory"
	}
	if v := strings.TrimSpace(e.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(e.StatsBaseURL); v != "" {
		cfg.Stats.BaseURL = v
	}
	if v := strings.TrimSpace(e.StreamURL); v != "" {
		cfg.Stream.URL = v
	}
}
