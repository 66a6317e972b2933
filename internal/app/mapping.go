package app

import (
	"fmt"
	"strings"
	"time"

	"queuepush/internal/broadcast"
	"queuepush/internal/config"
	"queuepush/internal/frontend"
	"queuepush/internal/ops"
	"queuepush/internal/queue"
	"queuepush/internal/schedule"
	"queuepush/internal/settings"
	"queuepush/internal/stats"
	"queuepush/internal/stream"
	"queuepush/internal/transport/telegram"
	"queuepush/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapTrackerConfig(cfg *config.Config) (queue.Config, error) {
	def, err := settings.ParseCategory(strings.TrimSpace(cfg.Queue.DefaultCategory))
	if err != nil {
		return queue.Config{}, fmt.Errorf("queue.default_category: %w", err)
	}
	modes := make([]queue.Mode, 0, len(cfg.Queue.Modes))
	for i, m := range cfg.Queue.Modes {
		cat, err := settings.ParseCategory(strings.TrimSpace(m.Category))
		if err != nil {
			return queue.Config{}, fmt.Errorf("queue.modes[%d].category: %w", i, err)
		}
		modes = append(modes, queue.Mode{ID: m.ID, Category: cat, Label: m.Label})
	}
	return queue.Config{
		Thresholds:      append([]int(nil), cfg.Queue.Thresholds...),
		LowWater:        cfg.Queue.LowWaterMark(),
		Modes:           modes,
		DefaultCategory: def,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	timeout, err := config.ParseDurationOrDefault("broadcast.send_timeout", cfg.Broadcast.SendTimeout, 15*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Workers:     cfg.Broadcast.Workers,
		RatePerSec:  cfg.Broadcast.RatePerSec,
		SendTimeout: timeout,
		ButtonText:  cfg.Broadcast.ButtonText,
		ButtonURL:   cfg.Telegram.SiteURL,
	}, nil
}

func mapStreamConfig(cfg *config.Config) (stream.Config, error) {
	minB, err := config.ParseDurationOrDefault("stream.min_backoff", cfg.Stream.MinBackoff, time.Second)
	if err != nil {
		return stream.Config{}, err
	}
	maxB, err := config.ParseDurationOrDefault("stream.max_backoff", cfg.Stream.MaxBackoff, 30*time.Second)
	if err != nil {
		return stream.Config{}, err
	}
	dial, err := config.ParseDurationOrDefault("stream.dial_timeout", cfg.Stream.DialTimeout, 10*time.Second)
	if err != nil {
		return stream.Config{}, err
	}
	return stream.Config{
		URL:         cfg.Stream.URL,
		Path:        cfg.Stream.Path,
		Event:       cfg.Stream.Event,
		MinBackoff:  minB,
		MaxBackoff:  maxB,
		DialTimeout: dial,
	}, nil
}

func mapStatsConfig(cfg *config.Config) (stats.Config, error) {
	timeout, err := config.ParseDurationOrDefault("stats.timeout", cfg.Stats.Timeout, 10*time.Second)
	if err != nil {
		return stats.Config{}, err
	}
	return stats.Config{BaseURL: cfg.Stats.BaseURL, Timeout: timeout}, nil
}

func mapFrontendConfig(cfg *config.Config) frontend.Config {
	return frontend.Config{
		AdminIDs: append([]int64(nil), cfg.Telegram.AdminIDs...),
		SiteURL:  cfg.Telegram.SiteURL,
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
	}
}

func mapScheduleConfig(cfg *config.Config) schedule.Config {
	return schedule.Config{Spec: cfg.Schedule.DigestCron, Timezone: cfg.Schedule.Timezone}
}

// validate rejects a reload that one of the components would refuse.
func validate(cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTrackerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStreamConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStatsConfig(cfg); err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Schedule.DigestCron); spec != "" {
		if _, err := schedule.ParseSpec(spec); err != nil {
			return fmt.Errorf("schedule.digest_cron: %w", err)
		}
	}
	return nil
}
