package config

import (
	"reflect"
	"sort"
	"strings"

	"queuepush/pkg/logx"
)

// SummarizeChange lists the sections that differ and log-safe attrs for them.
// Tokens and passwords are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.SiteURL != nt.SiteURL ||
		!reflect.DeepEqual(ot.AdminIDs, nt.AdminIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.admin_count", len(nt.AdminIDs)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.redis_password_set", strings.TrimSpace(newCfg.Storage.Redis.Password) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Stream, newCfg.Stream) {
		changed = append(changed, "stream")
		attrs = append(attrs, logx.String("stream.url", newCfg.Stream.URL))
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.Any("queue.thresholds", newCfg.Queue.Thresholds), logx.Int("queue.low_water", newCfg.Queue.LowWaterMark()))
	}
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs, logx.Int("broadcast.workers", newCfg.Broadcast.Workers), logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec))
	}
	if !reflect.DeepEqual(oldCfg.Stats, newCfg.Stats) {
		changed = append(changed, "stats")
	}
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.String("schedule.digest_cron", newCfg.Schedule.DigestCron))
	}
	oo, no := oldCfg.Ops, newCfg.Ops
	if oo.Enabled != no.Enabled || oo.Addr != no.Addr || oo.Token != no.Token || oo.AllowInsecure != no.AllowInsecure || oo.Pprof != no.Pprof {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", no.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that cannot be applied without a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "stream", "stats":
			out = append(out, s)
		}
	}
	return out
}
