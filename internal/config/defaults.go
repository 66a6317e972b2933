package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"

	DefaultSiteURL   = "https://dotaclassic.ru"
	DefaultStreamURL = "https://api.dotaclassic.ru"
	DefaultStatsURL  = "https://api.dotaclassic.ru"
	DefaultRedisKey  = "tg_bot:users"
)

// ErrNoToken is returned when neither the file nor TG_KEY supply a bot token.
var ErrNoToken = errors.New("telegram token is required (telegram.token or TG_KEY)")

// ApplyDefaults fills zero values. It never overrides what the file or environment set.
func ApplyDefaults(cfg *Config) {
	t := &cfg.Telegram
	if t.AdminIDs == nil {
		t.AdminIDs = []int64{389569299, 366409812}
	}
	if strings.TrimSpace(t.PollTimeout) == "" {
		t.PollTimeout = "10s"
	}
	if strings.TrimSpace(t.SiteURL) == "" {
		t.SiteURL = DefaultSiteURL
	}

	l := &cfg.Logging
	if strings.TrimSpace(l.Level) == "" {
		l.Level = "info"
	}
	if !l.Console && !l.File.Enabled {
		l.Console = true
	}

	s := &cfg.Storage
	if strings.TrimSpace(s.Driver) == "" {
		s.Driver = DriverRedis
	}
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Redis.URL == "" && s.Redis.Host == "" {
		s.Redis.Host = "localhost"
	}
	if s.Redis.Port == 0 {
		s.Redis.Port = 6379
	}
	if s.Redis.Key == "" {
		s.Redis.Key = DefaultRedisKey
	}
	if s.SQLite.Path == "" {
		s.SQLite.Path = "./data/queuepush.db"
	}

	st := &cfg.Stream
	if st.URL == "" {
		st.URL = DefaultStreamURL
	}
	if st.Path == "" {
		st.Path = "/socket.io/"
	}
	if st.Event == "" {
		st.Event = "QUEUE_STATE"
	}
	if st.MinBackoff == "" {
		st.MinBackoff = "1s"
	}
	if st.MaxBackoff == "" {
		st.MaxBackoff = "30s"
	}

	q := &cfg.Queue
	if len(q.Thresholds) == 0 {
		q.Thresholds = []int{8, 9}
	}
	if q.LowWater == nil {
		lw := 5
		q.LowWater = &lw
	}
	if q.Capacity == 0 {
		q.Capacity = 10
	}
	if q.DefaultCategory == "" {
		q.DefaultCategory = "highroom"
	}
	if len(q.Modes) == 0 {
		q.Modes = []ModeConfig{
			{ID: 1, Category: "normal", Label: "Обычная 5х5"},
			{ID: 8, Category: "highroom", Label: "Highroom 5x5"},
		}
	}

	b := &cfg.Broadcast
	if b.Workers <= 0 {
		b.Workers = 8
	}
	if b.RatePerSec <= 0 {
		b.RatePerSec = 25
	}
	if b.SendTimeout == "" {
		b.SendTimeout = "15s"
	}
	if b.ButtonText == "" {
		b.ButtonText = "🔗 Залететь в поиск"
	}

	if cfg.Stats.BaseURL == "" {
		cfg.Stats.BaseURL = DefaultStatsURL
	}
	if cfg.Stats.Timeout == "" {
		cfg.Stats.Timeout = "10s"
	}

	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = "127.0.0.1:9090"
	}
}

// RequireToken fails when no bot token was configured. Commands that never
// talk to Telegram skip it.
func RequireToken(cfg *Config) error {
	if cfg == nil || strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrNoToken
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a component.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, a ...any) { errs = append(errs, fmt.Errorf(format, a...)) }

	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.redis.dial_timeout", cfg.Storage.Redis.DialTimeout},
		{"storage.sqlite.busy_timeout", cfg.Storage.SQLite.BusyTimeout},
		{"stream.min_backoff", cfg.Stream.MinBackoff},
		{"stream.max_backoff", cfg.Stream.MaxBackoff},
		{"stream.dial_timeout", cfg.Stream.DialTimeout},
		{"broadcast.send_timeout", cfg.Broadcast.SendTimeout},
		{"stats.timeout", cfg.Stats.Timeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch cfg.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverRedis:
		if u := cfg.Storage.Redis.URL; u != "" && !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
			add("storage.redis.url: want redis:// or rediss://, got %q", u)
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	for _, p := range []struct{ path, raw string }{
		{"stream.url", cfg.Stream.URL},
		{"stats.base_url", cfg.Stats.BaseURL},
		{"telegram.site_url", cfg.Telegram.SiteURL},
	} {
		u, err := url.Parse(p.raw)
		if err != nil || u.Host == "" {
			add("%s: invalid url %q", p.path, p.raw)
			continue
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			add("%s: unsupported scheme %q", p.path, u.Scheme)
		}
	}

	q := cfg.Queue
	th := append([]int(nil), q.Thresholds...)
	sort.Ints(th)
	for i, v := range th {
		if v <= 0 {
			add("queue.thresholds: values must be > 0")
			break
		}
		if i > 0 && th[i-1] == v {
			add("queue.thresholds: duplicate value %d", v)
		}
	}
	lw := q.LowWaterMark()
	if lw < 0 {
		add("queue.low_water: must be >= 0")
	}
	if len(th) > 0 && lw > th[0] {
		add("queue.low_water: %d is above the lowest threshold %d", lw, th[0])
	}
	seen := map[int]bool{}
	for _, m := range q.Modes {
		if seen[m.ID] {
			add("queue.modes: duplicate mode %d", m.ID)
		}
		seen[m.ID] = true
		if !validCategory(m.Category) {
			add("queue.modes[%d].category: unknown category %q", m.ID, m.Category)
		}
	}
	if !validCategory(q.DefaultCategory) {
		add("queue.default_category: unknown category %q", q.DefaultCategory)
	}

	if cfg.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
			add("schedule.timezone: %v", err)
		}
	}

	return errors.Join(errs...)
}

// validCategory mirrors settings categories; broadcasts triggered by the
// tracker never use "manual".
func validCategory(c string) bool {
	return c == "normal" || c == "highroom"
}
