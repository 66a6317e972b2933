package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
// Secrets may be left empty here and supplied through the environment (see env.go).
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Stream    StreamConfig    `json:"stream"`
	Queue     QueueConfig     `json:"queue"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Stats     StatsConfig     `json:"stats"`
	Schedule  ScheduleConfig  `json:"schedule,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminIDs may run the manual broadcast ("го").
	AdminIDs    []int64 `json:"admin_ids"`
	PollTimeout string  `json:"poll_timeout"`
	// SiteURL is attached as a link button to broadcasts and the settings keyboard.
	SiteURL string `json:"site_url"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the settings backend.
//
// Driver values:
//   - "memory": volatile in-process map
//   - "redis": hash-map on a Redis server
//   - "sqlite": single-file SQLite database
type StorageConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis,omitempty"`
	SQLite SQLiteCfg   `json:"sqlite,omitempty"`
}

type RedisConfig struct {
	// URL wins over Host/Port/Password when set (redis:// or rediss://).
	URL         string `json:"url,omitempty"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	Key         string `json:"key,omitempty"` // default "tg_bot:users"
	DialTimeout string `json:"dial_timeout,omitempty"`
}

type SQLiteCfg struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type StreamConfig struct {
	URL         string `json:"url"`
	Path        string `json:"path,omitempty"`  // default "/socket.io/"
	Event       string `json:"event,omitempty"` // default "QUEUE_STATE"
	MinBackoff  string `json:"min_backoff,omitempty"`
	MaxBackoff  string `json:"max_backoff,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

type QueueConfig struct {
	Thresholds      []int        `json:"thresholds,omitempty"`
	// LowWater is a pointer so an explicit 0 (never re-arm) is kept; nil means default 5.
	LowWater        *int         `json:"low_water,omitempty"`
	Capacity        int          `json:"capacity,omitempty"`
	DefaultCategory string       `json:"default_category,omitempty"`
	Modes           []ModeConfig `json:"modes,omitempty"`
}

// LowWaterMark returns the configured low-water mark, 0 when unset.
func (q QueueConfig) LowWaterMark() int {
	if q.LowWater == nil {
		return 0
	}
	return *q.LowWater
}

type ModeConfig struct {
	ID       int    `json:"id"`
	Category string `json:"category"`
	Label    string `json:"label"`
}

type BroadcastConfig struct {
	Workers     int    `json:"workers,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	ButtonText  string `json:"button_text,omitempty"`
}

type StatsConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`
}

// ScheduleConfig runs the manual digest on a cron spec. Empty DigestCron disables it.
type ScheduleConfig struct {
	DigestCron string `json:"digest_cron,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// OpsConfig controls the HTTP server exposing /healthz, /metrics and pprof.
//
// Binding off-loopback requires Token or AllowInsecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
