package settings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"queuepush/pkg/logx"
)

type RedisConfig struct {
	URL         string
	Host        string
	Port        int
	Password    string
	DB          int
	Key         string
	DialTimeout time.Duration
}

// Redis keeps every recipient as one field of a single hash.
type Redis struct {
	client redis.UniversalClient
	key    string
	log    logx.Logger
	owned  bool
}

// OpenRedis connects and pings once. URL takes precedence over Host/Port.
func OpenRedis(ctx context.Context, cfg RedisConfig, log logx.Logger) (*Redis, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		o, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = o
	} else {
		opts = &redis.Options{
			Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	r := NewRedis(client, cfg.Key, log)
	r.owned = true

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	r.log.Info("redis connected", logx.String("addr", opts.Addr), logx.String("key", r.key))
	return r, nil
}

// NewRedis wraps an existing client. Close leaves a borrowed client open.
func NewRedis(client redis.UniversalClient, key string, log logx.Logger) *Redis {
	if key == "" {
		key = "tg_bot:users"
	}
	return &Redis{client: client, key: key, log: log.With(logx.String("comp", "settings.redis"))}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (Recipient, bool, error) {
	raw, err := r.client.HGet(ctx, r.key, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Recipient{}, false, nil
	}
	if err != nil {
		return Recipient{}, false, fmt.Errorf("redis hget %s: %w", id, err)
	}
	rec, err := decodeRecipient(id, raw)
	if err != nil {
		r.log.Warn("skipping malformed record", logx.String("id", id), logx.Err(err))
		return Recipient{}, false, nil
	}
	return rec, true, nil
}

func (r *Redis) Put(ctx context.Context, rec Recipient) error {
	b, err := encodeRecipient(rec)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key, rec.ID, b).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Redis) All(ctx context.Context) ([]Recipient, error) {
	m, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make([]Recipient, 0, len(m))
	for id, raw := range m {
		rec, err := decodeRecipient(id, []byte(raw))
		if err != nil {
			r.log.Warn("skipping malformed record", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
