// Package stats reads online-player numbers from the game API.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"queuepush/pkg/logx"
)

// ErrUnavailable wraps every failure to obtain a usable response.
var ErrUnavailable = errors.New("stats unavailable")

type Online struct {
	Sessions int `json:"sessions"`
	InGame   int `json:"inGame"`
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		log:     log.With(logx.String("comp", "stats")),
	}
}

// Online fetches GET {base}/v1/stats/online.
func (c *Client) Online(ctx context.Context) (Online, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Online{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/stats/online", nil)
	if err != nil {
		return Online{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("stats request failed", logx.Err(err))
		return Online{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		c.log.Warn("stats request rejected", logx.Int("status", resp.StatusCode))
		return Online{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var o Online
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&o); err != nil {
		return Online{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	c.log.Debug("stats fetched", logx.Int("sessions", o.Sessions), logx.Int("in_game", o.InGame), logx.Duration("took", time.Since(start)))
	return o, nil
}
