// Package trigger runs the on-demand "come play" digest.
package trigger

import (
	"context"
	"fmt"
	"strings"

	"queuepush/internal/broadcast"
	"queuepush/internal/queue"
	"queuepush/internal/settings"
	"queuepush/internal/stats"
	"queuepush/pkg/logx"
)

type StatsSource interface {
	Online(ctx context.Context) (stats.Online, error)
}

type Counts interface {
	Counts() []queue.ModeCount
}

type Broadcaster interface {
	Broadcast(ctx context.Context, cat settings.Category, text string) (broadcast.Outcome, error)
}

type Trigger struct {
	stats  StatsSource
	counts Counts
	bc     Broadcaster
	log    logx.Logger
}

func New(s StatsSource, c Counts, b Broadcaster, log logx.Logger) *Trigger {
	return &Trigger{stats: s, counts: c, bc: b, log: log.With(logx.String("comp", "trigger"))}
}

// Run fetches online stats and broadcasts the digest to the manual category.
// Nothing is sent when the stats source fails. ctx bounds only the stats
// fetch: the fan-out ignores its deadline and ends with the engine's Close.
func (t *Trigger) Run(ctx context.Context, invoker string) (broadcast.Outcome, error) {
	online, err := t.stats.Online(ctx)
	if err != nil {
		t.log.Warn("manual broadcast aborted", logx.String("invoker", invoker), logx.Err(err))
		return broadcast.Outcome{Category: settings.Manual}, err
	}
	text := Digest(online, t.counts.Counts())
	t.log.Info("manual broadcast", logx.String("invoker", invoker), logx.Int("in_game", online.InGame))
	return t.bc.Broadcast(context.WithoutCancel(ctx), settings.Manual, text)
}

// Digest renders the manual broadcast text.
func Digest(o stats.Online, counts []queue.ModeCount) string {
	var b strings.Builder
	b.WriteString("🚀 *DotaClassic: Пора заходить!*\n")
	fmt.Fprintf(&b, "👤 Играет: %d\n", o.InGame)
	for _, c := range counts {
		if !c.Configured {
			continue
		}
		switch c.Category {
		case settings.Normal:
			fmt.Fprintf(&b, "⚔️ Обычная: %d\n", c.Count)
		default:
			fmt.Fprintf(&b, "🏆 %s: %d\n", c.Label, c.Count)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ThresholdText renders the automatic alert for d.
func ThresholdText(d queue.Decision, capacity int) string {
	if capacity <= 0 {
		capacity = 10
	}
	return fmt.Sprintf("🔥 *Почти собрались!* \nВ поиске (%s) уже *%d/%d* игроков.", d.Label, d.Count, capacity)
}
