// Package frontend is the chat-facing side of queuepush: the settings
// keyboard, preference toggles and the admin-only manual broadcast.
package frontend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"queuepush/internal/broadcast"
	"queuepush/internal/runtime/supervisor"
	"queuepush/internal/settings"
	"queuepush/internal/transport"
	"queuepush/pkg/logx"
)

const (
	routeStart    = "start"
	routeSettings = "notifications"
	routeToggle   = "toggle"
	routeTrigger  = "manual"

	togglePrefix = "toggle_"

	textSettings   = "⚙️ *Настройки уведомлений*\nВыбери, какие уведомления хочешь получать:"
	textSaved      = "Настройка сохранена"
	textTriggerOK  = "✅ Рассылка выполнена."
	textTriggerErr = "Ошибка API."
	textSiteButton = "🔗 На сайт"

	replyTimeout = 15 * time.Second
)

type Store interface {
	GetOrCreate(ctx context.Context, id, displayName string) (settings.Recipient, error)
	Toggle(ctx context.Context, id string, c settings.Category) (settings.Recipient, bool, error)
}

type Trigger interface {
	Run(ctx context.Context, invoker string) (broadcast.Outcome, error)
}

type Config struct {
	AdminIDs       []int64
	SiteURL        string
	Workers        int
	HandlerTimeout time.Duration
}

type Frontend struct {
	adapter transport.Adapter
	store   Store
	trigger Trigger
	log     logx.Logger

	mu      sync.RWMutex
	admins  map[int64]struct{}
	siteURL string
	workers int
	timeout time.Duration

	handle HandlerFunc
}

func New(cfg Config, adapter transport.Adapter, store Store, trigger Trigger, log logx.Logger) *Frontend {
	f := &Frontend{
		adapter: adapter,
		store:   store,
		trigger: trigger,
		log:     log.With(logx.String("comp", "frontend")),
	}
	f.Apply(cfg)
	f.handle = Chain(f.route,
		WithRecover(f.log),
		WithRequestLog(f.log),
		WithTimeout(f.handlerTimeout),
	)
	return f
}

// Apply swaps the admin allow-list, site link and handler timeout. Worker
// count only takes effect on the next Run.
func (f *Frontend) Apply(cfg Config) {
	admins := make(map[int64]struct{}, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = struct{}{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 2 * time.Minute
	}
	f.mu.Lock()
	f.admins = admins
	f.siteURL = cfg.SiteURL
	f.workers = cfg.Workers
	f.timeout = cfg.HandlerTimeout
	f.mu.Unlock()
}

func (f *Frontend) isAdmin(id int64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.admins[id]
	return ok
}

func (f *Frontend) handlerTimeout() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.timeout
}

func (f *Frontend) site() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.siteURL
}

// Commands is the menu published to Telegram.
func (f *Frontend) Commands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: routeStart, Description: "Начать работу с ботом"},
		{Command: routeSettings, Description: "Настройки уведомлений"},
	}
}

// Run consumes updates with a small worker pool until ctx ends or updates closes.
func (f *Frontend) Run(ctx context.Context, updates <-chan transport.Update) error {
	f.mu.RLock()
	workers := f.workers
	f.mu.RUnlock()

	sup := supervisor.New(ctx, supervisor.WithLogger(f.log), supervisor.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		sup.Go0("frontend.worker."+strconv.Itoa(i), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case up, ok := <-updates:
					if !ok {
						return
					}
					_ = f.Handle(c, up)
				}
			}
		})
	}
	f.log.Info("dispatcher started", logx.Int("workers", workers))
	<-ctx.Done()
	return sup.Stop(context.Background())
}

// Handle routes a single update. Unknown input is ignored.
func (f *Frontend) Handle(ctx context.Context, up transport.Update) error {
	req := f.parse(up)
	if req == nil {
		return nil
	}
	return f.handle(ctx, req)
}

func (f *Frontend) parse(up transport.Update) *Request {
	switch {
	case up.Kind == transport.UpdateMessage && up.Message != nil:
		m := up.Message
		req := &Request{Update: up, ChatID: m.ChatID, FromID: m.FromID}
		text := strings.ToLower(strings.TrimSpace(m.Text))
		switch {
		case text == "го" || text == "/го":
			req.Route = routeTrigger
		case strings.HasPrefix(text, "/"):
			cmd, _, _ := strings.Cut(text[1:], " ")
			cmd, _, _ = strings.Cut(cmd, "@")
			if cmd != routeStart && cmd != routeSettings {
				return nil
			}
			req.Route = cmd
		default:
			return nil
		}
		return req
	case up.Kind == transport.UpdateCallback && up.Callback != nil:
		cb := up.Callback
		if !strings.HasPrefix(cb.Data, togglePrefix) {
			return nil
		}
		return &Request{
			Update:  up,
			ChatID:  cb.ChatID,
			FromID:  cb.FromID,
			Route:   routeToggle,
			Payload: strings.TrimPrefix(cb.Data, togglePrefix),
		}
	}
	return nil
}

func (f *Frontend) route(ctx context.Context, req *Request) error {
	switch req.Route {
	case routeStart, routeSettings:
		return f.onStart(ctx, req)
	case routeToggle:
		return f.onToggle(ctx, req)
	case routeTrigger:
		return f.onManualTrigger(ctx, req)
	}
	return nil
}

func (f *Frontend) onStart(ctx context.Context, req *Request) error {
	name := req.Update.Message.FromUsername
	r, err := f.store.GetOrCreate(ctx, chatKey(req.ChatID), name)
	if err != nil {
		return fmt.Errorf("get or create %d: %w", req.ChatID, err)
	}
	_, err = f.adapter.SendText(ctx, transport.ChatTarget{ChatID: req.ChatID}, textSettings, &transport.SendOptions{
		ParseMode: transport.ParseMarkdown,
		Keyboard:  Keyboard(r.Settings(), f.site()),
	})
	return err
}

func (f *Frontend) onToggle(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	cat, err := settings.ParseCategory(req.Payload)
	if err != nil {
		_ = f.adapter.AnswerCallback(ctx, cb.ID, "")
		return err
	}
	r, ok, err := f.store.Toggle(ctx, chatKey(req.ChatID), cat)
	if err != nil {
		return fmt.Errorf("toggle %s for %d: %w", cat, req.ChatID, err)
	}
	if !ok {
		f.log.Debug("toggle for unknown recipient", logx.Int64("chat_id", req.ChatID))
		return f.adapter.AnswerCallback(ctx, cb.ID, "")
	}
	ref := transport.MessageRef{ChatID: req.ChatID, MessageID: cb.MessageID}
	if err := f.adapter.EditText(ctx, ref, "", &transport.SendOptions{Keyboard: Keyboard(r.Settings(), f.site())}); err != nil {
		f.log.Warn("keyboard refresh failed", logx.Int64("chat_id", req.ChatID), logx.Err(err))
	}
	return f.adapter.AnswerCallback(ctx, cb.ID, textSaved)
}

func (f *Frontend) onManualTrigger(ctx context.Context, req *Request) error {
	if !f.isAdmin(req.FromID) {
		f.log.Debug("manual trigger ignored", logx.Int64("from_id", req.FromID))
		return nil
	}
	to := transport.ChatTarget{ChatID: req.ChatID}
	out, err := f.trigger.Run(ctx, strconv.FormatInt(req.FromID, 10))

	// The fan-out may outlive the handler deadline; the reply must not.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err != nil {
		_, _ = f.adapter.SendText(rctx, to, textTriggerErr, nil)
		return err
	}
	f.log.Info("manual broadcast done", logx.Int64("from_id", req.FromID), logx.Int("sent", out.Sent), logx.Int("failed", out.Failed))
	_, err = f.adapter.SendText(rctx, to, textTriggerOK, nil)
	return err
}

func chatKey(id int64) string { return strconv.FormatInt(id, 10) }

// Keyboard renders the preference toggles plus a link to the site.
func Keyboard(p settings.Preferences, siteURL string) transport.Keyboard {
	mark := func(on bool) string {
		if on {
			return "✅"
		}
		return "❌"
	}
	kb := transport.Keyboard{
		{{Text: mark(p.Normal) + " Обычная 5х5 (Авто)", Data: togglePrefix + string(settings.Normal)}},
		{{Text: mark(p.Highroom) + " Highroom 5х5 (Авто)", Data: togglePrefix + string(settings.Highroom)}},
		{{Text: mark(p.Manual) + " Рассылки админа (ГО)", Data: togglePrefix + string(settings.Manual)}},
	}
	if siteURL != "" {
		kb = append(kb, []transport.Button{{Text: textSiteButton, URL: siteURL}})
	}
	return kb
}
