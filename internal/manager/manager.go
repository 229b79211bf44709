// Package manager owns the lifecycle of running bots: an injectable registry
// of live transports plus start/stop/sync operations that keep the registry
// and the persisted bot status in agreement. Polling bots run a long-poll
// loop per bot; webhook bots only register their endpoint and receive events
// through the HTTP surface.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/channel"
	"github.com/passflow/go-bot-backend/internal/domain"
	"github.com/passflow/go-bot-backend/internal/repo"
)

// ErrNotRunning is returned when an operation targets a bot that has no live
// runner in this process.
var ErrNotRunning = errors.New("manager: bot not running")

// UpdateHandler consumes one transport event for a bot. Implemented by the
// conversation engine.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, bot *domain.Bot, ch channel.Channel, upd *channel.Update) error
}

// ChannelFactory builds a transport for a bot token.
type ChannelFactory func(token string) channel.Channel

// runner is one live bot: its transport, its (periodically refreshed) bot
// row, and the cancel handle for its poll loop.
type runner struct {
	ch     channel.Channel
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	bot      *domain.Bot
	loadedAt time.Time
}

// Manager is the bot registry. All state is instance-scoped; two Managers
// never share runners.
type Manager struct {
	DB      *gorm.DB
	Handler UpdateHandler
	Factory ChannelFactory
	Log     zerolog.Logger

	// PublicBaseURL builds per-bot webhook endpoints; empty forces polling
	// regardless of the bot's configured mode.
	PublicBaseURL string

	// PollTimeout is the server-side long-poll hold in seconds.
	PollTimeout int

	// BotRefreshTTL bounds how stale a runner's bot row may get before the
	// next update forces a reload.
	BotRefreshTTL time.Duration

	mu      sync.Mutex
	running map[string]*runner
	ops     map[string]*sync.Mutex
}

// New constructs a Manager.
func New(db *gorm.DB, handler UpdateHandler, factory ChannelFactory, log zerolog.Logger) *Manager {
	return &Manager{
		DB:            db,
		Handler:       handler,
		Factory:       factory,
		Log:           log,
		PollTimeout:   25,
		BotRefreshTTL: 30 * time.Second,
		running:       make(map[string]*runner),
		ops:           make(map[string]*sync.Mutex),
	}
}

// opLock serializes lifecycle transitions for one bot. The registry mutex
// alone cannot cover the stop-validate-register window, because Start does
// transport I/O in the middle of it; without this lock two concurrent Starts
// could both pass the teardown and the later registration would leak the
// earlier runner's goroutine.
func (m *Manager) opLock(botID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.ops[botID]
	if !ok {
		l = &sync.Mutex{}
		m.ops[botID] = l
	}
	return l
}

// Start brings a bot up: validates the token, registers the webhook or spawns
// the poll loop, and persists the active status. Starting a running bot
// restarts it, picking up token or mode changes.
func (m *Manager) Start(ctx context.Context, botID string) error {
	lock := m.opLock(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := repo.GetBot(ctx, m.DB, botID)
	if err != nil {
		return err
	}

	// Restart semantics: tear down any existing runner first.
	m.stopRunner(botID)

	ch := m.Factory(bot.Token)
	if _, err := ch.GetMe(ctx); err != nil {
		if errors.Is(err, channel.ErrUnauthorized) {
			_ = repo.UpdateBotStatus(ctx, m.DB, botID, domain.BotInactive)
			m.botLog(ctx, botID, "error", "start failed: token rejected")
			return fmt.Errorf("manager: start %s: %w", botID, err)
		}
		return fmt.Errorf("manager: start %s: %w", botID, err)
	}

	useWebhook := bot.UseWebhooks && m.PublicBaseURL != ""
	r := &runner{ch: ch, bot: bot, loadedAt: time.Now()}

	if useWebhook {
		url := bot.WebhookURL
		if url == "" {
			url = m.PublicBaseURL + "/webhooks/bot/" + botID
		}
		if err := ch.SetWebhook(ctx, url); err != nil {
			return fmt.Errorf("manager: set webhook for %s: %w", botID, err)
		}
	} else {
		// Long poll conflicts with a registered webhook; clear it first.
		if err := ch.DeleteWebhook(ctx); err != nil {
			m.Log.Warn().Err(err).Str("bot_id", botID).Msg("webhook cleanup before polling failed")
		}
		loopCtx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done = make(chan struct{})
		go m.pollLoop(loopCtx, botID, r)
	}

	m.mu.Lock()
	m.running[botID] = r
	m.mu.Unlock()

	if err := repo.UpdateBotStatus(ctx, m.DB, botID, domain.BotActive); err != nil {
		m.Log.Warn().Err(err).Str("bot_id", botID).Msg("status persist failed")
	}
	mode := "polling"
	if useWebhook {
		mode = "webhook"
	}
	m.botLog(ctx, botID, "success", "bot started (mode: "+mode+")")
	m.Log.Info().Str("bot_id", botID).Str("mode", mode).Msg("bot started")
	return nil
}

// Stop tears a bot down and persists the inactive status. Stopping a bot that
// is not running still persists the status, so a crashed runner can be marked
// inactive from the dashboard.
func (m *Manager) Stop(ctx context.Context, botID string) error {
	lock := m.opLock(botID)
	lock.Lock()
	defer lock.Unlock()

	// Deregister the webhook so the transport stops pushing at us. Another
	// process may have registered it, so when there is no local runner a
	// transient channel is built from the stored token.
	var ch channel.Channel
	if r := m.stopRunner(botID); r != nil {
		ch = r.ch
	} else if bot, err := repo.GetBot(ctx, m.DB, botID); err == nil {
		ch = m.Factory(bot.Token)
	}
	if ch != nil {
		if err := ch.DeleteWebhook(ctx); err != nil {
			m.Log.Debug().Err(err).Str("bot_id", botID).Msg("webhook deregister failed")
		}
	}
	if err := repo.UpdateBotStatus(ctx, m.DB, botID, domain.BotInactive); err != nil {
		return err
	}
	m.botLog(ctx, botID, "info", "bot stopped")
	m.Log.Info().Str("bot_id", botID).Msg("bot stopped")
	return nil
}

// stopRunner removes and cancels a runner, waiting for its loop to exit.
func (m *Manager) stopRunner(botID string) *runner {
	m.mu.Lock()
	r, ok := m.running[botID]
	if ok {
		delete(m.running, botID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return r
}

// Sync reconciles the registry with persisted state after a restart: bots
// stored as active but without a live runner are started. Running bots are
// left alone, so a sync never interrupts in-flight polling. Returns the
// number of bots brought up.
func (m *Manager) Sync(ctx context.Context) (int, error) {
	bots, err := repo.ListActiveBots(ctx, m.DB)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, b := range bots {
		if m.IsRunning(b.ID) {
			continue
		}
		if err := m.Start(ctx, b.ID); err != nil {
			m.Log.Error().Err(err).Str("bot_id", b.ID).Msg("sync start failed")
			continue
		}
		started++
	}
	m.Log.Info().Int("started", started).Int("persisted_active", len(bots)).Msg("registry synced")
	return started, nil
}

// IsRunning reports whether this process holds a live runner for the bot.
func (m *Manager) IsRunning(botID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[botID]
	return ok
}

// Running returns the ids of all live runners.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	return out
}

// Close stops every runner without touching persisted statuses, so the next
// boot's Sync restarts them.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		lock := m.opLock(id)
		lock.Lock()
		m.stopRunner(id)
		lock.Unlock()
	}
}

// ChannelFor returns the transport for a bot, building a transient one from
// the stored token when the bot has no live runner (webhook-mode settlements
// arrive without one). Implements the orchestrator's ChannelResolver.
func (m *Manager) ChannelFor(ctx context.Context, botID string) (channel.Channel, error) {
	m.mu.Lock()
	if r, ok := m.running[botID]; ok {
		m.mu.Unlock()
		return r.ch, nil
	}
	m.mu.Unlock()

	bot, err := repo.GetBot(ctx, m.DB, botID)
	if err != nil {
		return nil, err
	}
	return m.Factory(bot.Token), nil
}

// Dispatch feeds one webhook-delivered update to the engine. The bot must be
// running in webhook mode; events for stopped bots are dropped with
// ErrNotRunning so the HTTP layer can 404.
func (m *Manager) Dispatch(ctx context.Context, botID string, upd *channel.Update) error {
	m.mu.Lock()
	r, ok := m.running[botID]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	bot, err := m.freshBot(ctx, r, botID)
	if err != nil {
		return err
	}
	return m.Handler.HandleUpdate(ctx, bot, r.ch, upd)
}

// freshBot returns the runner's bot row, reloading it when older than the
// refresh TTL so config and allow-list edits take effect within the window.
func (m *Manager) freshBot(ctx context.Context, r *runner, botID string) (*domain.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.loadedAt) < m.BotRefreshTTL {
		return r.bot, nil
	}
	bot, err := repo.GetBot(ctx, m.DB, botID)
	if err != nil {
		return nil, err
	}
	r.bot = bot
	r.loadedAt = time.Now()
	return bot, nil
}

// pollLoop long-polls the transport until cancelled. Transport hiccups back
// off and retry; a rejected token deactivates the bot and exits.
func (m *Manager) pollLoop(ctx context.Context, botID string, r *runner) {
	defer close(r.done)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := r.ch.GetUpdates(ctx, offset, m.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, channel.ErrUnauthorized) {
				m.Log.Error().Str("bot_id", botID).Msg("token rejected mid-poll, deactivating")
				_ = repo.UpdateBotStatus(context.Background(), m.DB, botID, domain.BotInactive)
				m.botLog(context.Background(), botID, "error", "polling stopped: token rejected")
				m.mu.Lock()
				delete(m.running, botID)
				m.mu.Unlock()
				return
			}
			m.Log.Warn().Err(err).Str("bot_id", botID).Msg("poll failed, backing off")
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for i := range updates {
			upd := &updates[i]
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			bot, err := m.freshBot(ctx, r, botID)
			if err != nil {
				m.Log.Warn().Err(err).Str("bot_id", botID).Msg("bot reload failed")
				continue
			}
			if err := m.Handler.HandleUpdate(ctx, bot, r.ch, upd); err != nil {
				m.Log.Error().Err(err).Str("bot_id", botID).Int64("update_id", upd.UpdateID).Msg("update handling failed")
			}
		}
	}
}

func (m *Manager) botLog(ctx context.Context, botID, level, msg string) {
	if err := repo.InsertBotLog(ctx, m.DB, botID, "", "", level, msg); err != nil {
		m.Log.Debug().Err(err).Msg("bot log insert failed")
	}
}
