package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/passflow/go-bot-backend/internal/channel"
	"github.com/passflow/go-bot-backend/internal/domain"
	"github.com/passflow/go-bot-backend/internal/repo"
)

// fakeChannel is an in-memory transport. GetUpdates blocks on a channel so
// the poll loop behaves like a real long poll.
type fakeChannel struct {
	mu           sync.Mutex
	token        string
	unauthorized bool
	webhookURL   string
	webhookDels  int
	updates      chan []channel.Update
	getUpdates   []int64 // offsets seen
	pollers      int32   // loops currently blocked in GetUpdates
}

func newFakeChannel(token string) *fakeChannel {
	return &fakeChannel{token: token, updates: make(chan []channel.Update, 8)}
}

func (f *fakeChannel) SendText(ctx context.Context, chatID int64, text string, opts *channel.SendOptions) (int64, error) {
	return 1, nil
}

func (f *fakeChannel) SendPhoto(ctx context.Context, chatID int64, photo channel.Photo, caption string, opts *channel.SendOptions) (int64, error) {
	return 1, nil
}

func (f *fakeChannel) EditText(ctx context.Context, chatID, messageID int64, text string, opts *channel.SendOptions) error {
	return nil
}

func (f *fakeChannel) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return nil
}

func (f *fakeChannel) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (f *fakeChannel) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]channel.Update, error) {
	f.mu.Lock()
	if f.unauthorized {
		f.mu.Unlock()
		return nil, channel.ErrUnauthorized
	}
	f.getUpdates = append(f.getUpdates, offset)
	f.mu.Unlock()
	atomic.AddInt32(&f.pollers, 1)
	defer atomic.AddInt32(&f.pollers, -1)
	select {
	case batch := <-f.updates:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChannel) SetWebhook(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookURL = url
	return nil
}

func (f *fakeChannel) DeleteWebhook(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookDels++
	return nil
}

func (f *fakeChannel) GetMe(ctx context.Context) (*channel.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unauthorized {
		return nil, channel.ErrUnauthorized
	}
	return &channel.User{ID: 42, IsBot: true, FirstName: "fake"}, nil
}

func (f *fakeChannel) offsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.getUpdates))
	copy(out, f.getUpdates)
	return out
}

// fakeHandler records dispatched updates.
type fakeHandler struct {
	mu      sync.Mutex
	handled []int64
}

func (h *fakeHandler) HandleUpdate(ctx context.Context, bot *domain.Bot, ch channel.Channel, upd *channel.Update) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, upd.UpdateID)
	return nil
}

func (h *fakeHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func newManagerDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close() // release the file handle before TempDir cleanup on Windows
		}
	})
	return db
}

func seedBot(t *testing.T, db *gorm.DB, id, status string, webhooks bool) {
	t.Helper()
	b := &domain.Bot{ID: id, Name: "bot-" + id, Token: "tok-" + id, Type: "pass", Status: status, UseWebhooks: webhooks}
	if err := db.Create(b).Error; err != nil {
		t.Fatalf("seed bot: %v", err)
	}
}

type fixture struct {
	m        *Manager
	handler  *fakeHandler
	channels map[string]*fakeChannel
	mu       sync.Mutex
}

func newFixture(t *testing.T, db *gorm.DB) *fixture {
	t.Helper()
	f := &fixture{handler: &fakeHandler{}, channels: make(map[string]*fakeChannel)}
	factory := func(token string) channel.Channel {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ch, ok := f.channels[token]; ok {
			return ch
		}
		ch := newFakeChannel(token)
		f.channels[token] = ch
		return ch
	}
	f.m = New(db, f.handler, factory, zerolog.Nop())
	f.m.PublicBaseURL = "https://pay.example.com"
	t.Cleanup(f.m.Close)
	return f
}

func (f *fixture) channelFor(token string) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[token]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStart_PollingBot(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "b1", domain.BotInactive, false)
	f := newFixture(t, db)

	if err := f.m.Start(context.Background(), "b1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.m.IsRunning("b1") {
		t.Fatal("bot must be registered")
	}

	bot, err := repo.GetBot(context.Background(), db, "b1")
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if bot.Status != domain.BotActive {
		t.Fatalf("status = %s, want active", bot.Status)
	}

	ch := f.channelFor("tok-b1")
	if ch == nil {
		t.Fatal("no channel built")
	}
	// Polling mode clears any stale webhook before the first poll.
	waitFor(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.webhookDels >= 1
	})
}

func TestPollLoop_DispatchesAndAdvancesOffset(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "b1", domain.BotInactive, false)
	f := newFixture(t, db)

	if err := f.m.Start(context.Background(), "b1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch := f.channelFor("tok-b1")

	ch.updates <- []channel.Update{{UpdateID: 10}, {UpdateID: 11}}
	waitFor(t, func() bool { return f.handler.count() == 2 })

	// After the first batch the loop asks for 12; after consuming update 12
	// it asks for 13. The loop may already be parked on the next poll by the
	// time the handler count settles, so membership is asserted, not order.
	ch.updates <- []channel.Update{{UpdateID: 12}}
	waitFor(t, func() bool { return f.handler.count() == 3 })
	sawOffset := func(want int64) func() bool {
		return func() bool {
			for _, o := range ch.offsets() {
				if o == want {
					return true
				}
			}
			return false
		}
	}
	waitFor(t, sawOffset(12))
	waitFor(t, sawOffset(13))
}

func TestStart_WebhookBotRegistersEndpoint(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "wh1", domain.BotInactive, true)
	f := newFixture(t, db)

	if err := f.m.Start(context.Background(), "wh1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch := f.channelFor("tok-wh1")
	ch.mu.Lock()
	url := ch.webhookURL
	ch.mu.Unlock()
	if url != "https://pay.example.com/webhooks/bot/wh1" {
		t.Fatalf("webhook url = %q", url)
	}
	if len(ch.offsets()) != 0 {
		t.Fatal("webhook bot must not poll")
	}
}

func TestStart_RejectedTokenDeactivates(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "bad", domain.BotActive, false)
	f := newFixture(t, db)

	// Pre-build the channel so the factory hands out the poisoned one.
	ch := newFakeChannel("tok-bad")
	ch.unauthorized = true
	f.channels["tok-bad"] = ch

	err := f.m.Start(context.Background(), "bad")
	if err == nil {
		t.Fatal("expected error")
	}
	if f.m.IsRunning("bad") {
		t.Fatal("rejected bot must not be registered")
	}
	bot, _ := repo.GetBot(context.Background(), db, "bad")
	if bot.Status != domain.BotInactive {
		t.Fatalf("status = %s, want inactive", bot.Status)
	}
}

func TestStop_TearsDownAndPersists(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "b1", domain.BotInactive, false)
	f := newFixture(t, db)

	if err := f.m.Start(context.Background(), "b1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.m.Stop(context.Background(), "b1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.m.IsRunning("b1") {
		t.Fatal("bot must be deregistered")
	}
	bot, _ := repo.GetBot(context.Background(), db, "b1")
	if bot.Status != domain.BotInactive {
		t.Fatalf("status = %s, want inactive", bot.Status)
	}
}

func TestStop_NotRunningStillPersistsStatus(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "ghost", domain.BotActive, false)
	f := newFixture(t, db)

	if err := f.m.Stop(context.Background(), "ghost"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	bot, _ := repo.GetBot(context.Background(), db, "ghost")
	if bot.Status != domain.BotInactive {
		t.Fatalf("status = %s, want inactive", bot.Status)
	}

	// Another process may have registered the webhook; the clear must go out
	// even with no local runner, via a channel built from the stored token.
	ch := f.channelFor("tok-ghost")
	if ch == nil {
		t.Fatal("stop must build a channel from the stored token")
	}
	ch.mu.Lock()
	dels := ch.webhookDels
	ch.mu.Unlock()
	if dels != 1 {
		t.Fatalf("webhook deletes = %d, want 1", dels)
	}
}

func TestSync_SkipsAlreadyRunningBots(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "a", domain.BotActive, false)
	seedBot(t, db, "b", domain.BotActive, false)
	f := newFixture(t, db)

	if err := f.m.Start(context.Background(), "a"); err != nil {
		t.Fatalf("start: %v", err)
	}

	started, err := f.m.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if started != 1 {
		t.Fatalf("started = %d, want 1 (only the bot without a runner)", started)
	}
	if !f.m.IsRunning("a") || !f.m.IsRunning("b") {
		t.Fatalf("running set wrong: %v", f.m.Running())
	}

	// Polling setup clears the webhook once per (re)start; a second delete
	// would mean the live runner was torn down and rebuilt.
	ch := f.channelFor("tok-a")
	ch.mu.Lock()
	dels := ch.webhookDels
	ch.mu.Unlock()
	if dels != 1 {
		t.Fatalf("webhook deletes on running bot = %d, want 1", dels)
	}
}

func TestStart_ConcurrentStartsLeaveOneRunner(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "b1", domain.BotInactive, false)
	f := newFixture(t, db)

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.m.Start(context.Background(), "b1"); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()

	if !f.m.IsRunning("b1") {
		t.Fatal("bot must be running")
	}
	ch := f.channelFor("tok-b1")
	// Serialized restarts cancel the previous loop before registering the
	// next; anything above one blocked poller is a leaked goroutine.
	waitFor(t, func() bool { return atomic.LoadInt32(&ch.pollers) == 1 })

	if err := f.m.Stop(context.Background(), "b1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&ch.pollers) == 0 })
}

func TestSync_RestartsPersistedActiveBots(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "a", domain.BotActive, false)
	seedBot(t, db, "b", domain.BotActive, true)
	seedBot(t, db, "c", domain.BotInactive, false)
	f := newFixture(t, db)

	started, err := f.m.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if started != 2 {
		t.Fatalf("started = %d, want 2", started)
	}
	if !f.m.IsRunning("a") || !f.m.IsRunning("b") || f.m.IsRunning("c") {
		t.Fatalf("running set wrong: %v", f.m.Running())
	}
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "wh1", domain.BotInactive, true)
	f := newFixture(t, db)

	if err := f.m.Start(context.Background(), "wh1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.m.Dispatch(context.Background(), "wh1", &channel.Update{UpdateID: 5}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if f.handler.count() != 1 {
		t.Fatalf("handled = %d, want 1", f.handler.count())
	}
}

func TestDispatch_StoppedBotRejected(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "wh1", domain.BotInactive, true)
	f := newFixture(t, db)

	err := f.m.Dispatch(context.Background(), "wh1", &channel.Update{UpdateID: 5})
	if err != ErrNotRunning {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestChannelFor_FallsBackToStoredToken(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "cold", domain.BotInactive, true)
	f := newFixture(t, db)

	ch, err := f.m.ChannelFor(context.Background(), "cold")
	if err != nil {
		t.Fatalf("channel for: %v", err)
	}
	if ch == nil {
		t.Fatal("nil channel")
	}
	if f.channelFor("tok-cold") == nil {
		t.Fatal("factory must have been invoked with the stored token")
	}
}

func TestPollLoop_UnauthorizedDeactivatesBot(t *testing.T) {
	db := newManagerDB(t)
	seedBot(t, db, "b1", domain.BotInactive, false)
	f := newFixture(t, db)

	if err := f.m.Start(context.Background(), "b1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch := f.channelFor("tok-b1")
	ch.mu.Lock()
	ch.unauthorized = true
	ch.mu.Unlock()
	// Unblock the in-flight poll so the loop sees the rejection next round.
	ch.updates <- nil

	waitFor(t, func() bool { return !f.m.IsRunning("b1") })
	bot, _ := repo.GetBot(context.Background(), db, "b1")
	if bot.Status != domain.BotInactive {
		t.Fatalf("status = %s, want inactive", bot.Status)
	}
}
