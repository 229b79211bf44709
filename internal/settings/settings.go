// Package settings resolves configuration values at event time through a
// short-TTL read-through cache. Precedence for each key is: per-bot override
// (Bot.Config) → cached global setting → database → caller-supplied fallback.
//
// The TTL (30s by default) bounds staleness: an operator changing a price in
// the dashboard is visible to every in-flight conversation within one TTL,
// without a per-event database read on the hot path. Expired entries are
// re-read on demand; there is no background refresh.
package settings

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/domain"
	"github.com/passflow/go-bot-backend/internal/repo"
)

// Well-known setting keys.
const (
	KeyPrice           = "pass_price"
	KeyPaymentProvider = "payment_provider"
	KeySyncPayClientID = "syncpay_client_key"
	KeySyncPaySecret   = "syncpay_client_secret"
	KeyMPAccessToken   = "mercadopago_access_token"
	KeyDeliveryAPIKey  = "delivery_api_key"
	KeySupportContact  = "support_contact"
)

// Store is the cache backend. Get returns (value, true, nil) on a hit; a miss
// is (“”, false, nil). Backend failures surface as errors and callers fall
// through to the database, so a dead Redis degrades to slower reads, not
// failures.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache is the read-through settings resolver.
type Cache struct {
	db    *gorm.DB
	store Store
	ttl   time.Duration
}

// New builds a Cache over the given backend. A zero or negative ttl disables
// caching entirely (every Resolve hits the database).
func New(db *gorm.DB, store Store, ttl time.Duration) *Cache {
	return &Cache{db: db, store: store, ttl: ttl}
}

// Resolve returns the effective value for key as seen by the given bot.
// A nil bot skips the per-bot override layer.
func (c *Cache) Resolve(ctx context.Context, bot *domain.Bot, key, fallback string) string {
	if bot != nil {
		if v, ok := bot.Config[key]; ok && v != "" {
			return v
		}
	}
	return c.Global(ctx, key, fallback)
}

// Global returns the global setting for key, consulting the cache first.
func (c *Cache) Global(ctx context.Context, key, fallback string) string {
	if c.ttl > 0 {
		if v, ok, err := c.store.Get(ctx, key); err == nil && ok {
			return v
		}
	}

	v, err := repo.GetSetting(ctx, c.db, key)
	if errors.Is(err, repo.ErrNotFound) {
		v = fallback
	} else if err != nil {
		return fallback
	}

	if c.ttl > 0 {
		// Misses are cached too, as the fallback, so a missing key does not
		// turn into a per-event database read.
		_ = c.store.Set(ctx, key, v, c.ttl)
	}
	return v
}

// Invalidate drops a key from the cache so the next read hits the database.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	_ = c.store.Delete(ctx, key)
}

// Price returns the effective pass price in cents for a bot. Unparseable or
// missing values fall back to the default price.
func (c *Cache) Price(ctx context.Context, bot *domain.Bot, defaultCents int64) int64 {
	raw := c.Resolve(ctx, bot, KeyPrice, "")
	if raw == "" {
		return defaultCents
	}
	cents, err := domain.ParseAmount(raw)
	if err != nil {
		return defaultCents
	}
	return cents
}
