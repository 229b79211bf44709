// Package domain defines the persistence models for bots, orders, sessions,
// promo codes, settings, and bot logs. These types are mapped with GORM and
// form the core data layer of the bot backend.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Order lifecycle statuses. Status only ever advances
// pending → paid → delivered; failed is terminal from any state.
const (
	OrderPending   = "pending"
	OrderPaid      = "paid"
	OrderDelivered = "delivered"
	OrderFailed    = "failed"
)

// Bot statuses as persisted; the lifecycle manager reconciles these against
// the in-process registry on Sync.
const (
	BotActive   = "active"
	BotInactive = "inactive"
)

// StringList is a JSON-encoded list of strings stored in a single column.
// Used for the per-bot allowed chat list.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// StringMap is a JSON-encoded string→string map stored in a single column.
// Used for per-bot configuration overrides.
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(src any) error {
	return scanJSON(src, m)
}

// Bot represents one configured conversational bot. A non-empty AllowedChats
// list marks the bot as restricted: events from private chats or chats
// outside the list are dropped without a reply.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Token: transport credential; never logged.
//   - Status: "active" or "inactive"; Sync restarts bots marked active.
//   - UseWebhooks / WebhookURL: push delivery vs long-poll mode.
//   - Config: per-bot overrides layered over global settings.
//   - LastSeenAt: heartbeat, written at most once per throttle window.
type Bot struct {
	ID           string         `json:"id"            gorm:"type:char(36);primaryKey"`
	Name         string         `json:"name"          gorm:"type:varchar(255);not null"`
	Token        string         `json:"-"             gorm:"type:varchar(255);not null"`
	Type         string         `json:"type"          gorm:"type:varchar(32);not null;default:'pass'"`
	Status       string         `json:"status"        gorm:"type:varchar(16);not null;default:'inactive';index"`
	UseWebhooks  bool           `json:"use_webhooks"  gorm:"not null;default:false"`
	WebhookURL   string         `json:"webhook_url"   gorm:"type:varchar(512)"`
	AllowedChats StringList     `json:"allowed_chats" gorm:"type:text"`
	Config       StringMap      `json:"config"        gorm:"type:text"`
	LastSeenAt   *time.Time     `json:"last_seen_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-"             gorm:"index"`
}

// TableName returns the database table name for Bot.
func (Bot) TableName() string { return "bots" }

// Restricted reports whether the visibility gate applies to this bot.
func (b *Bot) Restricted() bool { return len(b.AllowedChats) > 0 }

// AllowsChat reports whether the given chat may interact with a restricted
// bot. Unrestricted bots allow everything.
func (b *Bot) AllowsChat(chatID string) bool {
	if !b.Restricted() {
		return true
	}
	for _, id := range b.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

// OrderMetadata is the typed payload attached to an Order. It replaces the
// free-form JSON bag the dashboard used to poke at: every known field has a
// name and a type, and the raw provider payload lives in DeliveryResponse.
type OrderMetadata struct {
	PlayerID         string          `json:"player_id,omitempty"`
	ChatID           string          `json:"chat_id,omitempty"`
	PaymentMessageID int64           `json:"payment_message_id,omitempty"`
	CustomerName     string          `json:"customer_name,omitempty"`
	DeliveryNick     string          `json:"delivery_nick,omitempty"`
	DeliveryResponse json.RawMessage `json:"delivery_response,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
}

// Value implements driver.Valuer.
func (m OrderMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	return string(b), err
}

// Scan implements sql.Scanner.
func (m *OrderMetadata) Scan(src any) error {
	return scanJSON(src, m)
}

// Order is the durable record of one purchase attempt.
//
// AmountCents stores the charged amount as integer cents to avoid float
// rounding; see money.go for parsing/formatting. ExternalTxID is the
// gateway-issued transaction identifier and is unique: the reconciliation
// guarantee (at most one delivery per transaction) hangs off it together
// with the conditional status updates in the repo layer.
type Order struct {
	ID           string         `json:"id"             gorm:"type:char(36);primaryKey"`
	BotID        string         `json:"bot_id"         gorm:"type:char(36);not null;index"`
	UserID       string         `json:"user_id"        gorm:"type:varchar(64);not null;index"`
	AmountCents  int64          `json:"amount_cents"   gorm:"not null"`
	Status       string         `json:"status"         gorm:"type:varchar(16);not null;default:'pending';index;check:status IN ('pending','paid','delivered','failed')"`
	ExternalTxID string         `json:"external_tx_id" gorm:"type:varchar(128);not null;uniqueIndex"`
	Metadata     OrderMetadata  `json:"metadata"       gorm:"type:text"`
	CreatedAt    time.Time      `json:"created_at"     gorm:"index"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-"              gorm:"index"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// PromoCode is a bounded discount code. Code is stored uppercase; lookups
// normalize before comparing. UsedCount is only ever advanced through the
// conditional increment in the repo layer, so the MaxUses cap holds under
// concurrent redemptions.
type PromoCode struct {
	Code          string         `json:"code"           gorm:"type:varchar(64);primaryKey"`
	DiscountCents int64          `json:"discount_cents" gorm:"not null;default:0"`
	// No column default: GORM drops zero-value fields from inserts when a
	// default is declared, which would silently persist false as true.
	IsActive      bool           `json:"is_active"      gorm:"not null"`
	MaxUses       *int64         `json:"max_uses,omitempty"`
	UsedCount     int64          `json:"used_count"     gorm:"not null;default:0"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-"              gorm:"index"`
}

// TableName returns the database table name for PromoCode.
func (PromoCode) TableName() string { return "promo_codes" }

// Usable reports whether the code could still be redeemed at the given time.
// The authoritative check is the conditional UPDATE in the repo; this is the
// same predicate, used to classify rejections after a failed increment.
func (p *PromoCode) Usable(now time.Time) bool {
	if !p.IsActive {
		return false
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	if p.MaxUses != nil && p.UsedCount >= *p.MaxUses {
		return false
	}
	return true
}

// Setting is one global key/value configuration entry. Per-bot overrides in
// Bot.Config take precedence; see the settings cache.
type Setting struct {
	Key       string    `json:"key"   gorm:"type:varchar(128);primaryKey"`
	Value     string    `json:"value" gorm:"type:text;not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Setting.
func (Setting) TableName() string { return "settings" }

// BotLog is an operator-facing audit line. Inserts are best effort and never
// block or fail the event that produced them.
type BotLog struct {
	ID        uint64    `json:"id"      gorm:"primaryKey;autoIncrement"`
	BotID     string    `json:"bot_id"  gorm:"type:char(36);not null;index:idx_bot_logs,priority:1"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64)"`
	ChatID    string    `json:"chat_id" gorm:"type:varchar(64)"`
	Level     string    `json:"level"   gorm:"type:varchar(16);not null;default:'info'"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_bot_logs,priority:2"`
}

// TableName returns the database table name for BotLog.
func (BotLog) TableName() string { return "bot_logs" }

// scanJSON decodes a JSON column that drivers may hand us as []byte, string,
// or nil.
func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("domain: unsupported JSON column type")
	}
}
