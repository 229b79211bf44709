// Session model and the conversation steps it moves through.
package domain

import "time"

// Step is the conversation engine's per-user state.
type Step string

// Conversation steps. CONFIRM_ID may loop back to WAITING_ID; ASK_PROMO and
// WAITING_PROMO may skip straight to PAYMENT_PENDING.
const (
	StepStart          Step = "START"
	StepWaitingID      Step = "WAITING_ID"
	StepConfirmID      Step = "CONFIRM_ID"
	StepAskPromo       Step = "ASK_PROMO"
	StepWaitingPromo   Step = "WAITING_PROMO"
	StepPaymentPending Step = "PAYMENT_PENDING"
	StepCompleted      Step = "COMPLETED"
)

// Session is the ephemeral per-user conversational state. It is keyed by the
// transport user id, created on first interaction with StepStart, and never
// deleted — completion or abandonment resets Step back to StepStart on the
// next /start. Writes are whole-row upserts: the final writer wins, which is
// the contract the engine relies on for double-tapped buttons.
type Session struct {
	UserID           string    `json:"user_id"            gorm:"type:varchar(64);primaryKey"`
	BotID            string    `json:"bot_id"             gorm:"type:char(36);index"`
	Step             Step      `json:"step"               gorm:"type:varchar(32);not null;default:'START'"`
	ChatID           string    `json:"chat_id"            gorm:"type:varchar(64)"`
	PlayerID         string    `json:"player_id"          gorm:"type:varchar(64)"`
	PromoCode        string    `json:"promo_code"         gorm:"type:varchar(64)"`
	PendingTxID      string    `json:"pending_tx_id"      gorm:"type:varchar(128)"`
	PixCode          string    `json:"pix_code"           gorm:"type:text"`
	PaymentMessageID int64     `json:"payment_message_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }
