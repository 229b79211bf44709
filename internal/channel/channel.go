// Package channel abstracts the messaging transport the conversation engine
// speaks through. The production implementation is the Telegram Bot API over
// plain HTTP; tests substitute an in-memory fake. The interface is the union
// of operations the engine and lifecycle manager actually use, nothing more.
package channel

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized is returned when the transport rejects the bot credential.
// The lifecycle manager treats it as fatal for the bot, not the process.
var ErrUnauthorized = errors.New("channel: unauthorized token")

// Chat identifies a conversation on the transport.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // private|group|supergroup|channel
}

// User identifies a transport account.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Message is an incoming or outgoing transport message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
}

// CallbackQuery is a button press on an inline keyboard.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// Update is one transport event, delivered by webhook push or long poll.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// ParseUpdate decodes a raw webhook body into an Update.
func ParseUpdate(body []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Button is one inline keyboard button. Exactly one of CallbackData or URL
// should be set.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Keyboard is an inline keyboard layout: rows of buttons.
type Keyboard [][]Button

// Row is a convenience constructor for a single keyboard row.
func Row(buttons ...Button) []Button { return buttons }

// SendOptions modify an outgoing message.
type SendOptions struct {
	ParseMode string   // "" | "Markdown" | "HTML"
	Keyboard  Keyboard // nil for no keyboard
}

// Photo is an outgoing image: either a remote URL the transport fetches
// itself, or raw bytes uploaded inline (QR codes decoded from provider
// base64). When both are set, Data wins.
type Photo struct {
	URL  string
	Data []byte
}

// Channel is the transport contract. All methods honor context cancellation
// and return transport errors as-is except for credential rejection, which
// maps to ErrUnauthorized.
type Channel interface {
	// SendText sends a text message and returns the transport message id.
	SendText(ctx context.Context, chatID int64, text string, opts *SendOptions) (int64, error)

	// SendPhoto sends an image with a caption and returns the transport
	// message id.
	SendPhoto(ctx context.Context, chatID int64, photo Photo, caption string, opts *SendOptions) (int64, error)

	// EditText replaces the text (and keyboard) of a previously sent message.
	EditText(ctx context.Context, chatID, messageID int64, text string, opts *SendOptions) error

	// DeleteMessage removes a previously sent message. Deleting an already
	// deleted message is not an error.
	DeleteMessage(ctx context.Context, chatID, messageID int64) error

	// AnswerCallback acknowledges a button press so the client stops its
	// spinner. Empty text shows nothing.
	AnswerCallback(ctx context.Context, callbackID, text string) error

	// GetUpdates long-polls for events after offset. timeoutSec is the
	// server-side hold time.
	GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error)

	// SetWebhook registers a push endpoint; DeleteWebhook reverts to polling.
	SetWebhook(ctx context.Context, url string) error
	DeleteWebhook(ctx context.Context) error

	// GetMe validates the credential and returns the bot account.
	GetMe(ctx context.Context) (*User, error)
}
