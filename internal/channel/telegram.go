package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Telegram implements Channel against the Telegram Bot API using plain HTTP.
// One instance per bot token. Safe for concurrent use.
type Telegram struct {
	token   string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewTelegram builds a client for one bot token. baseURL is normally
// "https://api.telegram.org"; tests point it at an httptest server.
func NewTelegram(token, baseURL string, timeout time.Duration, log zerolog.Logger) *Telegram {
	return &Telegram{
		token:   token,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// apiResponse is the Bot API envelope. Result decoding is deferred to callers.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// call posts a JSON payload to one Bot API method and decodes the envelope.
// A 429 is retried once after the server-advised delay; credential rejections
// map to ErrUnauthorized.
func (t *Telegram) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("telegram %s: %w", method, err)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("telegram %s: read body: %w", method, err)
		}

		var env apiResponse
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("telegram %s: decode: %w", method, err)
		}
		if env.OK {
			return env.Result, nil
		}

		switch {
		case env.ErrorCode == http.StatusUnauthorized:
			return nil, ErrUnauthorized
		case env.ErrorCode == http.StatusTooManyRequests && attempt == 0:
			delay := time.Second
			if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
				delay = time.Duration(env.Parameters.RetryAfter) * time.Second
			}
			t.log.Warn().Str("method", method).Dur("retry_after", delay).Msg("telegram rate limited")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, fmt.Errorf("telegram %s: %d %s", method, env.ErrorCode, env.Description)
	}
}

type sendMessageRequest struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ParseMode   string `json:"parse_mode,omitempty"`
	ReplyMarkup any    `json:"reply_markup,omitempty"`
}

type inlineKeyboardMarkup struct {
	InlineKeyboard Keyboard `json:"inline_keyboard"`
}

// SendText implements Channel.
func (t *Telegram) SendText(ctx context.Context, chatID int64, text string, opts *SendOptions) (int64, error) {
	req := sendMessageRequest{ChatID: strconv.FormatInt(chatID, 10), Text: text}
	if opts != nil {
		req.ParseMode = opts.ParseMode
		if opts.Keyboard != nil {
			req.ReplyMarkup = inlineKeyboardMarkup{InlineKeyboard: opts.Keyboard}
		}
	}
	raw, err := t.call(ctx, "sendMessage", req)
	if err != nil {
		return 0, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("telegram sendMessage: decode result: %w", err)
	}
	return msg.MessageID, nil
}

// SendPhoto implements Channel. URL photos go through the JSON API like any
// other method; raw bytes are uploaded as multipart form data.
func (t *Telegram) SendPhoto(ctx context.Context, chatID int64, photo Photo, caption string, opts *SendOptions) (int64, error) {
	var raw json.RawMessage
	var err error
	if len(photo.Data) > 0 {
		raw, err = t.upload(ctx, chatID, photo.Data, caption, opts)
	} else {
		req := map[string]any{
			"chat_id": strconv.FormatInt(chatID, 10),
			"photo":   photo.URL,
			"caption": caption,
		}
		if opts != nil {
			if opts.ParseMode != "" {
				req["parse_mode"] = opts.ParseMode
			}
			if opts.Keyboard != nil {
				req["reply_markup"] = inlineKeyboardMarkup{InlineKeyboard: opts.Keyboard}
			}
		}
		raw, err = t.call(ctx, "sendPhoto", req)
	}
	if err != nil {
		return 0, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("telegram sendPhoto: decode result: %w", err)
	}
	return msg.MessageID, nil
}

/// upload posts a photo as multipart form data. No 429 retry: QR uploads are
// one-shot per charge and the caller falls back to the text pix code.
func (t *Telegram) upload(ctx context.Context, chatID int64, data []byte, caption string, opts *SendOptions) (json.RawMessage, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	if opts != nil {
		if opts.ParseMode != "" {
			_ = w.WriteField("parse_mode", opts.ParseMode)
		}
		if opts.Keyboard != nil {
			markup, err := json.Marshal(inlineKeyboardMarkup{InlineKeyboard: opts.Keyboard})
			if err != nil {
				return nil, err
			}
			_ = w.WriteField("reply_markup", string(markup))
		}
	}
	part, err := w.CreateFormFile("photo", "photo.png")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendPhoto", t.baseURL, t.token), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram sendPhoto: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("telegram sendPhoto: read body: %w", err)
	}

	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("telegram sendPhoto: decode: %w", err)
	}
	if !env.OK {
		if env.ErrorCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("telegram sendPhoto: %d %s", env.ErrorCode, env.Description)
	}
	return env.Result, nil
}

// EditText implements Channel.
func (t *Telegram) EditText(ctx context.Context, chatID, messageID int64, text string, opts *SendOptions) error {
	req := map[string]any{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": messageID,
		"text":       text,
	}
	if opts != nil {
		if opts.ParseMode != "" {
			req["parse_mode"] = opts.ParseMode
		}
		if opts.Keyboard != nil {
			req["reply_markup"] = inlineKeyboardMarkup{InlineKeyboard: opts.Keyboard}
		}
	}
	_, err := t.call(ctx, "editMessageText", req)
	return err
}

// DeleteMessage implements Channel. "message to delete not found" comes back
// as a 400; it is swallowed so cleanup stays idempotent.
func (t *Telegram) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := t.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": messageID,
	})
	if err != nil && err != ErrUnauthorized && ctx.Err() == nil {
		t.log.Debug().Int64("chat_id", chatID).Int64("message_id", messageID).
			Err(err).Msg("delete message failed")
		return nil
	}
	return err
}

// AnswerCallback implements Channel.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	req := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		req["text"] = text
	}
	_, err := t.call(ctx, "answerCallbackQuery", req)
	return err
}

// GetUpdates implements Channel.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	raw, err := t.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         timeoutSec,
		"allowed_updates": []string{"message", "callback_query"},
	})
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("telegram getUpdates: decode result: %w", err)
	}
	return updates, nil
}

// SetWebhook implements Channel.
func (t *Telegram) SetWebhook(ctx context.Context, url string) error {
	_, err := t.call(ctx, "setWebhook", map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	})
	return err
}

// DeleteWebhook implements Channel.
func (t *Telegram) DeleteWebhook(ctx context.Context) error {
	_, err := t.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": false})
	return err
}

// GetMe implements Channel.
func (t *Telegram) GetMe(ctx context.Context) (*User, error) {
	raw, err := t.call(ctx, "getMe", struct{}{})
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("telegram getMe: decode result: %w", err)
	}
	return &u, nil
}
