// Package delivery adapts the fulfillment provider that hands the purchased
// pass to a player account. The provider's responses are inconsistent across
// deployments (different success markers, different nickname fields), so the
// raw payload is normalized into an Outcome in exactly one place and the rest
// of the system never inspects provider JSON.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the normalized result of a fulfillment attempt. Raw carries the
// provider payload verbatim for the order's audit trail.
type Outcome struct {
	Success bool
	Nick    string // player nickname when the provider reports one
	Message string // provider message, for operator logs
	Raw     json.RawMessage
}

// Credentials for the provider, resolved from settings at call time.
type Credentials struct {
	APIKey string
	Email  string // optional account selector
}

// Client calls the pass fulfillment API. All operations are simple GETs with
// query parameters; the provider multiplexes on a "mode" parameter.
type Client struct {
	baseURL string
	http    *http.Client
	creds   func(ctx context.Context) Credentials
	log     zerolog.Logger
}

// NewClient builds a fulfillment client. creds is consulted on every call so
// key rotation in the settings panel needs no restart.
func NewClient(baseURL string, timeout time.Duration, creds func(ctx context.Context) Credentials, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
		log:     log,
	}
}

func (c *Client) get(ctx context.Context, params url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delivery: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("delivery: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("delivery: status %d: %s", resp.StatusCode, raw)
	}
	return raw, nil
}

// SendPass delivers one pass to the given player id. A transport or HTTP
// failure returns an error (the order stays paid and retryable); a decoded
// provider response always yields an Outcome, successful or not.
func (c *Client) SendPass(ctx context.Context, playerID string) (*Outcome, error) {
	creds := c.creds(ctx)
	params := url.Values{"mode": {"send"}, "key": {creds.APIKey}, "id": {playerID}}
	if creds.Email != "" {
		params.Set("email", creds.Email)
	}

	raw, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	out := Normalize(raw)
	c.log.Info().Bool("success", out.Success).Str("player_id", playerID).
		Str("nick", out.Nick).Msg("pass delivery attempted")
	return out, nil
}

// Balance returns the provider's raw account info payload (remaining pass
// quota); shown on the operator dashboard, never interpreted.
func (c *Client) Balance(ctx context.Context) (json.RawMessage, error) {
	creds := c.creds(ctx)
	params := url.Values{"mode": {"info"}, "key": {creds.APIKey}}
	if creds.Email != "" {
		params.Set("email", creds.Email)
	}
	return c.get(ctx, params)
}

// rawResponse covers every response shape the provider has been seen to
// return. Error is a *bool because absent and false mean different things.
type rawResponse struct {
	Error    *bool  `json:"error,omitempty"`
	Status   string `json:"status,omitempty"`
	Msg      string `json:"msg,omitempty"`
	Nick     string `json:"nick,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Data     *struct {
		Nick string `json:"nick,omitempty"`
	} `json:"data,omitempty"`
}

// Normalize maps a raw provider payload to an Outcome. Success is the
// disjunction of every marker the provider is known to use: an explicit
// error=false, status "success", or a message mentioning success in either
// language. Unknown shapes are failures, not errors.
func Normalize(raw json.RawMessage) *Outcome {
	var r rawResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return &Outcome{Success: false, Message: "unparseable provider response", Raw: raw}
	}

	msg := strings.ToLower(r.Msg)
	success := (r.Error != nil && !*r.Error) ||
		r.Status == "success" ||
		strings.Contains(msg, "sucesso") ||
		strings.Contains(msg, "success")

	nick := r.Nick
	if nick == "" {
		nick = r.Nickname
	}
	if nick == "" && r.Data != nil {
		nick = r.Data.Nick
	}

	return &Outcome{Success: success, Nick: nick, Message: r.Msg, Raw: raw}
}
