// Webhook HTTP handlers.
//
// Two inbound surfaces land here:
//   - POST /webhooks/payment    (gateway payment notifications)
//   - POST /webhooks/bot/{id}   (transport push for webhook-mode bots)
//
// Gateway notification bodies are not uniform: providers disagree on field
// names and some nest the payload under "data". normalizeWebhook flattens
// that zoo into a (transaction id, raw status) pair before the settlement
// layer sees it.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/passflow/go-bot-backend/internal/channel"
	"github.com/passflow/go-bot-backend/internal/gateway"
	"github.com/passflow/go-bot-backend/internal/http/middleware"
	"github.com/passflow/go-bot-backend/internal/manager"
	"github.com/passflow/go-bot-backend/internal/repo"
)

// Settler settles paid orders. Implemented by the orchestrator.
type Settler interface {
	HandleWebhook(ctx context.Context, txID string, paid bool, rawStatus string) error
	Approve(ctx context.Context, orderID string) error
}

// Dispatcher routes transport pushes to a running bot. Implemented by the
// lifecycle manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, botID string, upd *channel.Update) error
}

// txAliases and statusAliases are the field names gateways use for the
// transaction identifier and payment status, in precedence order.
var (
	txAliases     = []string{"identifier", "id", "txid", "external_id"}
	statusAliases = []string{"status", "payment_status", "state"}
)

// normalizeWebhook extracts the transaction id and raw status from a gateway
// notification body. Payloads nested one level under "data" are unwrapped
// first; the outer object wins when both carry a field.
func normalizeWebhook(body []byte) (txID, status string, err error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", err
	}

	flat := payload
	if nested, ok := payload["data"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(nested, &inner) == nil {
			flat = make(map[string]json.RawMessage, len(inner)+len(payload))
			for k, v := range inner {
				flat[k] = v
			}
			for k, v := range payload {
				if k != "data" {
					flat[k] = v
				}
			}
		}
	}

	txID = firstString(flat, txAliases)
	status = firstString(flat, statusAliases)
	return txID, status, nil
}

// firstString returns the first alias present in m as a string. Numeric ids
// (MercadoPago) are accepted and rendered in their JSON form.
func firstString(m map[string]json.RawMessage, aliases []string) string {
	for _, key := range aliases {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
		var n json.Number
		if json.Unmarshal(raw, &n) == nil && n.String() != "" {
			return n.String()
		}
	}
	return ""
}

// PaymentWebhook godoc
// @ID          paymentWebhook
// @Summary     Receive a payment gateway notification
// @Description Normalizes the provider payload and settles the referenced order when the status is paid. Non-paid statuses are acknowledged and ignored.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       body  body  object  true  "Gateway notification payload"
// @Success     200  {object}  map[string]string
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed payload"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown transaction"
// @Failure     500  {object}  handlers.ErrorResponse  "Settlement error"
// @Router      /webhooks/payment [post]
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}

	txID, status, err := normalizeWebhook(body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if txID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "missing transaction identifier")
		return
	}

	paid := gateway.IsPaidStatus(status)
	middleware.LoggerFrom(c).Info().
		Str("tx_id", txID).
		Str("status", status).
		Bool("paid", paid).
		Msg("payment webhook")

	if err := h.settler.HandleWebhook(c.Request.Context(), txID, paid, status); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown transaction")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// BotWebhook godoc
// @ID          botWebhook
// @Summary     Receive a transport push for a webhook-mode bot
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       id    path  string  true  "Bot ID"
// @Param       body  body  object  true  "Transport update"
// @Success     200  {object}  map[string]string
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed update"
// @Failure     404  {object}  handlers.ErrorResponse  "Bot not running"
// @Router      /webhooks/bot/{id} [post]
func (h *Handlers) BotWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}

	upd, err := channel.ParseUpdate(body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid update payload")
		return
	}

	botID := c.Param("id")
	if err := h.dispatcher.Dispatch(c.Request.Context(), botID, upd); err != nil {
		if errors.Is(err, manager.ErrNotRunning) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "bot not running")
			return
		}
		// The transport retries on non-2xx; conversation errors are logged
		// and acknowledged so one broken update cannot wedge the queue.
		middleware.LoggerFrom(c).Error().Err(err).Str("bot_id", botID).Msg("update handling failed")
	}
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}
