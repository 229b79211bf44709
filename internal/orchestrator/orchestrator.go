// Package orchestrator settles paid charges exactly once. Confirmation can
// arrive three ways — provider webhook, the user's confirm button, or an
// operator's manual approval — and any two can race. All three paths funnel
// into confirmAndDeliver, whose pending→paid conditional update is the single
// serialization point: one caller wins and fulfills, the rest observe a lost
// update and stand down. No locks, no queues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/channel"
	"github.com/passflow/go-bot-backend/internal/delivery"
	"github.com/passflow/go-bot-backend/internal/domain"
	"github.com/passflow/go-bot-backend/internal/gateway"
	"github.com/passflow/go-bot-backend/internal/repo"
)

var (
	paymentsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_confirmed_total",
		Help: "Charges transitioned pending→paid.",
	})
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_total",
		Help: "Fulfillment attempts by result.",
	}, []string{"result"})
)

var tracer = otel.Tracer("orchestrator")

// ChannelResolver supplies a transport for a bot id, used on the webhook path
// where no channel is in hand. The lifecycle manager implements it.
type ChannelResolver interface {
	ChannelFor(ctx context.Context, botID string) (channel.Channel, error)
}

// Orchestrator reconciles orders against the payment gateway and fulfills
// them through the delivery provider.
type Orchestrator struct {
	DB       *gorm.DB
	Gateways *gateway.Selector
	Delivery *delivery.Client
	Channels ChannelResolver
	Log      zerolog.Logger

	now func() time.Time
}

// New constructs an Orchestrator.
func New(db *gorm.DB, gws *gateway.Selector, dl *delivery.Client, chans ChannelResolver, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{DB: db, Gateways: gws, Delivery: dl, Channels: chans, Log: log, now: time.Now}
}

// Reconcile handles the user-pressed confirm button: resolve the order, poll
// the gateway, and settle if paid. Implements engine.Reconciler.
func (o *Orchestrator) Reconcile(ctx context.Context, bot *domain.Bot, ch channel.Channel, userID, txID string) error {
	ctx, span := tracer.Start(ctx, "orchestrator.Reconcile")
	defer span.End()

	order, err := o.resolveOrder(ctx, bot.ID, userID, txID)
	if errors.Is(err, repo.ErrNotFound) {
		o.notifyUser(ctx, ch, bot.ID, userID, "⚠️ Nenhuma transação pendente encontrada.")
		return nil
	}
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	switch order.Status {
	case domain.OrderDelivered, domain.OrderPaid:
		// Settled by a webhook or another device; just clear the stale
		// payment message.
		o.removePaymentMessage(ctx, ch, order)
		return nil
	case domain.OrderFailed:
		o.notify(ctx, ch, order, "⚠️ Este pedido foi cancelado. Inicie uma nova compra com /start.")
		return nil
	}

	gw, err := o.Gateways.Pick(ctx)
	if err != nil {
		return err
	}
	status, err := gw.CheckStatus(ctx, order.ExternalTxID)
	if err != nil {
		// Transient gateway trouble: the order stays pending, the user can
		// press the button again.
		o.Log.Warn().Err(err).Str("tx_id", order.ExternalTxID).Msg("status poll failed")
		o.notify(ctx, ch, order, "❌ Erro ao verificar. Tente novamente.")
		return nil
	}
	if !status.Paid {
		o.notify(ctx, ch, order, "⏳ Pagamento ainda não identificado. Aguarde alguns segundos e tente novamente.")
		return nil
	}

	return o.confirmAndDeliver(ctx, bot, ch, order)
}

// HandleWebhook settles a provider notification. paid=false notifications are
// acknowledged and dropped; unknown transactions return ErrNotFound for the
// handler to map to 404.
func (o *Orchestrator) HandleWebhook(ctx context.Context, txID string, paid bool, rawStatus string) error {
	ctx, span := tracer.Start(ctx, "orchestrator.HandleWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("tx.id", txID), attribute.Bool("paid", paid))

	order, err := repo.GetOrderByTxID(ctx, o.DB, txID)
	if err != nil {
		return err
	}
	if !paid {
		o.Log.Info().Str("tx_id", txID).Str("status", rawStatus).Msg("webhook with non-paid status ignored")
		return nil
	}
	if order.Status == domain.OrderDelivered {
		return nil
	}

	bot, err := repo.GetBot(ctx, o.DB, order.BotID)
	if err != nil {
		return fmt.Errorf("orchestrator: bot lookup: %w", err)
	}
	ch, err := o.Channels.ChannelFor(ctx, bot.ID)
	if err != nil {
		// No transport: settle the order anyway, skip user notification.
		o.Log.Warn().Err(err).Str("bot_id", bot.ID).Msg("no channel for webhook settlement")
		ch = nil
	}
	return o.confirmAndDeliver(ctx, bot, ch, order)
}

// Approve is the operator's manual settlement, bypassing the gateway check.
func (o *Orchestrator) Approve(ctx context.Context, orderID string) error {
	order, err := repo.GetOrder(ctx, o.DB, orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderDelivered {
		return nil
	}
	bot, err := repo.GetBot(ctx, o.DB, order.BotID)
	if err != nil {
		return fmt.Errorf("orchestrator: bot lookup: %w", err)
	}
	ch, err := o.Channels.ChannelFor(ctx, bot.ID)
	if err != nil {
		ch = nil
	}
	if order.Status == domain.OrderPaid {
		// A previous settlement confirmed the payment but fulfillment failed;
		// the operator is explicitly retrying delivery.
		return o.fulfill(ctx, bot, ch, order, 0)
	}
	return o.confirmAndDeliver(ctx, bot, ch, order)
}

// resolveOrder finds the order for a confirm press: by transaction id when
// the session still has one, else the user's newest pending order.
func (o *Orchestrator) resolveOrder(ctx context.Context, botID, userID, txID string) (*domain.Order, error) {
	if txID != "" {
		order, err := repo.GetOrderByTxID(ctx, o.DB, txID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return repo.LatestPendingOrder(ctx, o.DB, botID, userID)
}

// confirmAndDeliver performs the at-most-once settlement. The pending→paid
// conditional update decides the winner; losers clean up their stale payment
// message and return nil.
func (o *Orchestrator) confirmAndDeliver(ctx context.Context, bot *domain.Bot, ch channel.Channel, order *domain.Order) error {
	won, err := repo.UpdateOrderStatusIf(ctx, o.DB, order.ID, domain.OrderPending, domain.OrderPaid)
	if err != nil {
		return fmt.Errorf("orchestrator: confirm: %w", err)
	}
	if !won {
		// Lost the race: another caller owns this settlement, whether it is
		// mid-delivery or already done. Clean up the stale payment message
		// and stand down; a fulfillment that failed on the winner's side is
		// retried only through an explicit operator approval.
		o.removePaymentMessage(ctx, ch, order)
		return nil
	}

	paymentsConfirmed.Inc()
	o.logOrder(ctx, bot, order, "success", "payment confirmed: "+order.ExternalTxID)

	o.removePaymentMessage(ctx, ch, order)
	statusMsgID := o.notify(ctx, ch, order, "⌛ Pagamento confirmado! Enviando passe booyah!...")
	return o.fulfill(ctx, bot, ch, order, statusMsgID)
}

// fulfill runs the delivery attempt for a paid order and records the result.
// On provider failure the order stays paid so the attempt can be repeated.
func (o *Orchestrator) fulfill(ctx context.Context, bot *domain.Bot, ch channel.Channel, order *domain.Order, statusMsgID int64) error {
	playerID := order.Metadata.PlayerID
	if playerID == "" {
		deliveries.WithLabelValues("failure").Inc()
		o.logOrder(ctx, bot, order, "error", "delivery impossible: order has no player id")
		o.edit(ctx, ch, order, statusMsgID, "⚠️ Pagamento confirmado, mas não foi possível identificar o ID do jogador. Contate o suporte.")
		return nil
	}

	out, err := o.Delivery.SendPass(ctx, playerID)
	if err != nil || !out.Success {
		deliveries.WithLabelValues("failure").Inc()
		reason := "provider rejected the delivery"
		if err != nil {
			reason = err.Error()
		} else if out.Message != "" {
			reason = out.Message
		}
		// The order stays paid: another confirm press or a manual approval
		// retries fulfillment without re-charging.
		o.logOrder(ctx, bot, order, "error", "delivery failed: "+reason)
		o.edit(ctx, ch, order, statusMsgID, "⚠️ Pagamento confirmado, mas houve um erro no envio automático. Por favor, contate o suporte.")
		return nil
	}

	nick := out.Nick
	if nick == "" {
		nick = "Jogador"
	}
	now := o.now().UTC()
	meta := order.Metadata
	meta.DeliveryNick = nick
	meta.DeliveryResponse = out.Raw
	meta.DeliveredAt = &now

	marked, err := repo.MarkOrderDelivered(ctx, o.DB, order.ID, meta)
	if err != nil {
		return fmt.Errorf("orchestrator: mark delivered: %w", err)
	}
	if !marked {
		// A concurrent operator retry recorded the delivery first.
		o.Log.Warn().Str("order_id", order.ID).Msg("delivered order was already marked")
		return nil
	}

	deliveries.WithLabelValues("success").Inc()
	o.logOrder(ctx, bot, order, "success", fmt.Sprintf("pass delivered to %s (%s)", nick, playerID))
	o.edit(ctx, ch, order, statusMsgID, fmt.Sprintf(
		"✅ Passe Booyah! Enviado!\n\nJogador: %s\nID: %s\n\nLembre-se: Cada conta Free Fire só pode receber 1 passe por mês.",
		nick, playerID))
	o.completeSession(ctx, bot.ID, order.UserID)
	return nil
}

// completeSession moves the buyer's conversation to COMPLETED. Best effort:
// the order is the source of truth, the session only drives replies.
func (o *Orchestrator) completeSession(ctx context.Context, botID, userID string) {
	sess, err := repo.GetSession(ctx, o.DB, botID, userID)
	if err != nil {
		o.Log.Debug().Err(err).Str("user_id", userID).Msg("session load for completion failed")
		return
	}
	sess.Step = domain.StepCompleted
	sess.PendingTxID = ""
	sess.PixCode = ""
	sess.PaymentMessageID = 0
	if err := repo.UpsertSession(ctx, o.DB, sess); err != nil {
		o.Log.Debug().Err(err).Str("user_id", userID).Msg("session completion failed")
	}
}

func (o *Orchestrator) chatID(order *domain.Order) (int64, bool) {
	if order == nil || order.Metadata.ChatID == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(order.Metadata.ChatID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// notifyUser reaches a user without an order in hand, via the chat recorded
// on their session.
func (o *Orchestrator) notifyUser(ctx context.Context, ch channel.Channel, botID, userID, text string) {
	if ch == nil {
		return
	}
	sess, err := repo.GetSession(ctx, o.DB, botID, userID)
	if err != nil || sess.ChatID == "" {
		return
	}
	chatID, err := strconv.ParseInt(sess.ChatID, 10, 64)
	if err != nil {
		return
	}
	if _, err := ch.SendText(ctx, chatID, text, nil); err != nil {
		o.Log.Debug().Err(err).Int64("chat_id", chatID).Msg("notify failed")
	}
}

// notify sends a plain text to the order's chat, returning the message id.
func (o *Orchestrator) notify(ctx context.Context, ch channel.Channel, order *domain.Order, text string) int64 {
	if ch == nil {
		return 0
	}
	chatID, ok := o.chatID(order)
	if !ok {
		return 0
	}
	id, err := ch.SendText(ctx, chatID, text, nil)
	if err != nil {
		o.Log.Debug().Err(err).Int64("chat_id", chatID).Msg("notify failed")
	}
	return id
}

// edit replaces a status message in place, falling back to a fresh message
// when editing fails.
func (o *Orchestrator) edit(ctx context.Context, ch channel.Channel, order *domain.Order, messageID int64, text string) {
	if ch == nil {
		return
	}
	chatID, ok := o.chatID(order)
	if !ok {
		return
	}
	if messageID != 0 {
		if err := ch.EditText(ctx, chatID, messageID, text, nil); err == nil {
			return
		}
	}
	if _, err := ch.SendText(ctx, chatID, text, nil); err != nil {
		o.Log.Debug().Err(err).Int64("chat_id", chatID).Msg("status update failed")
	}
}

// removePaymentMessage deletes the PIX message so a settled charge cannot be
// paid twice from a stale screen.
func (o *Orchestrator) removePaymentMessage(ctx context.Context, ch channel.Channel, order *domain.Order) {
	if ch == nil || order == nil || order.Metadata.PaymentMessageID == 0 {
		return
	}
	chatID, ok := o.chatID(order)
	if !ok {
		return
	}
	if err := ch.DeleteMessage(ctx, chatID, order.Metadata.PaymentMessageID); err != nil {
		o.Log.Debug().Err(err).Int64("chat_id", chatID).Msg("payment message cleanup failed")
	}
}

func (o *Orchestrator) logOrder(ctx context.Context, bot *domain.Bot, order *domain.Order, level, msg string) {
	if err := repo.InsertBotLog(ctx, o.DB, bot.ID, order.UserID, order.Metadata.ChatID, level, msg); err != nil {
		o.Log.Debug().Err(err).Msg("bot log insert failed")
	}
}
