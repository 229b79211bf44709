package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/channel"
	"github.com/passflow/go-bot-backend/internal/domain"
	"github.com/passflow/go-bot-backend/internal/gateway"
	"github.com/passflow/go-bot-backend/internal/promo"
	"github.com/passflow/go-bot-backend/internal/repo"
	"github.com/passflow/go-bot-backend/internal/settings"
)

// Reconciler resolves a pending charge end to end: status check, conditional
// order transitions, fulfillment, and user notification. Implemented by the
// orchestrator package; an interface here keeps the dependency one-way.
type Reconciler interface {
	// Reconcile handles the user-triggered payment check. txID may be empty,
	// in which case the user's newest pending order is used.
	Reconcile(ctx context.Context, bot *domain.Bot, ch channel.Channel, userID, txID string) error
}

// Engine executes conversation effects. One Engine serves every bot; per-bot
// state lives in the session store and the heartbeat map.
type Engine struct {
	DB       *gorm.DB
	Settings *settings.Cache
	Promo    *promo.Ledger
	Gateways *gateway.Selector
	Recon    Reconciler
	Log      zerolog.Logger

	// PublicBaseURL builds the payment webhook callback; empty disables
	// provider callbacks and leaves polling only.
	PublicBaseURL string

	// DefaultPriceCents applies when no price setting exists.
	DefaultPriceCents int64

	// HeartbeatThrottle caps last_seen writes per bot.
	HeartbeatThrottle time.Duration

	hbMu sync.Mutex
	hb   map[string]time.Time
	now  func() time.Time
}

// New constructs an Engine with the five-minute heartbeat throttle.
func New(db *gorm.DB, sc *settings.Cache, ledger *promo.Ledger, gws *gateway.Selector, recon Reconciler, log zerolog.Logger) *Engine {
	return &Engine{
		DB:                db,
		Settings:          sc,
		Promo:             ledger,
		Gateways:          gws,
		Recon:             recon,
		Log:               log,
		DefaultPriceCents: 800,
		HeartbeatThrottle: 5 * time.Minute,
		hb:                make(map[string]time.Time),
		now:               time.Now,
	}
}

var tracer = otel.Tracer("engine")

// evctx carries the per-update execution context through effect handlers.
type evctx struct {
	bot    *domain.Bot
	ch     channel.Channel
	sess   *domain.Session
	userID string
	chatID int64
	name   string
}

// HandleUpdate processes one transport event for a bot. Every update passes
// the heartbeat throttle and the visibility gate before it reaches the
// reducer; gated updates are dropped without a reply.
func (e *Engine) HandleUpdate(ctx context.Context, bot *domain.Bot, ch channel.Channel, upd *channel.Update) error {
	ctx, span := tracer.Start(ctx, "engine.HandleUpdate")
	defer span.End()
	span.SetAttributes(attribute.String("bot.id", bot.ID))

	e.heartbeat(ctx, bot.ID)

	ev, from, chat := classify(upd)
	if ev == nil || from == nil {
		return nil
	}

	if bot.Restricted() {
		if chat == nil || chat.Type == "private" || !bot.AllowsChat(strconv.FormatInt(chat.ID, 10)) {
			return nil
		}
	}

	userID := strconv.FormatInt(from.ID, 10)
	sess, err := repo.GetSession(ctx, e.DB, bot.ID, userID)
	if err != nil {
		return fmt.Errorf("engine: load session: %w", err)
	}
	sess.BotID = bot.ID
	if chat != nil {
		sess.ChatID = strconv.FormatInt(chat.ID, 10)
	}

	ec := &evctx{bot: bot, ch: ch, sess: sess, userID: userID, name: from.FirstName}
	if chat != nil {
		ec.chatID = chat.ID
	}

	// Reduce the triggering event, then any outcome events the effects
	// produce, until the queue drains.
	queue := []Event{ev}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		updated, effects := Reduce(*sess, next)
		*sess = updated
		for _, fx := range effects {
			queue = append(queue, e.exec(ctx, ec, fx)...)
		}
	}

	if err := repo.UpsertSession(ctx, e.DB, sess); err != nil {
		return fmt.Errorf("engine: persist session: %w", err)
	}
	return nil
}

// classify maps a transport update to a reducer event plus its sender/chat.
func classify(upd *channel.Update) (Event, *channel.User, *channel.Chat) {
	switch {
	case upd.Message != nil && upd.Message.From != nil:
		m := upd.Message
		if m.Text == "/start" || (len(m.Text) > 6 && m.Text[:7] == "/start ") {
			return Started{}, m.From, &m.Chat
		}
		if m.Text == "" {
			return nil, nil, nil
		}
		return TextEntered{Text: m.Text}, m.From, &m.Chat

	case upd.CallbackQuery != nil:
		cb := upd.CallbackQuery
		var chat *channel.Chat
		if cb.Message != nil {
			chat = &cb.Message.Chat
		}
		return ButtonPressed{Data: cb.Data, CallbackID: cb.ID}, &cb.From, chat
	}
	return nil, nil, nil
}

// heartbeat writes last_seen at most once per throttle window per bot.
func (e *Engine) heartbeat(ctx context.Context, botID string) {
	now := e.now()
	e.hbMu.Lock()
	last, ok := e.hb[botID]
	if ok && now.Sub(last) < e.HeartbeatThrottle {
		e.hbMu.Unlock()
		return
	}
	e.hb[botID] = now
	e.hbMu.Unlock()

	if err := repo.TouchBotLastSeen(ctx, e.DB, botID, now); err != nil {
		e.Log.Warn().Err(err).Str("bot_id", botID).Msg("heartbeat write failed")
	}
}

// text resolves a settings-backed message for the bot.
func (e *Engine) text(ctx context.Context, bot *domain.Bot, key, fallback string) string {
	return e.Settings.Resolve(ctx, bot, key, fallback)
}

func (e *Engine) send(ctx context.Context, ec *evctx, text string, kb channel.Keyboard) int64 {
	var opts *channel.SendOptions
	if kb != nil {
		opts = &channel.SendOptions{Keyboard: kb}
	}
	id, err := ec.ch.SendText(ctx, ec.chatID, text, opts)
	if err != nil {
		e.Log.Error().Err(err).Str("bot_id", ec.bot.ID).Int64("chat_id", ec.chatID).Msg("send failed")
	}
	return id
}

// sendStep sends one conversation step. Each step has a text key plus
// optional image and display-mode keys; a configured image with a mode other
// than "text" goes out as a photo with the step text as caption, falling back
// to plain text when the photo send fails.
func (e *Engine) sendStep(ctx context.Context, ec *evctx, textKey, fallback string, kb channel.Keyboard) int64 {
	prefix := strings.TrimSuffix(strings.TrimSuffix(textKey, "_text"), "_message")
	text := e.text(ctx, ec.bot, textKey, fallback)
	image := e.text(ctx, ec.bot, prefix+"_image_url", "")
	mode := e.text(ctx, ec.bot, prefix+"_display_mode", "photo")

	if image != "" && mode != "text" {
		var opts *channel.SendOptions
		if kb != nil {
			opts = &channel.SendOptions{Keyboard: kb}
		}
		id, err := ec.ch.SendPhoto(ctx, ec.chatID, channel.Photo{URL: image}, text, opts)
		if err == nil {
			return id
		}
		e.Log.Warn().Err(err).Str("bot_id", ec.bot.ID).Str("step", textKey).Msg("step photo failed, sending text")
	}
	return e.send(ctx, ec, text, kb)
}

// decodeQR strips an optional data-URL prefix and decodes a provider's
// base64 QR image.
func decodeQR(s string) ([]byte, error) {
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

// exec performs one effect and returns any follow-up events.
func (e *Engine) exec(ctx context.Context, ec *evctx, fx Effect) []Event {
	switch f := fx.(type) {
	case Note:
		if err := repo.InsertBotLog(ctx, e.DB, ec.bot.ID, ec.userID, ec.sess.ChatID, f.Level, f.Message); err != nil {
			e.Log.Debug().Err(err).Msg("bot log insert failed")
		}

	case Ack:
		if f.CallbackID != "" {
			if err := ec.ch.AnswerCallback(ctx, f.CallbackID, f.Text); err != nil {
				e.Log.Debug().Err(err).Msg("answer callback failed")
			}
		}

	case ShowWelcome:
		label := e.text(ctx, ec.bot, "btn_start", "🎮 GARANTA SEU PASSE")
		e.sendStep(ctx, ec, "welcome_message", "Olá! Envie seu ID Free Fire para comprar seu passe.",
			channel.Keyboard{channel.Row(
				channel.Button{Text: label, CallbackData: CbStartFlow},
			)})

	case AskPlayerID:
		fallback := "Digite o ID da sua conta Free Fire:"
		if f.Retry {
			fallback = "Ok, digite o ID novamente:"
		}
		e.sendStep(ctx, ec, "ask_id_text", fallback, nil)

	case InvalidPlayerID:
		e.send(ctx, ec, "❌ ID inválido. Envie apenas números.", nil)

	case ConfirmPlayerID:
		yes := e.text(ctx, ec.bot, "btn_confirm_yes", "✅ Sim, Confirmar")
		no := e.text(ctx, ec.bot, "btn_confirm_no", "❌ Não, Digitar Novamente")
		e.sendStep(ctx, ec, "confirm_id_text", fmt.Sprintf("O ID enviado: %s\nEstá correto?", f.PlayerID),
			channel.Keyboard{channel.Row(
				channel.Button{Text: yes, CallbackData: CbConfirmYes},
				channel.Button{Text: no, CallbackData: CbConfirmNo},
			)})

	case AskHavePromo:
		yes := e.text(ctx, ec.bot, "btn_promo_yes", "🏷️ Sim, Tenho Código")
		no := e.text(ctx, ec.bot, "btn_promo_no", "➡️ Não, Prosseguir")
		e.sendStep(ctx, ec, "ask_promo_text", "Você possui um código promocional?",
			channel.Keyboard{channel.Row(
				channel.Button{Text: yes, CallbackData: CbPromoYes},
				channel.Button{Text: no, CallbackData: CbPromoNo},
			)})

	case AskPromoCode:
		e.sendStep(ctx, ec, "ask_promo_code_text", "Digite seu código promocional:", nil)

	case RedeemPromo:
		code := promo.NormalizeCode(f.Code)
		discount, err := e.Promo.Redeem(ctx, code)
		switch {
		case err == nil:
			return []Event{PromoAccepted{Code: code, DiscountCents: discount}}
		case errors.Is(err, promo.ErrNotFound), errors.Is(err, promo.ErrInactive),
			errors.Is(err, promo.ErrExpired), errors.Is(err, promo.ErrExhausted):
			return []Event{PromoRejected{Code: code, Reason: err.Error()}}
		default:
			e.Log.Error().Err(err).Str("code", code).Msg("promo redemption failed")
			return []Event{PromoRejected{Code: code, Reason: "internal error"}}
		}

	case PromoApplied:
		e.send(ctx, ec, fmt.Sprintf("✅ Código %s aplicado! Desconto de R$ %s.",
			f.Code, domain.FormatAmount(f.DiscountCents)), nil)

	case PromoInvalid:
		retry := e.text(ctx, ec.bot, "btn_retry_promo", "🔄 Tentar Novamente")
		skip := e.text(ctx, ec.bot, "btn_no_promo", "➡️ Sem Desconto")
		base := e.Settings.Price(ctx, ec.bot, e.DefaultPriceCents)
		e.send(ctx, ec, "Código inválido ou expirado.", channel.Keyboard{channel.Row(
			channel.Button{Text: retry, CallbackData: CbPromoYes},
			channel.Button{Text: fmt.Sprintf("%s (R$ %s)", skip, domain.FormatAmount(base)), CallbackData: CbPromoSkip},
		)})

	case CreateCharge:
		return e.createCharge(ctx, ec, f.DiscountCents)

	case ShowPayment:
		caption := fmt.Sprintf(
			"💰 Valor: R$ %s\n\n📋 Código Pix (clique para copiar):\n\n%s\n\n⚠️ Aviso: Cada conta Free Fire só pode adquirir 1 passe por mês através deste sistema.",
			domain.FormatAmount(f.AmountCents), f.PixCode)
		kb := channel.Keyboard{channel.Row(
			channel.Button{Text: "✅ Confirmar Pagamento", CallbackData: CbCheckPaid},
		)}
		var msgID int64
		if f.QRBase64 != "" {
			if data, err := decodeQR(f.QRBase64); err != nil {
				e.Log.Warn().Err(err).Str("tx_id", f.TxID).Msg("qr decode failed, sending text")
			} else if id, err := ec.ch.SendPhoto(ctx, ec.chatID, channel.Photo{Data: data}, caption, &channel.SendOptions{Keyboard: kb}); err != nil {
				e.Log.Warn().Err(err).Str("tx_id", f.TxID).Msg("qr photo failed, sending text")
			} else {
				msgID = id
			}
		}
		if msgID == 0 {
			msgID = e.send(ctx, ec, caption, kb)
		}
		if msgID != 0 {
			ec.sess.PaymentMessageID = msgID
			e.attachPaymentMessage(ctx, ec, f.TxID, msgID)
		}

	case ChargeError:
		e.send(ctx, ec, "❌ Erro na Geração do Pix\n\n"+f.Reason+"\n\nO erro foi registrado e o suporte foi avisado.", nil)

	case CheckPayment:
		if err := e.Recon.Reconcile(ctx, ec.bot, ec.ch, ec.userID, f.TxID); err != nil {
			e.Log.Error().Err(err).Str("bot_id", ec.bot.ID).Str("tx_id", f.TxID).Msg("reconcile failed")
			e.send(ctx, ec, "❌ Erro ao verificar. Tente novamente.", nil)
		}
	}
	return nil
}

// createCharge resolves the price, creates the provider charge and the order
// row, and reports the outcome as an event.
func (e *Engine) createCharge(ctx context.Context, ec *evctx, discountCents int64) []Event {
	base := e.Settings.Price(ctx, ec.bot, e.DefaultPriceCents)
	amount := domain.ApplyDiscount(base, discountCents)

	gw, err := e.Gateways.Pick(ctx)
	if err != nil {
		return []Event{ChargeFailed{Reason: err.Error()}}
	}

	callback := ""
	if e.PublicBaseURL != "" {
		callback = e.PublicBaseURL + "/webhooks/payment"
	}

	charge, err := gw.CreateCharge(ctx, amount, "Pass Booyah - ID: "+ec.sess.PlayerID, callback)
	if err != nil {
		if errors.Is(err, gateway.ErrNotConfigured) {
			return []Event{ChargeFailed{Reason: "pagamentos indisponíveis no momento"}}
		}
		e.Log.Error().Err(err).Str("provider", gw.Name()).Msg("charge creation failed")
		// Provider responses carry no credentials, so the message is safe to
		// show as-is; it tells the operator exactly what the provider said.
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) {
			return []Event{ChargeFailed{Reason: apiErr.Error()}}
		}
		return []Event{ChargeFailed{Reason: "falha ao gerar cobrança"}}
	}

	meta := domain.OrderMetadata{
		PlayerID:     ec.sess.PlayerID,
		ChatID:       ec.sess.ChatID,
		CustomerName: ec.name,
	}
	if _, err := repo.CreateOrder(ctx, e.DB, ec.bot.ID, ec.userID, amount, charge.TxID, meta); err != nil {
		e.Log.Error().Err(err).Str("tx_id", charge.TxID).Msg("order insert failed")
		return []Event{ChargeFailed{Reason: "falha ao registrar pedido"}}
	}

	return []Event{ChargeCreated{TxID: charge.TxID, PixCode: charge.PixCode, QRBase64: charge.QRBase64, AmountCents: amount}}
}

// attachPaymentMessage records the payment message id on the order so the
// orchestrator can replace the message when the webhook settles the charge.
func (e *Engine) attachPaymentMessage(ctx context.Context, ec *evctx, txID string, msgID int64) {
	order, err := repo.GetOrderByTxID(ctx, e.DB, txID)
	if err != nil {
		e.Log.Warn().Err(err).Str("tx_id", txID).Msg("order lookup for payment message failed")
		return
	}
	order.Metadata.PaymentMessageID = msgID
	order.Metadata.ChatID = ec.sess.ChatID
	if err := repo.UpdateOrderMetadata(ctx, e.DB, order.ID, order.Metadata); err != nil {
		e.Log.Warn().Err(err).Str("order_id", order.ID).Msg("payment message attach failed")
	}
}
