// Package engine implements the purchase conversation as a pure state
// machine. Reduce maps (session, event) to (session, effects) and touches no
// I/O; the Engine interpreter executes effects against the transport,
// settings, promo ledger, and payment gateway, feeding outcome events back
// through the reducer. Keeping transitions pure makes every path through the
// conversation testable without a database or network.
package engine

// Event is one input to the reducer: a user action arriving from the
// transport, or the outcome of an effect the interpreter executed.
type Event interface{ event() }

// Started is the /start command. Valid in every step: it abandons whatever
// was in progress and restarts the conversation.
type Started struct{}

// ButtonPressed is an inline keyboard press, carrying the callback data the
// button was created with.
type ButtonPressed struct {
	Data       string
	CallbackID string
}

// TextEntered is a free-text message.
type TextEntered struct{ Text string }

// PromoAccepted reports that the ledger redeemed a code.
type PromoAccepted struct {
	Code          string
	DiscountCents int64
}

// PromoRejected reports a failed redemption. Reason is one of the promo
// package's sentinel errors, stringified for purity.
type PromoRejected struct {
	Code   string
	Reason string
}

// ChargeCreated reports that the gateway issued a PIX charge and the order
// row exists. QRBase64 is the provider's QR image when one came back.
type ChargeCreated struct {
	TxID        string
	PixCode     string
	QRBase64    string
	AmountCents int64
}

// ChargeFailed reports that charge creation failed; the conversation stays
// where it was so the user can retry.
type ChargeFailed struct{ Reason string }

func (Started) event()       {}
func (ButtonPressed) event() {}
func (TextEntered) event()   {}
func (PromoAccepted) event() {}
func (PromoRejected) event() {}
func (ChargeCreated) event() {}
func (ChargeFailed) event()  {}

// Callback data values used on inline keyboards.
const (
	CbStartFlow  = "start_flow"
	CbConfirmYes = "confirm_id_yes"
	CbConfirmNo  = "confirm_id_no"
	CbPromoYes   = "ask_promo_yes"
	CbPromoNo    = "ask_promo_no"
	CbPromoSkip  = "promo_no"
	CbCheckPaid  = "check_payment"
)

// Effect is one side effect the interpreter must perform. Effects carry
// intent, not rendered text: wording, prices, and button labels come from
// settings at execution time.
type Effect interface{ effect() }

// ShowWelcome greets the user with the start button.
type ShowWelcome struct{}

// AskPlayerID prompts for the game account id. Retry marks the re-prompt
// after the user rejected the echoed id.
type AskPlayerID struct{ Retry bool }

// InvalidPlayerID tells the user the input was not numeric.
type InvalidPlayerID struct{ Input string }

// ConfirmPlayerID echoes the id back with yes/no buttons.
type ConfirmPlayerID struct{ PlayerID string }

// AskHavePromo asks whether the user holds a discount code.
type AskHavePromo struct{}

// AskPromoCode prompts for the code itself.
type AskPromoCode struct{}

// RedeemPromo instructs the interpreter to redeem through the ledger; the
// result returns as PromoAccepted or PromoRejected.
type RedeemPromo struct{ Code string }

// PromoApplied confirms a redeemed code to the user.
type PromoApplied struct {
	Code          string
	DiscountCents int64
}

// PromoInvalid tells the user the code was rejected, with retry/skip buttons.
type PromoInvalid struct{ Code string }

// CreateCharge instructs the interpreter to resolve the price, create the
// charge and order, and feed back ChargeCreated or ChargeFailed.
type CreateCharge struct{ DiscountCents int64 }

// ShowPayment presents the PIX code with the confirm-payment button, as a QR
// photo with caption when the provider supplied one.
type ShowPayment struct {
	TxID        string
	PixCode     string
	QRBase64    string
	AmountCents int64
}

// ChargeError tells the user charge creation failed.
type ChargeError struct{ Reason string }

// CheckPayment instructs the interpreter to reconcile the pending charge.
// TxID may be empty; the interpreter then falls back to the user's latest
// pending order.
type CheckPayment struct{ TxID string }

// Ack answers a callback query so the client stops its spinner.
type Ack struct {
	CallbackID string
	Text       string
}

// Note appends an operator-facing audit line.
type Note struct {
	Level   string
	Message string
}

func (ShowWelcome) effect()     {}
func (AskPlayerID) effect()     {}
func (InvalidPlayerID) effect() {}
func (ConfirmPlayerID) effect() {}
func (AskHavePromo) effect()    {}
func (AskPromoCode) effect()    {}
func (RedeemPromo) effect()     {}
func (PromoApplied) effect()    {}
func (PromoInvalid) effect()    {}
func (CreateCharge) effect()    {}
func (ShowPayment) effect()     {}
func (ChargeError) effect()     {}
func (CheckPayment) effect()    {}
func (Ack) effect()             {}
func (Note) effect()            {}
