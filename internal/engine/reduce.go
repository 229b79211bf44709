package engine

import (
	"fmt"
	"regexp"

	"github.com/passflow/go-bot-backend/internal/domain"
)

var playerIDPattern = regexp.MustCompile(`^\d+$`)

// Reduce applies one event to a session and returns the next session plus the
// effects to perform. It is pure: no I/O, no clock, no randomness. Callers
// persist the returned session with a whole-row upsert, so concurrent events
// on the same user resolve to whichever write lands last.
//
// Events that make no sense in the current step are dropped (button presses
// from stale keyboards ack silently); the conversation never errors, it just
// ignores what it cannot use.
func Reduce(s domain.Session, ev Event) (domain.Session, []Effect) {
	switch e := ev.(type) {
	case Started:
		// /start abandons any in-flight purchase and restarts.
		s.Step = domain.StepStart
		s.PlayerID = ""
		s.PromoCode = ""
		s.PendingTxID = ""
		s.PixCode = ""
		s.PaymentMessageID = 0
		return s, []Effect{
			Note{Level: "info", Message: "conversation started (/start)"},
			ShowWelcome{},
		}

	case ButtonPressed:
		return reduceButton(s, e)

	case TextEntered:
		return reduceText(s, e)

	case PromoAccepted:
		if s.Step != domain.StepWaitingPromo {
			return s, nil
		}
		s.PromoCode = e.Code
		return s, []Effect{
			Note{Level: "success", Message: fmt.Sprintf("promo code %s accepted", e.Code)},
			PromoApplied{Code: e.Code, DiscountCents: e.DiscountCents},
			CreateCharge{DiscountCents: e.DiscountCents},
		}

	case PromoRejected:
		if s.Step != domain.StepWaitingPromo {
			return s, nil
		}
		return s, []Effect{
			Note{Level: "warning", Message: fmt.Sprintf("promo code %s rejected: %s", e.Code, e.Reason)},
			PromoInvalid{Code: e.Code},
		}

	case ChargeCreated:
		s.Step = domain.StepPaymentPending
		s.PendingTxID = e.TxID
		s.PixCode = e.PixCode
		return s, []Effect{
			Note{Level: "info", Message: fmt.Sprintf("pix charge created: %s", e.TxID)},
			ShowPayment{TxID: e.TxID, PixCode: e.PixCode, QRBase64: e.QRBase64, AmountCents: e.AmountCents},
		}

	case ChargeFailed:
		// Step unchanged: the user can press the same button again.
		return s, []Effect{
			Note{Level: "error", Message: "charge creation failed: " + e.Reason},
			ChargeError{Reason: e.Reason},
		}
	}
	return s, nil
}

func reduceButton(s domain.Session, e ButtonPressed) (domain.Session, []Effect) {
	ack := Ack{CallbackID: e.CallbackID}

	switch e.Data {
	case CbStartFlow:
		s.Step = domain.StepWaitingID
		return s, []Effect{ack, AskPlayerID{}}

	case CbConfirmYes:
		if s.Step != domain.StepConfirmID {
			return s, []Effect{ack}
		}
		s.Step = domain.StepAskPromo
		return s, []Effect{ack, AskHavePromo{}}

	case CbConfirmNo:
		if s.Step != domain.StepConfirmID {
			return s, []Effect{ack}
		}
		s.Step = domain.StepWaitingID
		s.PlayerID = ""
		return s, []Effect{ack, AskPlayerID{Retry: true}}

	case CbPromoYes:
		// Reached from ASK_PROMO or from the retry button on an invalid code.
		if s.Step != domain.StepAskPromo && s.Step != domain.StepWaitingPromo {
			return s, []Effect{ack}
		}
		s.Step = domain.StepWaitingPromo
		return s, []Effect{ack, AskPromoCode{}}

	case CbPromoNo:
		if s.Step != domain.StepAskPromo {
			return s, []Effect{ack}
		}
		return s, []Effect{ack, CreateCharge{}}

	case CbPromoSkip:
		// Skip after an invalid code.
		if s.Step != domain.StepWaitingPromo {
			return s, []Effect{ack}
		}
		return s, []Effect{ack, CreateCharge{}}

	case CbCheckPaid:
		// Honored regardless of step: the button outlives the session when a
		// webhook or another device completed the purchase first.
		ack.Text = "⏳ Verificando..."
		return s, []Effect{ack, CheckPayment{TxID: s.PendingTxID}}
	}

	return s, []Effect{ack}
}

func reduceText(s domain.Session, e TextEntered) (domain.Session, []Effect) {
	switch s.Step {
	case domain.StepWaitingID:
		if !playerIDPattern.MatchString(e.Text) {
			return s, []Effect{
				Note{Level: "warning", Message: "invalid player id: " + e.Text},
				InvalidPlayerID{Input: e.Text},
			}
		}
		s.Step = domain.StepConfirmID
		s.PlayerID = e.Text
		return s, []Effect{
			Note{Level: "info", Message: "player id entered: " + e.Text},
			ConfirmPlayerID{PlayerID: e.Text},
		}

	case domain.StepWaitingPromo:
		return s, []Effect{
			Note{Level: "info", Message: "promo code entered: " + e.Text},
			RedeemPromo{Code: e.Text},
		}
	}

	// Free text outside an input step is ignored.
	return s, nil
}
