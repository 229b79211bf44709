package engine

import (
	"testing"

	"github.com/passflow/go-bot-backend/internal/domain"
)

func hasEffect[T Effect](effects []Effect) bool {
	for _, fx := range effects {
		if _, ok := fx.(T); ok {
			return true
		}
	}
	return false
}

func findEffect[T Effect](t *testing.T, effects []Effect) T {
	t.Helper()
	for _, fx := range effects {
		if v, ok := fx.(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("effect %T not found in %+v", zero, effects)
	return zero
}

func TestReduce_StartResetsSession(t *testing.T) {
	s := domain.Session{
		UserID: "u1", Step: domain.StepPaymentPending,
		PlayerID: "123", PromoCode: "X", PendingTxID: "tx", PixCode: "pix", PaymentMessageID: 9,
	}

	next, effects := Reduce(s, Started{})
	if next.Step != domain.StepStart {
		t.Fatalf("step = %s, want START", next.Step)
	}
	if next.PlayerID != "" || next.PromoCode != "" || next.PendingTxID != "" ||
		next.PixCode != "" || next.PaymentMessageID != 0 {
		t.Fatalf("scratch state must be cleared: %+v", next)
	}
	if !hasEffect[ShowWelcome](effects) {
		t.Fatalf("expected ShowWelcome, got %+v", effects)
	}
}

func TestReduce_HappyPathToPaymentPending(t *testing.T) {
	s := domain.Session{UserID: "u1", Step: domain.StepStart}

	// start_flow → WAITING_ID
	s, effects := Reduce(s, ButtonPressed{Data: CbStartFlow, CallbackID: "cb1"})
	if s.Step != domain.StepWaitingID || !hasEffect[AskPlayerID](effects) {
		t.Fatalf("after start_flow: step=%s effects=%+v", s.Step, effects)
	}

	// numeric id → CONFIRM_ID
	s, effects = Reduce(s, TextEntered{Text: "12345678"})
	if s.Step != domain.StepConfirmID || s.PlayerID != "12345678" {
		t.Fatalf("after id: %+v", s)
	}
	if findEffect[ConfirmPlayerID](t, effects).PlayerID != "12345678" {
		t.Fatal("ConfirmPlayerID must echo the id")
	}

	// yes → ASK_PROMO
	s, effects = Reduce(s, ButtonPressed{Data: CbConfirmYes, CallbackID: "cb2"})
	if s.Step != domain.StepAskPromo || !hasEffect[AskHavePromo](effects) {
		t.Fatalf("after confirm: step=%s", s.Step)
	}

	// no promo → charge with zero discount
	s, effects = Reduce(s, ButtonPressed{Data: CbPromoNo, CallbackID: "cb3"})
	if s.Step != domain.StepAskPromo {
		t.Fatalf("step must not change until the charge exists, got %s", s.Step)
	}
	if findEffect[CreateCharge](t, effects).DiscountCents != 0 {
		t.Fatal("skip promo must charge full price")
	}

	// charge created → PAYMENT_PENDING
	s, effects = Reduce(s, ChargeCreated{TxID: "tx-1", PixCode: "pix", AmountCents: 800})
	if s.Step != domain.StepPaymentPending || s.PendingTxID != "tx-1" || s.PixCode != "pix" {
		t.Fatalf("after charge: %+v", s)
	}
	show := findEffect[ShowPayment](t, effects)
	if show.TxID != "tx-1" || show.AmountCents != 800 {
		t.Fatalf("unexpected ShowPayment: %+v", show)
	}
}

func TestReduce_InvalidPlayerIDStaysPut(t *testing.T) {
	s := domain.Session{Step: domain.StepWaitingID}

	for _, input := range []string{"abc", "12a45", "", " 123", "12 34"} {
		next, effects := Reduce(s, TextEntered{Text: input})
		if next.Step != domain.StepWaitingID {
			t.Fatalf("input %q: step = %s, want WAITING_ID", input, next.Step)
		}
		if input != "" && !hasEffect[InvalidPlayerID](effects) {
			t.Fatalf("input %q: expected InvalidPlayerID, got %+v", input, effects)
		}
	}
}

func TestReduce_ConfirmNoLoopsBack(t *testing.T) {
	s := domain.Session{Step: domain.StepConfirmID, PlayerID: "123"}

	next, effects := Reduce(s, ButtonPressed{Data: CbConfirmNo, CallbackID: "cb"})
	if next.Step != domain.StepWaitingID || next.PlayerID != "" {
		t.Fatalf("confirm-no must loop back and clear the id: %+v", next)
	}
	if !findEffect[AskPlayerID](t, effects).Retry {
		t.Fatal("re-prompt must carry the retry wording")
	}
}

func TestReduce_PromoFlow(t *testing.T) {
	s := domain.Session{Step: domain.StepAskPromo, PlayerID: "123"}

	// wants promo → WAITING_PROMO
	s, _ = Reduce(s, ButtonPressed{Data: CbPromoYes, CallbackID: "cb"})
	if s.Step != domain.StepWaitingPromo {
		t.Fatalf("step = %s, want WAITING_PROMO", s.Step)
	}

	// code entered → redeem effect, no transition yet
	s, effects := Reduce(s, TextEntered{Text: "freefire"})
	if s.Step != domain.StepWaitingPromo {
		t.Fatalf("step must hold until the ledger answers, got %s", s.Step)
	}
	if findEffect[RedeemPromo](t, effects).Code != "freefire" {
		t.Fatal("RedeemPromo must carry the raw input")
	}

	// rejected → invalid reply with retry buttons, step holds
	s, effects = Reduce(s, PromoRejected{Code: "FREEFIRE", Reason: "promo: code not found"})
	if s.Step != domain.StepWaitingPromo || !hasEffect[PromoInvalid](effects) {
		t.Fatalf("after rejection: step=%s effects=%+v", s.Step, effects)
	}

	// retry button from the invalid reply re-prompts
	s, effects = Reduce(s, ButtonPressed{Data: CbPromoYes, CallbackID: "cb"})
	if s.Step != domain.StepWaitingPromo || !hasEffect[AskPromoCode](effects) {
		t.Fatalf("retry: step=%s", s.Step)
	}

	// accepted → apply + charge with discount
	s, effects = Reduce(s, PromoAccepted{Code: "FREEFIRE", DiscountCents: 200})
	if s.PromoCode != "FREEFIRE" {
		t.Fatalf("promo code not recorded: %+v", s)
	}
	if findEffect[CreateCharge](t, effects).DiscountCents != 200 {
		t.Fatal("charge must carry the discount")
	}
}

func TestReduce_PromoSkipAfterInvalid(t *testing.T) {
	s := domain.Session{Step: domain.StepWaitingPromo, PlayerID: "123"}

	next, effects := Reduce(s, ButtonPressed{Data: CbPromoSkip, CallbackID: "cb"})
	if next.Step != domain.StepWaitingPromo {
		t.Fatalf("step = %s", next.Step)
	}
	if findEffect[CreateCharge](t, effects).DiscountCents != 0 {
		t.Fatal("skip must charge full price")
	}
}

func TestReduce_ChargeFailedKeepsStep(t *testing.T) {
	s := domain.Session{Step: domain.StepAskPromo, PlayerID: "123"}

	next, effects := Reduce(s, ChargeFailed{Reason: "gateway down"})
	if next.Step != domain.StepAskPromo {
		t.Fatalf("step = %s, want ASK_PROMO", next.Step)
	}
	if !hasEffect[ChargeError](effects) {
		t.Fatalf("expected ChargeError, got %+v", effects)
	}
}

func TestReduce_StaleButtonsAckOnly(t *testing.T) {
	cases := []struct {
		step domain.Step
		data string
	}{
		{domain.StepStart, CbConfirmYes},
		{domain.StepWaitingID, CbPromoYes},
		{domain.StepPaymentPending, CbPromoNo},
		{domain.StepCompleted, CbConfirmNo},
		{domain.StepStart, "unknown_data"},
	}
	for _, tc := range cases {
		s := domain.Session{Step: tc.step}
		next, effects := Reduce(s, ButtonPressed{Data: tc.data, CallbackID: "cb"})
		if next.Step != tc.step {
			t.Errorf("%s/%s: step changed to %s", tc.step, tc.data, next.Step)
		}
		if len(effects) != 1 || !hasEffect[Ack](effects) {
			t.Errorf("%s/%s: stale button must only ack, got %+v", tc.step, tc.data, effects)
		}
	}
}

func TestReduce_CheckPaymentHonoredInAnyStep(t *testing.T) {
	for _, step := range []domain.Step{domain.StepPaymentPending, domain.StepCompleted, domain.StepStart} {
		s := domain.Session{Step: step, PendingTxID: "tx-9"}
		_, effects := Reduce(s, ButtonPressed{Data: CbCheckPaid, CallbackID: "cb"})
		if findEffect[CheckPayment](t, effects).TxID != "tx-9" {
			t.Errorf("step %s: CheckPayment must carry the session tx", step)
		}
	}
}

func TestReduce_DoubleTapIsIdempotent(t *testing.T) {
	s := domain.Session{Step: domain.StepConfirmID, PlayerID: "123"}

	first, _ := Reduce(s, ButtonPressed{Data: CbConfirmYes, CallbackID: "cb1"})
	// The second tap reduces against the already-advanced session and must
	// only ack.
	second, effects := Reduce(first, ButtonPressed{Data: CbConfirmYes, CallbackID: "cb2"})
	if second.Step != domain.StepAskPromo {
		t.Fatalf("step = %s, want ASK_PROMO", second.Step)
	}
	if len(effects) != 1 || !hasEffect[Ack](effects) {
		t.Fatalf("double tap must only ack, got %+v", effects)
	}
}

func TestReduce_FreeTextOutsideInputStepsIgnored(t *testing.T) {
	for _, step := range []domain.Step{domain.StepStart, domain.StepConfirmID, domain.StepAskPromo, domain.StepPaymentPending, domain.StepCompleted} {
		s := domain.Session{Step: step}
		next, effects := Reduce(s, TextEntered{Text: "hello"})
		if next.Step != step || len(effects) != 0 {
			t.Errorf("step %s: free text must be ignored, got step=%s effects=%+v", step, next.Step, effects)
		}
	}
}
