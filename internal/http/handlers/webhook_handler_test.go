package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/passflow/go-bot-backend/internal/channel"
	"github.com/passflow/go-bot-backend/internal/manager"
	"github.com/passflow/go-bot-backend/internal/repo"
)

func init() { gin.SetMode(gin.TestMode) }

// fakeSettler records settlement calls.
type fakeSettler struct {
	txID      string
	paid      bool
	rawStatus string
	approved  []string
	err       error
}

func (f *fakeSettler) HandleWebhook(ctx context.Context, txID string, paid bool, rawStatus string) error {
	f.txID, f.paid, f.rawStatus = txID, paid, rawStatus
	return f.err
}

func (f *fakeSettler) Approve(ctx context.Context, orderID string) error {
	f.approved = append(f.approved, orderID)
	return f.err
}

// fakeDispatcher records dispatched updates.
type fakeDispatcher struct {
	botID string
	upd   *channel.Update
	err   error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, botID string, upd *channel.Update) error {
	f.botID, f.upd = botID, upd
	return f.err
}

func webhookRouter(settler Settler, dispatcher Dispatcher) *gin.Engine {
	r := gin.New()
	h := New(nil, nil, settler, dispatcher, nil)
	r.POST("/webhooks/payment", h.PaymentWebhook)
	r.POST("/webhooks/bot/:id", h.BotWebhook)
	return r
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestNormalizeWebhook(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		wantTx     string
		wantStatus string
	}{
		{"flat identifier", `{"identifier":"tx-1","status":"PAID"}`, "tx-1", "PAID"},
		{"id alias", `{"id":"tx-2","payment_status":"approved"}`, "tx-2", "approved"},
		{"txid alias", `{"txid":"tx-3","state":"pending"}`, "tx-3", "pending"},
		{"nested data", `{"data":{"external_id":"tx-4","status":"CONFIRMED"}}`, "tx-4", "CONFIRMED"},
		{"outer wins over nested", `{"status":"PAID","data":{"id":"tx-5","status":"pending"}}`, "tx-5", "PAID"},
		{"numeric id", `{"id":12345,"status":"approved"}`, "12345", "approved"},
		{"empty", `{}`, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx, status, err := normalizeWebhook([]byte(tc.body))
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if tx != tc.wantTx || status != tc.wantStatus {
				t.Fatalf("got (%q, %q), want (%q, %q)", tx, status, tc.wantTx, tc.wantStatus)
			}
		})
	}
}

func TestPaymentWebhook_PaidStatusSettles(t *testing.T) {
	settler := &fakeSettler{}
	r := webhookRouter(settler, &fakeDispatcher{})

	w := postJSON(r, "/webhooks/payment", `{"identifier":"tx-1","status":"APROVADO"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if settler.txID != "tx-1" || !settler.paid || settler.rawStatus != "APROVADO" {
		t.Fatalf("settler saw (%q, %v, %q)", settler.txID, settler.paid, settler.rawStatus)
	}
}

func TestPaymentWebhook_NonPaidStatusForwardedAsUnpaid(t *testing.T) {
	settler := &fakeSettler{}
	r := webhookRouter(settler, &fakeDispatcher{})

	w := postJSON(r, "/webhooks/payment", `{"id":"tx-2","status":"waiting_payment"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if settler.paid {
		t.Fatal("waiting_payment must not count as paid")
	}
}

func TestPaymentWebhook_MissingTxRejected(t *testing.T) {
	r := webhookRouter(&fakeSettler{}, &fakeDispatcher{})

	w := postJSON(r, "/webhooks/payment", `{"status":"PAID"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPaymentWebhook_UnknownTxIs404(t *testing.T) {
	r := webhookRouter(&fakeSettler{err: repo.ErrNotFound}, &fakeDispatcher{})

	w := postJSON(r, "/webhooks/payment", `{"id":"tx-x","status":"PAID"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestPaymentWebhook_MalformedBodyRejected(t *testing.T) {
	r := webhookRouter(&fakeSettler{}, &fakeDispatcher{})

	w := postJSON(r, "/webhooks/payment", `{broken`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestBotWebhook_DispatchesUpdate(t *testing.T) {
	d := &fakeDispatcher{}
	r := webhookRouter(&fakeSettler{}, d)

	w := postJSON(r, "/webhooks/bot/b1", `{"update_id":7,"message":{"message_id":1,"chat":{"id":5,"type":"private"},"text":"/start"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if d.botID != "b1" || d.upd == nil || d.upd.UpdateID != 7 {
		t.Fatalf("dispatch saw bot=%q upd=%+v", d.botID, d.upd)
	}
}

func TestBotWebhook_StoppedBotIs404(t *testing.T) {
	r := webhookRouter(&fakeSettler{}, &fakeDispatcher{err: manager.ErrNotRunning})

	w := postJSON(r, "/webhooks/bot/ghost", `{"update_id":1}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestBotWebhook_InvalidPayloadRejected(t *testing.T) {
	r := webhookRouter(&fakeSettler{}, &fakeDispatcher{})

	w := postJSON(r, "/webhooks/bot/b1", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
