package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/passflow/go-bot-backend/internal/domain"
)

// MercadoPagoBaseURL is the production API root.
const MercadoPagoBaseURL = "https://api.mercadopago.com"

// TokenSource supplies the access token at call time.
type TokenSource func(ctx context.Context) (string, error)

// MercadoPago implements Gateway against the Mercado Pago payments API.
// Authentication is a long-lived access token; every charge carries a fresh
// idempotency key so provider-side retries never double-create.
type MercadoPago struct {
	baseURL string
	client  *http.Client
	token   TokenSource
	log     zerolog.Logger
}

// NewMercadoPago builds a Mercado Pago adapter.
func NewMercadoPago(baseURL string, timeout time.Duration, token TokenSource, log zerolog.Logger) *MercadoPago {
	return &MercadoPago{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		token:   token,
		log:     log,
	}
}

// Name implements Gateway.
func (m *MercadoPago) Name() string { return "mercadopago" }

type mpChargeResponse struct {
	ID                 json.Number `json:"id"`
	Status             string      `json:"status"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

// CreateCharge implements Gateway. POST /v1/payments with payment_method_id
// "pix"; the PIX copy-paste code comes back under point_of_interaction.
func (m *MercadoPago) CreateCharge(ctx context.Context, amountCents int64, description, callbackURL string) (*Charge, error) {
	token, err := m.token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNotConfigured
	}

	payload := map[string]any{
		"transaction_amount": domain.AmountToFloat(amountCents),
		"description":        description,
		"payment_method_id":  "pix",
		"payer": map[string]any{
			"email":      "customer@example.com",
			"first_name": "Cliente",
			"identification": map[string]string{
				"type":   "CPF",
				"number": "00000000000",
			},
		},
	}
	if callbackURL != "" {
		payload["notification_url"] = callbackURL
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", uuid.NewString())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mercadopago create: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Provider: "mercadopago", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out mpChargeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("mercadopago create: decode: %w", err)
	}

	txID := out.ID.String()
	pix := out.PointOfInteraction.TransactionData.QRCode
	if txID == "" || pix == "" {
		return nil, fmt.Errorf("mercadopago create: response missing id or pix code")
	}
	return &Charge{TxID: txID, PixCode: pix, QRBase64: out.PointOfInteraction.TransactionData.QRCodeBase64}, nil
}

// CheckStatus implements Gateway. Mercado Pago's settled status is the
// lowercase "approved"; IsPaidStatus covers it via its case-insensitive
// APPROVED entry.
func (m *MercadoPago) CheckStatus(ctx context.Context, txID string) (*Status, error) {
	token, err := m.token(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/v1/payments/"+txID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mercadopago status: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "mercadopago", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("mercadopago status: decode: %w", err)
	}
	return &Status{Paid: strings.EqualFold(out.Status, "approved"), Raw: out.Status}, nil
}
