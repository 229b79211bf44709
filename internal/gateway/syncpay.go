package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/passflow/go-bot-backend/internal/domain"
)

// SyncPayBaseURL is the production partner API root.
const SyncPayBaseURL = "https://api.syncpayments.com.br/api/partner/v1"

// CredentialSource supplies the client id/secret pair at call time, so
// credential rotation in the settings panel takes effect without a restart.
type CredentialSource func(ctx context.Context) (clientID, clientSecret string, err error)

// SyncPay implements Gateway against the SyncPay partner API. Charges are
// authenticated with a bearer token obtained from the client-credential
// endpoint; the token is cached and refreshed ahead of expiry.
type SyncPay struct {
	baseURL      string
	client       *http.Client
	creds        CredentialSource
	safetyMargin time.Duration
	log          zerolog.Logger
	now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewSyncPay builds a SyncPay adapter. safetyMargin is how long before the
// token's declared expiry a refresh is forced; the default elsewhere is five
// minutes, which keeps a token from expiring mid-request.
func NewSyncPay(baseURL string, timeout, safetyMargin time.Duration, creds CredentialSource, log zerolog.Logger) *SyncPay {
	return &SyncPay{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		creds:        creds,
		safetyMargin: safetyMargin,
		log:          log,
		now:          time.Now,
	}
}

// Name implements Gateway.
func (s *SyncPay) Name() string { return "syncpay" }

type syncPayAuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// bearer returns a valid token, refreshing when the cached one is within the
// safety margin of expiry. Concurrent callers serialize on the mutex so only
// one refresh is in flight.
func (s *SyncPay) bearer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.tokenExpiry.Sub(s.now()) > s.safetyMargin {
		return s.token, nil
	}

	clientID, clientSecret, err := s.creds(ctx)
	if err != nil {
		return "", err
	}
	if clientID == "" || clientSecret == "" {
		return "", ErrNotConfigured
	}

	body, _ := json.Marshal(map[string]string{
		"client_id":     clientID,
		"client_secret": clientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth-token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("syncpay auth: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Provider: "syncpay", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var auth syncPayAuthResponse
	if err := json.Unmarshal(raw, &auth); err != nil {
		return "", fmt.Errorf("syncpay auth: decode: %w", err)
	}
	if auth.AccessToken == "" {
		return "", fmt.Errorf("syncpay auth: empty access_token")
	}

	expiresIn := auth.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	s.token = auth.AccessToken
	s.tokenExpiry = s.now().Add(time.Duration(expiresIn) * time.Second)
	s.log.Debug().Time("expiry", s.tokenExpiry).Msg("syncpay token refreshed")
	return s.token, nil
}

type syncPayChargeResponse struct {
	Identifier   string `json:"identifier"`
	ID           string `json:"id"`
	PixCode      string `json:"pix_code"`
	QRCode       string `json:"qr_code"`
	QRCodeBase64 string `json:"qr_code_base64"`
}

// CreateCharge implements Gateway. POST /cash-in with a float BRL amount.
func (s *SyncPay) CreateCharge(ctx context.Context, amountCents int64, description, callbackURL string) (*Charge, error) {
	token, err := s.bearer(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"amount":      domain.AmountToFloat(amountCents),
		"description": description,
	}
	if callbackURL != "" {
		payload["webhook_url"] = callbackURL
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/cash-in", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("syncpay cash-in: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Provider: "syncpay", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out syncPayChargeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("syncpay cash-in: decode: %w", err)
	}

	txID := out.Identifier
	if txID == "" {
		txID = out.ID
	}
	pix := out.PixCode
	if pix == "" {
		pix = out.QRCode
	}
	if txID == "" || pix == "" {
		return nil, fmt.Errorf("syncpay cash-in: response missing identifier or pix code")
	}
	return &Charge{TxID: txID, PixCode: pix, QRBase64: out.QRCodeBase64}, nil
}

// CheckStatus implements Gateway. GET /cash-in/{id}.
func (s *SyncPay) CheckStatus(ctx context.Context, txID string) (*Status, error) {
	token, err := s.bearer(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/cash-in/"+txID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("syncpay status: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "syncpay", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("syncpay status: decode: %w", err)
	}
	return &Status{Paid: IsPaidStatus(out.Status), Raw: out.Status}, nil
}
