// Package gateway adapts external PIX payment providers behind one contract:
// create a charge, poll its status. Two providers are implemented, SyncPay
// (OAuth client-credential flow with a cached bearer token) and Mercado Pago
// (static access token). Provider choice is a runtime setting, resolved per
// charge, so an operator can switch providers without a restart.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured is returned when the selected provider is missing its
// credentials. Callers surface a friendly "payments unavailable" message
// instead of a stack trace.
var ErrNotConfigured = errors.New("gateway: provider credentials not configured")

// APIError is a non-2xx response from a provider, kept verbatim for logs.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Charge is a created PIX charge: the copy-paste code the buyer pays with
// and the provider's transaction identifier used for reconciliation.
// QRBase64 is the base64-encoded QR image when the provider returns one;
// empty means the buyer gets the copy-paste code only.
type Charge struct {
	TxID     string
	PixCode  string
	QRBase64 string
}

// Status is the result of one status poll.
type Status struct {
	Paid bool
	Raw  string // provider status string, verbatim
}

// Gateway is the provider contract. Implementations are safe for concurrent
// use; CreateCharge amounts are integer cents.
type Gateway interface {
	// Name returns the provider identifier ("syncpay", "mercadopago").
	Name() string

	// CreateCharge creates a PIX charge for amountCents with a human-readable
	// description. The provider notifies callbackURL when the charge settles;
	// an empty callbackURL disables the webhook and leaves only polling.
	CreateCharge(ctx context.Context, amountCents int64, description, callbackURL string) (*Charge, error)

	// CheckStatus polls the provider for the charge's current state.
	// Transient provider failures return an error; callers keep the order
	// pending and retry later rather than failing it.
	CheckStatus(ctx context.Context, txID string) (*Status, error)
}

// paidStatuses is the allow-list of provider statuses that count as settled.
// Everything else, including unknown strings, stays pending.
var paidStatuses = map[string]bool{
	"PAID":      true,
	"APPROVED":  true,
	"CONFIRMED": true,
	"COMPLETED": true,
	"SUCESSO":   true,
	"APROVADO":  true,
}

// IsPaidStatus reports whether a provider status string means "settled".
// Comparison is case-insensitive.
func IsPaidStatus(status string) bool {
	return paidStatuses[strings.ToUpper(strings.TrimSpace(status))]
}
