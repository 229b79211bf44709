// Package promo implements discount code redemption. Validation and
// consumption are one atomic step: the ledger's conditional increment either
// redeems a use or it does not, and a failed increment is re-read to tell the
// user why. There is no validate-then-redeem window for two users to slip
// through.
package promo

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/domain"
	"github.com/passflow/go-bot-backend/internal/repo"
)

// Rejection reasons, mapped to user-facing replies by the engine.
var (
	ErrNotFound  = errors.New("promo: code not found")
	ErrInactive  = errors.New("promo: code disabled")
	ErrExpired   = errors.New("promo: code expired")
	ErrExhausted = errors.New("promo: code fully used")
)

var upper = cases.Upper(language.Und)

// NormalizeCode canonicalizes user input to the stored form: trimmed and
// uppercased. "freefire " and "FREEFIRE" are the same code.
func NormalizeCode(code string) string {
	return upper.String(strings.TrimSpace(code))
}

// Ledger redeems promo codes against the database.
type Ledger struct {
	DB *gorm.DB

	// Now is injectable for expiry tests.
	Now func() time.Time
}

// NewLedger constructs a Ledger.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db, Now: time.Now}
}

// Redeem consumes one use of the code and returns the discount in cents.
// On failure it returns one of the sentinel errors above; any other error is
// a database failure. Redemption is not compensated: a buyer who redeems a
// code and then abandons payment has spent that use.
func (l *Ledger) Redeem(ctx context.Context, code string) (int64, error) {
	code = NormalizeCode(code)
	if code == "" {
		return 0, ErrNotFound
	}
	now := l.Now()

	ok, err := repo.RedeemPromoCode(ctx, l.DB, code, now)
	if err != nil {
		return 0, err
	}
	if ok {
		p, err := repo.GetPromoCode(ctx, l.DB, code)
		if err != nil {
			return 0, err
		}
		return p.DiscountCents, nil
	}

	// The increment did not land. Re-read to classify the rejection; the row
	// may have changed since, but any answer we give was true at some point
	// during the call.
	p, err := repo.GetPromoCode(ctx, l.DB, code)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	switch {
	case !p.IsActive:
		return 0, ErrInactive
	case p.ExpiresAt != nil && !now.Before(*p.ExpiresAt):
		return 0, ErrExpired
	case p.MaxUses != nil && p.UsedCount >= *p.MaxUses:
		return 0, ErrExhausted
	default:
		// Raced with a concurrent state change that no longer holds.
		return 0, ErrNotFound
	}
}

// Peek reports the discount a code would grant without consuming a use,
// classifying unusable codes with the same sentinel errors as Redeem.
// Used by the operator API, never by the purchase flow.
func (l *Ledger) Peek(ctx context.Context, code string) (int64, error) {
	code = NormalizeCode(code)
	p, err := repo.GetPromoCode(ctx, l.DB, code)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	now := l.Now()
	switch {
	case !p.IsActive:
		return 0, ErrInactive
	case p.ExpiresAt != nil && !now.Before(*p.ExpiresAt):
		return 0, ErrExpired
	case p.MaxUses != nil && p.UsedCount >= *p.MaxUses:
		return 0, ErrExhausted
	}
	return p.DiscountCents, nil
}

// Create registers a new code in canonical form.
func (l *Ledger) Create(ctx context.Context, code string, discountCents int64, maxUses *int64, expiresAt *time.Time) error {
	return repo.CreatePromoCode(ctx, l.DB, &domain.PromoCode{
		Code:          NormalizeCode(code),
		DiscountCents: discountCents,
		IsActive:      true,
		MaxUses:       maxUses,
		ExpiresAt:     expiresAt,
	})
}
