// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the PromoCode
// model, including the atomic redemption used by the promo ledger.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/domain"
)

// GetPromoCode fetches a promo code by its (already normalized) code,
// or ErrNotFound.
func GetPromoCode(ctx context.Context, db *gorm.DB, code string) (*domain.PromoCode, error) {
	var p domain.PromoCode
	if err := db.WithContext(ctx).Where("code = ?", code).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// RedeemPromoCode consumes one use of a promo code in a single conditional
// UPDATE: the increment only lands when the code is active, unexpired, and
// under its usage cap at the moment the statement runs. Returns (true, nil)
// on success and (false, nil) when the predicate did not hold; the caller
// re-reads the row to classify why.
//
// Concurrent redeemers racing for the last use serialize on this statement,
// so UsedCount can never exceed MaxUses.
func RedeemPromoCode(ctx context.Context, db *gorm.DB, code string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(`
		UPDATE promo_codes
		   SET used_count = used_count + 1, updated_at = ?
		 WHERE code = ?
		   AND deleted_at IS NULL
		   AND is_active = ?
		   AND (expires_at IS NULL OR expires_at > ?)
		   AND (max_uses IS NULL OR used_count < max_uses)`,
		now.UTC(), code, true, now.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CreatePromoCode inserts a new promo code row.
func CreatePromoCode(ctx context.Context, db *gorm.DB, p *domain.PromoCode) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(p).Error
}
