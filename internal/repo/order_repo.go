// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Order model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When an order is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// The two conditional updates, UpdateOrderStatusIf and MarkOrderDelivered,
// carry the at-most-once reconciliation guarantee: whichever caller's UPDATE
// matches the expected current status wins, every other caller observes
// RowsAffected == 0 and backs off. No advisory locks, no SELECT FOR UPDATE.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateOrder inserts a new pending order for the given transaction.
// The order ID is a randomly generated UUID, CreatedAt is set to UTC.
func CreateOrder(ctx context.Context, db *gorm.DB, botID, userID string, amountCents int64, externalTxID string, meta domain.OrderMetadata) (*domain.Order, error) {
	o := &domain.Order{
		ID:           uuid.NewString(),
		BotID:        botID,
		UserID:       userID,
		AmountCents:  amountCents,
		Status:       domain.OrderPending,
		ExternalTxID: externalTxID,
		Metadata:     meta,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(o).Error; err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrder fetches an order by primary key, or ErrNotFound if missing.
func GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderByTxID fetches an order by its gateway transaction identifier,
// or ErrNotFound if missing.
func GetOrderByTxID(ctx context.Context, db *gorm.DB, externalTxID string) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).Where("external_tx_id = ?", externalTxID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// LatestPendingOrder returns the newest pending order for a user on a bot,
// or ErrNotFound. Used by the manual "check payment" button, which does not
// carry the transaction id.
func LatestPendingOrder(ctx context.Context, db *gorm.DB, botID, userID string) (*domain.Order, error) {
	var o domain.Order
	err := db.WithContext(ctx).
		Where("bot_id = ? AND user_id = ? AND status = ?", botID, userID, domain.OrderPending).
		Order("created_at DESC, id DESC").
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrderStatusIf advances an order's status only when its current status
// matches the expected one. Returns (true, nil) when this caller performed
// the transition, (false, nil) when another caller already moved the order
// past the expected status.
func UpdateOrderStatusIf(ctx context.Context, db *gorm.DB, id, from, to string) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkOrderDelivered records the fulfillment result and advances
// paid → delivered in one conditional write. Returns (false, nil) when the
// order was not in the paid state, which means another worker delivered it.
func MarkOrderDelivered(ctx context.Context, db *gorm.DB, id string, meta domain.OrderMetadata) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status = ?", id, domain.OrderPaid).
		Updates(map[string]any{
			"status":     domain.OrderDelivered,
			"metadata":   meta,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateOrderMetadata replaces the metadata payload without touching status.
// Returns ErrNotFound if the order does not exist.
func UpdateOrderMetadata(ctx context.Context, db *gorm.DB, id string, meta domain.OrderMetadata) error {
	res := db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ?", id).
		Updates(map[string]any{"metadata": meta, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOrders returns the number of orders, optionally filtered by status.
func CountOrders(ctx context.Context, db *gorm.DB, status string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Order{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&total).Error
	return total, err
}

// ListOrdersPage returns a paginated slice ordered newest first
// (CreatedAt DESC, ID DESC), optionally filtered by status.
func ListOrdersPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.Order, error) {
	var out []domain.Order
	q := db.WithContext(ctx).Order("created_at DESC, id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}
