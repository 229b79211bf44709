// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Session model.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/passflow/go-bot-backend/internal/domain"
)

// GetSession returns the conversation session for a user, or a fresh START
// session when none exists yet. The fresh session is not persisted; the first
// UpsertSession does that.
func GetSession(ctx context.Context, db *gorm.DB, botID, userID string) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.Session{UserID: userID, BotID: botID, Step: domain.StepStart}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSession writes the whole session row, inserting or overwriting by
// user id. Last write wins: concurrent events on the same user resolve to
// whichever handler finished last, matching the engine's contract.
func UpsertSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	s.UpdatedAt = time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(s).Error
}

// ResetSession moves a session back to START, clearing conversation scratch
// state but keeping the row.
func ResetSession(ctx context.Context, db *gorm.DB, userID string) error {
	return db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"step":               domain.StepStart,
			"player_id":          "",
			"promo_code":         "",
			"pending_tx_id":      "",
			"pix_code":           "",
			"payment_message_id": 0,
			"updated_at":         time.Now().UTC(),
		}).Error
}
