// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Setting
// model.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/passflow/go-bot-backend/internal/domain"
)

// GetSetting fetches a global setting value by key, or ErrNotFound.
func GetSetting(ctx context.Context, db *gorm.DB, key string) (string, error) {
	var s domain.Setting
	if err := db.WithContext(ctx).Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

// PutSetting inserts or overwrites a global setting.
func PutSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	s := &domain.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(s).Error
}
