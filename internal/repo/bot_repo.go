// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Bot and
// BotLog models.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/passflow/go-bot-backend/internal/domain"
)

// GetBot fetches a bot by ID, or ErrNotFound if missing.
func GetBot(ctx context.Context, db *gorm.DB, id string) (*domain.Bot, error) {
	var b domain.Bot
	if err := db.WithContext(ctx).Where("id = ?", id).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBots returns all bots ordered by creation time descending.
func ListBots(ctx context.Context, db *gorm.DB) ([]domain.Bot, error) {
	var out []domain.Bot
	err := db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

// ListActiveBots returns the bots persisted as active; Sync uses this set to
// reconcile the in-process registry after a restart.
func ListActiveBots(ctx context.Context, db *gorm.DB) ([]domain.Bot, error) {
	var out []domain.Bot
	err := db.WithContext(ctx).
		Where("status = ?", domain.BotActive).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// UpdateBotStatus persists a bot's lifecycle status.
// Returns ErrNotFound if the bot does not exist.
func UpdateBotStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).Model(&domain.Bot{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchBotLastSeen writes the heartbeat timestamp. Callers throttle; this
// function always writes.
func TouchBotLastSeen(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.Bot{}).
		Where("id = ?", id).
		Update("last_seen_at", at.UTC()).Error
}

// InsertBotLog appends an operator-facing audit line. Best effort: callers
// log and drop the error rather than failing the event that produced it.
func InsertBotLog(ctx context.Context, db *gorm.DB, botID, userID, chatID, level, message string) error {
	l := &domain.BotLog{
		BotID:     botID,
		UserID:    userID,
		ChatID:    chatID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(l).Error
}

// CountBotLogs returns the number of log lines for a bot.
func CountBotLogs(ctx context.Context, db *gorm.DB, botID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.BotLog{}).
		Where("bot_id = ?", botID).Count(&total).Error
	return total, err
}

// ListBotLogsPage returns a paginated slice of log lines, newest first.
func ListBotLogsPage(ctx context.Context, db *gorm.DB, botID string, offset, limit int) ([]domain.BotLog, error) {
	var out []domain.BotLog
	err := db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("created_at DESC, id DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, err
}
