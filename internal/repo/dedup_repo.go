// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// DedupRecord model (the at-most-once delivery ledger).
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/dkarpov/go-sales-bridge/internal/domain"
)

// InsertDedupRecord persists a new ledger entry. It returns ErrDuplicate
// when the (channel_id, message_id) identity is already recorded.
func InsertDedupRecord(ctx context.Context, db *gorm.DB, r *domain.DedupRecord) error {
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetDedupRecord fetches one ledger entry by identity, or ErrNotFound.
func GetDedupRecord(ctx context.Context, db *gorm.DB, channelID int64, messageID string) (*domain.DedupRecord, error) {
	var r domain.DedupRecord
	err := db.WithContext(ctx).
		First(&r, "channel_id = ? AND message_id = ?", channelID, messageID).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListDedupRecords returns the full ledger. Used once at startup to warm
// the in-memory index.
func ListDedupRecords(ctx context.Context, db *gorm.DB) ([]domain.DedupRecord, error) {
	var out []domain.DedupRecord
	err := db.WithContext(ctx).Find(&out).Error
	return out, err
}

// MarkDedupDelivered sets the delivered-to-platform flag. The flag only
// transitions false -> true; marking an already delivered record is a no-op.
// Returns ErrNotFound when no row matches the identity.
func MarkDedupDelivered(ctx context.Context, db *gorm.DB, channelID int64, messageID string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.DedupRecord{}).
		Where("channel_id = ? AND message_id = ?", channelID, messageID).
		Updates(map[string]any{"delivered": true, "delivered_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDedupStored sets the persisted-for-audit flag, false -> true only.
// Returns ErrNotFound when no row matches the identity.
func MarkDedupStored(ctx context.Context, db *gorm.DB, channelID int64, messageID string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.DedupRecord{}).
		Where("channel_id = ? AND message_id = ?", channelID, messageID).
		Updates(map[string]any{"stored": true, "stored_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountDedupRecords returns the total ledger size.
func CountDedupRecords(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.DedupRecord{}).Count(&total).Error
	return total, err
}
