// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// ThreadEntry model (the purchase -> thread routing table).
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/dkarpov/go-sales-bridge/internal/domain"
)

// InsertThreadEntry persists a new routing entry. It returns ErrDuplicate
// when an entry already exists for the key, invoice id, or thread id.
func InsertThreadEntry(ctx context.Context, db *gorm.DB, e *domain.ThreadEntry) error {
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetThreadEntry fetches one entry by key, or ErrNotFound if missing.
func GetThreadEntry(ctx context.Context, db *gorm.DB, key string) (*domain.ThreadEntry, error) {
	var e domain.ThreadEntry
	if err := db.WithContext(ctx).First(&e, "key = ?", key).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// ListThreadEntries returns all routing entries ordered by creation time
// descending (most recent first).
func ListThreadEntries(ctx context.Context, db *gorm.DB) ([]domain.ThreadEntry, error) {
	var out []domain.ThreadEntry
	err := db.WithContext(ctx).Order("created_at desc").Find(&out).Error
	return out, err
}

// UpdateThreadChannels replaces the JSON-encoded channel-id list of an
// entry. Returns ErrNotFound when no row matches the key.
func UpdateThreadChannels(ctx context.Context, db *gorm.DB, key, channelIDs string) error {
	res := db.WithContext(ctx).
		Model(&domain.ThreadEntry{}).
		Where("key = ?", key).
		Update("channel_ids", channelIDs)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateThreadSearchTime records when channels were last searched for an
// entry. Returns ErrNotFound when no row matches the key.
func UpdateThreadSearchTime(ctx context.Context, db *gorm.DB, key string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.ThreadEntry{}).
		Where("key = ?", key).
		Update("last_search_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteThreadEntry removes an entry by key. Deleting a missing key is not
// an error; the caller only cares that the row is gone.
func DeleteThreadEntry(ctx context.Context, db *gorm.DB, key string) error {
	return db.WithContext(ctx).Delete(&domain.ThreadEntry{}, "key = ?", key).Error
}
