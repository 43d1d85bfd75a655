// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Purchase
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a purchase is not found, functions return ErrNotFound
//     (an alias of gorm.ErrRecordNotFound).
//   - Inserting an invoice id that already exists returns ErrDuplicate.
//   - On other DB errors, the raw gorm error is propagated.
//
// Purchases are append-only: there is deliberately no update or delete
// function in this file.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/dkarpov/go-sales-bridge/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the registry layer.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that a record with the same unique key already
// exists.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// InsertPurchase persists a new purchase row. It returns ErrDuplicate when
// the invoice id is already recorded.
func InsertPurchase(ctx context.Context, db *gorm.DB, p *domain.Purchase) error {
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetPurchase fetches a purchase by invoice id, or ErrNotFound if missing.
func GetPurchase(ctx context.Context, db *gorm.DB, invoiceID int64) (*domain.Purchase, error) {
	var p domain.Purchase
	if err := db.WithContext(ctx).First(&p, "invoice_id = ?", invoiceID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPurchases returns all recorded purchases ordered by invoice id.
func ListPurchases(ctx context.Context, db *gorm.DB) ([]domain.Purchase, error) {
	var out []domain.Purchase
	err := db.WithContext(ctx).Order("invoice_id asc").Find(&out).Error
	return out, err
}

// CountPurchases returns the total number of recorded purchases.
func CountPurchases(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Purchase{}).Count(&total).Error
	return total, err
}
