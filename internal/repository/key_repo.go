// Package repository provides data access over the vault database.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/berridl/berridl/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// KeyRepository is the durable PSSH -> key store consulted before any
// license request.
type KeyRepository interface {
	Store(ctx context.Context, pssh string, key any, drmType models.DRMType) error
	Retrieve(ctx context.Context, pssh string) (string, bool, error)
	RetrieveWithDRM(ctx context.Context, pssh string) (string, models.DRMType, bool, error)
	Contains(ctx context.Context, pssh string) (bool, error)
	ListByDRM(ctx context.Context, drmType models.DRMType) ([]models.KeyEntry, error)
}

// keyRepo implements KeyRepository using GORM.
type keyRepo struct {
	db *gorm.DB
}

// NewKeyRepository creates a new KeyRepository.
func NewKeyRepository(db *gorm.DB) KeyRepository {
	return &keyRepo{db: db}
}

// Store upserts a key under a PSSH. A second store for the same PSSH
// replaces the value and refreshes updatedAt.
func (r *keyRepo) Store(ctx context.Context, pssh string, key any, drmType models.DRMType) error {
	valueType, valueData, err := models.EncodeVaultValue(key)
	if err != nil {
		return err
	}

	entry := models.KeyEntry{
		PSSH:      pssh,
		ValueType: string(valueType),
		ValueData: valueData,
		DRMType:   drmType,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pssh"}},
			DoUpdates: clause.AssignmentColumns([]string{"value_type", "value_data", "drm_type", "updatedAt"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("storing key for pssh: %w", err)
	}
	return nil
}

// Retrieve returns the stored key string for a PSSH, or false when absent.
// Non-string values are returned in their serialized form.
func (r *keyRepo) Retrieve(ctx context.Context, pssh string) (string, bool, error) {
	key, _, ok, err := r.RetrieveWithDRM(ctx, pssh)
	return key, ok, err
}

// RetrieveWithDRM returns the stored key and its DRM label.
func (r *keyRepo) RetrieveWithDRM(ctx context.Context, pssh string) (string, models.DRMType, bool, error) {
	var entry models.KeyEntry
	err := r.db.WithContext(ctx).Where("pssh = ?", pssh).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("retrieving key: %w", err)
	}

	value, err := models.DecodeVaultValue(models.ValueType(entry.ValueType), entry.ValueData)
	if err != nil {
		return "", "", false, err
	}
	if s, ok := value.(string); ok {
		return s, entry.DRMType, true, nil
	}
	return entry.ValueData, entry.DRMType, true, nil
}

// Contains reports whether a PSSH has a stored key.
func (r *keyRepo) Contains(ctx context.Context, pssh string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.KeyEntry{}).Where("pssh = ?", pssh).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking key presence: %w", err)
	}
	return count > 0, nil
}

// ListByDRM returns every entry produced by the given backend.
func (r *keyRepo) ListByDRM(ctx context.Context, drmType models.DRMType) ([]models.KeyEntry, error) {
	var entries []models.KeyEntry
	err := r.db.WithContext(ctx).
		Where("drm_type = ?", drmType).
		Order("updatedAt DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("listing keys by drm type: %w", err)
	}
	return entries, nil
}
