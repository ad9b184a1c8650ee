package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/swapdesk/chatserver/internal/models"
)

// DBKeyDirectory resolves public keys from the user key projection table.
type DBKeyDirectory struct {
	db *gorm.DB
}

// NewDBKeyDirectory constructs a database-backed KeyDirectory.
func NewDBKeyDirectory(db *gorm.DB) (*DBKeyDirectory, error) {
	if db == nil {
		return nil, errors.New("key directory: db is required")
	}
	return &DBKeyDirectory{db: db}, nil
}

// PublicKey implements KeyDirectory.
func (d *DBKeyDirectory) PublicKey(ctx context.Context, userID string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidPublicKey
	}

	var record models.UserKey
	result := d.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&record)
	if result.Error != nil {
		return "", fmt.Errorf("key directory: lookup: %w", result.Error)
	}
	if result.RowsAffected == 0 || record.PublicKey == "" {
		return "", ErrInvalidPublicKey
	}
	return record.PublicKey, nil
}

// Put registers or replaces a user's public key.
func (d *DBKeyDirectory) Put(ctx context.Context, userID, publicKeyB64 string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	publicKeyB64 = strings.TrimSpace(publicKeyB64)
	if userID == "" || publicKeyB64 == "" {
		return errors.New("key directory: user id and public key are required")
	}

	record := models.UserKey{UserID: userID, PublicKey: publicKeyB64}
	if err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"public_key", "updated_at"}),
		}).
		Create(&record).Error; err != nil {
		return fmt.Errorf("key directory: put: %w", err)
	}
	return nil
}
