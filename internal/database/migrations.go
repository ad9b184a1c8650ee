package database

import (
	"gorm.io/gorm"

	"github.com/swapdesk/chatserver/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.UserKey{},
		&models.OfflineMessage{},
		&models.DeliveryStatus{},
		&models.EncryptedFile{},
		&models.ChatResponseTime{},
	)
}
