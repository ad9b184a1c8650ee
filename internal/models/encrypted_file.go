package models

import (
	"time"

	"gorm.io/datatypes"
)

// EncryptedFile is an end-to-end encrypted file awaiting download by its
// recipient. Content is returned only to the stored recipient and only
// before ExpiresAt.
type EncryptedFile struct {
	BaseModel

	SenderID    string `gorm:"type:uuid;index;not null" json:"sender_id"`
	RecipientID string `gorm:"type:uuid;index:idx_file_recipient_downloaded;not null" json:"recipient_id"`

	Filename string `gorm:"type:varchar(255);not null" json:"filename"`
	MimeType string `gorm:"type:varchar(128)" json:"mime_type"`
	Size     int64  `gorm:"not null" json:"size"`

	// Content is the encrypted blob exactly as uploaded.
	Content []byte `gorm:"type:blob" json:"-"`

	// EncryptionMeta carries client-supplied encryption parameters (IV, key
	// fingerprint). Opaque to the server.
	EncryptionMeta datatypes.JSON `json:"encryption_meta,omitempty"`

	ExpiresAt    time.Time  `gorm:"index;not null" json:"expires_at"`
	Downloaded   bool       `gorm:"default:false;index:idx_file_recipient_downloaded" json:"downloaded"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
}
