package models

import "time"

// OfflineMessage is a chat message persisted because the recipient had no
// live connection at send time. It is flushed in origin-timestamp order on
// the recipient's next authenticated session.
type OfflineMessage struct {
	BaseModel

	MessageID   string `gorm:"type:varchar(64);uniqueIndex;not null" json:"message_id"`
	SenderID    string `gorm:"type:uuid;index;not null" json:"sender_id"`
	RecipientID string `gorm:"type:uuid;index:idx_offline_recipient_delivered;not null" json:"recipient_id"`
	SenderName  string `gorm:"type:varchar(255)" json:"sender_name"`

	// Payload is an opaque encrypted blob; the server never inspects it.
	Payload string `gorm:"type:text;not null" json:"payload"`

	// SenderPublicKey travels with cross-origin messages so the recipient
	// can verify the sender without a directory round trip.
	SenderPublicKey string `gorm:"type:text" json:"sender_public_key,omitempty"`

	SentAt      time.Time  `gorm:"index;not null" json:"sent_at"`
	Delivered   bool       `gorm:"default:false;index:idx_offline_recipient_delivered" json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}
