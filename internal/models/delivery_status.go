package models

import "time"

// Delivery status lifecycle values. The progression is strictly monotonic:
// sent -> delivered -> read. Out-of-order receipts must never regress a
// stored status.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

var statusRank = map[string]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusRank returns the ordering weight of a delivery status, or 0 for an
// unknown value.
func StatusRank(status string) int {
	return statusRank[status]
}

// DeliveryStatus records the highest delivery state observed for a message
// and recipient pair.
type DeliveryStatus struct {
	BaseModel

	MessageID   string `gorm:"type:varchar(64);uniqueIndex:idx_status_message_recipient;not null" json:"message_id"`
	RecipientID string `gorm:"type:uuid;uniqueIndex:idx_status_message_recipient;not null" json:"recipient_id"`
	SenderID    string `gorm:"type:uuid;index;not null" json:"sender_id"`

	Status   string    `gorm:"type:varchar(16);not null" json:"status"`
	StatusAt time.Time `gorm:"not null" json:"status_at"`
}
