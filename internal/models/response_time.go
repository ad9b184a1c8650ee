package models

import "time"

// ChatResponseTime captures how quickly a user replied to a conversation
// partner. Written once per observed reply and consumed by the reputation
// pipeline; never mutated.
type ChatResponseTime struct {
	BaseModel

	UserID    string `gorm:"type:uuid;index;not null" json:"user_id"`
	PartnerID string `gorm:"type:uuid;index;not null" json:"partner_id"`

	ReceivedAt   time.Time `gorm:"not null" json:"received_at"`
	RepliedAt    time.Time `gorm:"not null" json:"replied_at"`
	LatencyHours float64   `gorm:"not null" json:"latency_hours"`
}
