package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/swapdesk/chatserver/internal/models"
)

// EnqueueMessageInput carries a chat message headed for the offline queue.
type EnqueueMessageInput struct {
	MessageID       string
	SenderID        string
	RecipientID     string
	SenderName      string
	Payload         string
	SenderPublicKey string
	SentAt          time.Time
}

// OfflineQueueService persists messages addressed to recipients without a
// live connection and replays them on reconnect.
type OfflineQueueService struct {
	db      *gorm.DB
	timeNow func() time.Time
}

// NewOfflineQueueService constructs an OfflineQueueService.
func NewOfflineQueueService(db *gorm.DB) (*OfflineQueueService, error) {
	if db == nil {
		return nil, errors.New("offline queue: db is required")
	}
	return &OfflineQueueService{db: db, timeNow: time.Now}, nil
}

// Enqueue inserts a message with delivered=false. Re-enqueueing the same
// message identifier is a no-op so a retried send cannot duplicate delivery.
func (s *OfflineQueueService) Enqueue(ctx context.Context, input EnqueueMessageInput) error {
	ctx = ensureContext(ctx)

	messageID := strings.TrimSpace(input.MessageID)
	if messageID == "" {
		return errors.New("offline queue: message id is required")
	}
	recipientID := strings.TrimSpace(input.RecipientID)
	if recipientID == "" {
		return errors.New("offline queue: recipient id is required")
	}
	senderID := strings.TrimSpace(input.SenderID)
	if senderID == "" {
		return errors.New("offline queue: sender id is required")
	}

	sentAt := input.SentAt
	if sentAt.IsZero() {
		sentAt = s.timeNow()
	}

	record := models.OfflineMessage{
		MessageID:       messageID,
		SenderID:        senderID,
		RecipientID:     recipientID,
		SenderName:      strings.TrimSpace(input.SenderName),
		Payload:         input.Payload,
		SenderPublicKey: strings.TrimSpace(input.SenderPublicKey),
		SentAt:          sentAt,
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(&record).Error; err != nil {
		return fmt.Errorf("offline queue: enqueue: %w", err)
	}
	return nil
}

// Drain returns all undelivered messages for the recipient ordered by origin
// timestamp ascending. Ordering is a hard contract: reconnecting clients
// reconstruct conversation order from it.
func (s *OfflineQueueService) Drain(ctx context.Context, recipientID string) ([]models.OfflineMessage, error) {
	ctx = ensureContext(ctx)
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, errors.New("offline queue: recipient id is required")
	}

	var rows []models.OfflineMessage
	if err := s.db.WithContext(ctx).
		Where("recipient_id = ? AND delivered = ?", recipientID, false).
		Order("sent_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("offline queue: drain: %w", err)
	}
	return rows, nil
}

// MarkDelivered flags a message as delivered. Idempotent: marking an already
// delivered or unknown message is not an error.
func (s *OfflineQueueService) MarkDelivered(ctx context.Context, messageID string) error {
	ctx = ensureContext(ctx)
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return errors.New("offline queue: message id is required")
	}

	now := s.timeNow()
	if err := s.db.WithContext(ctx).
		Model(&models.OfflineMessage{}).
		Where("message_id = ? AND delivered = ?", messageID, false).
		Updates(map[string]interface{}{"delivered": true, "delivered_at": now}).Error; err != nil {
		return fmt.Errorf("offline queue: mark delivered: %w", err)
	}
	return nil
}

// PendingCount reports how many undelivered messages await the recipient.
func (s *OfflineQueueService) PendingCount(ctx context.Context, recipientID string) (int64, error) {
	ctx = ensureContext(ctx)

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.OfflineMessage{}).
		Where("recipient_id = ? AND delivered = ?", recipientID, false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("offline queue: pending count: %w", err)
	}
	return count, nil
}

// Sweep deletes delivered messages whose delivery happened before the
// retention window and returns the number removed. Undelivered messages are
// never swept.
func (s *OfflineQueueService) Sweep(ctx context.Context, retentionDays int) (int64, error) {
	ctx = ensureContext(ctx)
	if retentionDays < 0 {
		retentionDays = 0
	}

	cutoff := s.timeNow().AddDate(0, 0, -retentionDays)
	result := s.db.WithContext(ctx).
		Where("delivered = ? AND delivered_at <= ?", true, cutoff).
		Delete(&models.OfflineMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("offline queue: sweep: %w", result.Error)
	}
	return result.RowsAffected, nil
}
