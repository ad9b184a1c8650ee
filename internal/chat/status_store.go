package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/swapdesk/chatserver/internal/models"
)

// UpsertStatusInput carries a single delivery status observation.
type UpsertStatusInput struct {
	MessageID   string
	RecipientID string
	SenderID    string
	Status      string
	StatusAt    time.Time
}

// DeliveryStatusService stores the monotonic sent -> delivered -> read
// lifecycle per (message, recipient) pair.
type DeliveryStatusService struct {
	db      *gorm.DB
	timeNow func() time.Time
}

// NewDeliveryStatusService constructs a DeliveryStatusService.
func NewDeliveryStatusService(db *gorm.DB) (*DeliveryStatusService, error) {
	if db == nil {
		return nil, errors.New("status store: db is required")
	}
	return &DeliveryStatusService{db: db, timeNow: time.Now}, nil
}

// Upsert merges a status observation, coalescing duplicates and out-of-order
// receipts to the highest status seen. The return value reports whether the
// persisted state changed.
func (s *DeliveryStatusService) Upsert(ctx context.Context, input UpsertStatusInput) (bool, error) {
	ctx = ensureContext(ctx)

	messageID := strings.TrimSpace(input.MessageID)
	if messageID == "" {
		return false, errors.New("status store: message id is required")
	}
	recipientID := strings.TrimSpace(input.RecipientID)
	if recipientID == "" {
		return false, errors.New("status store: recipient id is required")
	}

	status := strings.ToLower(strings.TrimSpace(input.Status))
	if models.StatusRank(status) == 0 {
		return false, fmt.Errorf("status store: unknown status %q", input.Status)
	}

	statusAt := input.StatusAt
	if statusAt.IsZero() {
		statusAt = s.timeNow()
	}

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.DeliveryStatus
		result := tx.Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
			Limit(1).Find(&existing)
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			record := models.DeliveryStatus{
				MessageID:   messageID,
				RecipientID: recipientID,
				SenderID:    strings.TrimSpace(input.SenderID),
				Status:      status,
				StatusAt:    statusAt,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			changed = true
			return nil
		}

		// Monotonic merge: never regress read -> delivered -> sent.
		if models.StatusRank(status) <= models.StatusRank(existing.Status) {
			return nil
		}

		if err := tx.Model(&existing).
			Updates(map[string]interface{}{"status": status, "status_at": statusAt}).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("status store: upsert: %w", err)
	}
	return changed, nil
}

// StatusesFor returns the stored records for the supplied message IDs.
func (s *DeliveryStatusService) StatusesFor(ctx context.Context, messageIDs []string) ([]models.DeliveryStatus, error) {
	ctx = ensureContext(ctx)
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var rows []models.DeliveryStatus
	if err := s.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("status store: statuses for: %w", err)
	}
	return rows, nil
}

// LatestStatusFor returns the record for a single message, or nil when no
// status has been observed yet.
func (s *DeliveryStatusService) LatestStatusFor(ctx context.Context, messageID string) (*models.DeliveryStatus, error) {
	ctx = ensureContext(ctx)
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, errors.New("status store: message id is required")
	}

	var record models.DeliveryStatus
	result := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("status_at DESC").
		Limit(1).Find(&record)
	if result.Error != nil {
		return nil, fmt.Errorf("status store: latest status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &record, nil
}

// StatusesBySender returns the most recent status records for messages the
// supplied user originally sent. This is the pull path a sender uses to catch
// up on receipts that arrived while it was offline.
func (s *DeliveryStatusService) StatusesBySender(ctx context.Context, senderID string, limit int) ([]models.DeliveryStatus, error) {
	ctx = ensureContext(ctx)
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return nil, errors.New("status store: sender id is required")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []models.DeliveryStatus
	if err := s.db.WithContext(ctx).
		Where("sender_id = ?", senderID).
		Order("status_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("status store: statuses by sender: %w", err)
	}
	return rows, nil
}

// Sweep hard-deletes records created before the cutoff and returns the number
// removed. Monotonicity is irrelevant once a record is past retention.
func (s *DeliveryStatusService) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx = ensureContext(ctx)

	result := s.db.WithContext(ctx).
		Where("created_at <= ?", olderThan).
		Delete(&models.DeliveryStatus{})
	if result.Error != nil {
		return 0, fmt.Errorf("status store: sweep: %w", result.Error)
	}
	return result.RowsAffected, nil
}
