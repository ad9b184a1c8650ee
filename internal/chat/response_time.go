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

// ResponseTimeService records chat reply latencies for the reputation
// pipeline. Records are written once and never mutated.
type ResponseTimeService struct {
	db      *gorm.DB
	timeNow func() time.Time
}

// NewResponseTimeService constructs a ResponseTimeService.
func NewResponseTimeService(db *gorm.DB) (*ResponseTimeService, error) {
	if db == nil {
		return nil, errors.New("response time: db is required")
	}
	return &ResponseTimeService{db: db, timeNow: time.Now}, nil
}

// Record persists one observed reply: the user received a message from the
// partner at receivedAt and replied at repliedAt.
func (s *ResponseTimeService) Record(ctx context.Context, userID, partnerID string, receivedAt, repliedAt time.Time) error {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	partnerID = strings.TrimSpace(partnerID)
	if userID == "" || partnerID == "" {
		return errors.New("response time: user and partner ids are required")
	}
	if repliedAt.Before(receivedAt) {
		return errors.New("response time: reply precedes receipt")
	}

	record := models.ChatResponseTime{
		UserID:       userID,
		PartnerID:    partnerID,
		ReceivedAt:   receivedAt,
		RepliedAt:    repliedAt,
		LatencyHours: repliedAt.Sub(receivedAt).Hours(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("response time: record: %w", err)
	}
	return nil
}

// Sweep deletes records created before the retention window and returns the
// number removed.
func (s *ResponseTimeService) Sweep(ctx context.Context, retentionDays int) (int64, error) {
	ctx = ensureContext(ctx)
	if retentionDays < 0 {
		retentionDays = 0
	}

	cutoff := s.timeNow().AddDate(0, 0, -retentionDays)
	result := s.db.WithContext(ctx).
		Where("created_at <= ?", cutoff).
		Delete(&models.ChatResponseTime{})
	if result.Error != nil {
		return 0, fmt.Errorf("response time: sweep: %w", result.Error)
	}
	return result.RowsAffected, nil
}
