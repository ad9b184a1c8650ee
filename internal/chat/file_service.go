package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/swapdesk/chatserver/internal/models"
	apperrors "github.com/swapdesk/chatserver/pkg/errors"
	"github.com/swapdesk/chatserver/pkg/logger"
	"github.com/swapdesk/chatserver/pkg/metrics"
	"github.com/swapdesk/chatserver/pkg/validator"
)

// MaxFileSize is the hard cap on uploaded encrypted file payloads.
const MaxFileSize = 50 << 20 // 50 MiB

const (
	minTTLHours = 1
	maxTTLHours = 7 * 24
)

// FileNotice is the payload pushed to a live recipient when a file arrives.
type FileNotice struct {
	FileID    string    `json:"fileId"`
	SenderID  string    `json:"senderId"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	FileSize  int64     `json:"fileSize"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FileNotifier pushes a file notice to the recipient's live connection, if
// any. Implementations report whether a push was attempted; failures are the
// notifier's to log, never the upload's to surface.
type FileNotifier interface {
	NotifyFile(recipientID string, notice FileNotice) bool
}

// UploadFileInput carries a validated multipart upload.
type UploadFileInput struct {
	SenderID       string `json:"senderId" validate:"required"`
	RecipientID    string `json:"recipientId" validate:"required"`
	Filename       string `json:"filename" validate:"required"`
	MimeType       string `json:"mimeType"`
	TTLHours       int    `json:"ttlHours" validate:"min=1,max=168"`
	Content        []byte `json:"-" validate:"required"`
	EncryptionMeta []byte `json:"-"`
}

// FileService persists encrypted file transfers and bridges uploads onto the
// recipient's live connection as best-effort notices.
type FileService struct {
	db       *gorm.DB
	notifier FileNotifier
	timeNow  func() time.Time
	log      *zap.Logger
}

// FileServiceOption customises the FileService.
type FileServiceOption func(*FileService)

// WithFileClock overrides the clock, primarily for tests.
func WithFileClock(now func() time.Time) FileServiceOption {
	return func(s *FileService) {
		if now != nil {
			s.timeNow = now
		}
	}
}

// NewFileService constructs a FileService. The notifier may be nil, in which
// case uploads never push notices.
func NewFileService(db *gorm.DB, notifier FileNotifier, opts ...FileServiceOption) (*FileService, error) {
	if db == nil {
		return nil, errors.New("file service: db is required")
	}
	s := &FileService{
		db:       db,
		notifier: notifier,
		timeNow:  time.Now,
		log:      logger.WithModule("files"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Upload validates and persists an encrypted file, then pushes a notice to
// the recipient if a live connection exists. Push failures never fail the
// upload: the persisted record is the authoritative state.
func (s *FileService) Upload(ctx context.Context, input UploadFileInput) (*models.EncryptedFile, error) {
	ctx = ensureContext(ctx)

	input.SenderID = strings.TrimSpace(input.SenderID)
	input.RecipientID = strings.TrimSpace(input.RecipientID)
	input.Filename = strings.TrimSpace(input.Filename)

	if err := validator.ValidateStruct(input); err != nil {
		metrics.FileUploads.WithLabelValues("rejected").Inc()
		return nil, apperrors.NewBadRequest(err.Error())
	}
	if len(input.Content) > MaxFileSize {
		metrics.FileUploads.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrPayloadTooLarge
	}
	if input.TTLHours < minTTLHours || input.TTLHours > maxTTLHours {
		metrics.FileUploads.WithLabelValues("rejected").Inc()
		return nil, apperrors.NewBadRequest(fmt.Sprintf("ttlHours must be between %d and %d", minTTLHours, maxTTLHours))
	}

	now := s.timeNow()
	record := models.EncryptedFile{
		SenderID:    input.SenderID,
		RecipientID: input.RecipientID,
		Filename:    input.Filename,
		MimeType:    strings.TrimSpace(input.MimeType),
		Size:        int64(len(input.Content)),
		Content:     input.Content,
		ExpiresAt:   now.Add(time.Duration(input.TTLHours) * time.Hour),
	}
	if len(input.EncryptionMeta) > 0 {
		record.EncryptionMeta = datatypes.JSON(input.EncryptionMeta)
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		metrics.FileUploads.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("file service: upload: %w", err)
	}
	metrics.FileUploads.WithLabelValues("accepted").Inc()

	if s.notifier != nil {
		notice := FileNotice{
			FileID:    record.ID,
			SenderID:  record.SenderID,
			Filename:  record.Filename,
			MimeType:  record.MimeType,
			FileSize:  record.Size,
			ExpiresAt: record.ExpiresAt,
		}
		if s.notifier.NotifyFile(record.RecipientID, notice) {
			s.log.Debug("file notice pushed",
				zap.String("file_id", record.ID),
				zap.String("recipient_id", record.RecipientID))
		}
	}

	return &record, nil
}

// Download resolves a file by identifier for the requesting user. The content
// is returned only to the stored recipient and only before expiry; the first
// successful download marks the record downloaded.
func (s *FileService) Download(ctx context.Context, fileID, userID string) (*models.EncryptedFile, error) {
	ctx = ensureContext(ctx)

	fileID = strings.TrimSpace(fileID)
	userID = strings.TrimSpace(userID)
	if fileID == "" || userID == "" {
		return nil, apperrors.ErrBadRequest
	}

	var record models.EncryptedFile
	result := s.db.WithContext(ctx).Where("id = ?", fileID).Limit(1).Find(&record)
	if result.Error != nil {
		return nil, fmt.Errorf("file service: download: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apperrors.ErrNotFound
	}
	if record.RecipientID != userID {
		return nil, apperrors.ErrForbidden
	}
	if s.timeNow().After(record.ExpiresAt) {
		return nil, apperrors.ErrFileExpired
	}

	if !record.Downloaded {
		now := s.timeNow()
		if err := s.db.WithContext(ctx).Model(&record).
			Updates(map[string]interface{}{"downloaded": true, "downloaded_at": now}).Error; err != nil {
			return nil, fmt.Errorf("file service: mark downloaded: %w", err)
		}
	}

	return &record, nil
}

// PendingFileInfo is file metadata without content, listed for recipients.
type PendingFileInfo struct {
	FileID    string    `json:"fileId"`
	SenderID  string    `json:"senderId"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	FileSize  int64     `json:"fileSize"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// PendingFor lists files still awaiting download for the user, newest first.
func (s *FileService) PendingFor(ctx context.Context, userID string) ([]PendingFileInfo, error) {
	ctx = ensureContext(ctx)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.ErrBadRequest
	}

	var rows []models.EncryptedFile
	if err := s.db.WithContext(ctx).
		Select("id", "sender_id", "filename", "mime_type", "size", "expires_at", "created_at").
		Where("recipient_id = ? AND downloaded = ? AND expires_at > ?", userID, false, s.timeNow()).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("file service: pending: %w", err)
	}

	out := make([]PendingFileInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, PendingFileInfo{
			FileID:    row.ID,
			SenderID:  row.SenderID,
			Filename:  row.Filename,
			MimeType:  row.MimeType,
			FileSize:  row.Size,
			ExpiresAt: row.ExpiresAt,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

// Sweep removes expired files immediately and downloaded files once the
// grace period after download has elapsed. Returns the number removed.
func (s *FileService) Sweep(ctx context.Context, downloadGrace time.Duration) (int64, error) {
	ctx = ensureContext(ctx)

	now := s.timeNow()
	graceCutoff := now.Add(-downloadGrace)
	result := s.db.WithContext(ctx).
		Where("expires_at <= ? OR (downloaded = ? AND downloaded_at <= ?)", now, true, graceCutoff).
		Delete(&models.EncryptedFile{})
	if result.Error != nil {
		return 0, fmt.Errorf("file service: sweep: %w", result.Error)
	}
	return result.RowsAffected, nil
}
