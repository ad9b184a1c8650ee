package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/swapdesk/chatserver/internal/chat"
	"github.com/swapdesk/chatserver/pkg/response"

	apperrors "github.com/swapdesk/chatserver/pkg/errors"
)

// FileHandler exposes HTTP endpoints for encrypted file transfers.
type FileHandler struct {
	files *chat.FileService
}

// NewFileHandler constructs a file handler.
func NewFileHandler(files *chat.FileService) (*FileHandler, error) {
	if files == nil {
		return nil, fmt.Errorf("file handler: file service must be provided")
	}
	return &FileHandler{files: files}, nil
}

// Upload accepts a multipart upload of an already-encrypted file. The
// authenticated user is the sender; recipientId, ttlHours and optional
// encryptionMeta arrive as form fields.
func (h *FileHandler) Upload(c *gin.Context) {
	senderID := currentUserID(c)
	if senderID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	// Bound the whole request body before parsing the form. The service
	// re-checks the decoded size.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, chat.MaxFileSize+1<<20)

	header, err := c.FormFile("file")
	if err != nil {
		response.Error(c, apperrors.NewBadRequest("file field is required"))
		return
	}
	if header.Size > chat.MaxFileSize {
		response.Error(c, apperrors.ErrPayloadTooLarge)
		return
	}

	src, err := header.Open()
	if err != nil {
		response.Error(c, apperrors.NewBadRequest("file could not be read"))
		return
	}
	defer src.Close()

	content, err := io.ReadAll(src)
	if err != nil {
		response.Error(c, apperrors.NewBadRequest("file could not be read"))
		return
	}

	ttlHours := 24
	if raw := strings.TrimSpace(c.PostForm("ttlHours")); raw != "" {
		ttlHours, err = strconv.Atoi(raw)
		if err != nil {
			response.Error(c, apperrors.NewBadRequest("ttlHours must be an integer"))
			return
		}
	}

	record, err := h.files.Upload(c.Request.Context(), chat.UploadFileInput{
		SenderID:       senderID,
		RecipientID:    c.PostForm("recipientId"),
		Filename:       header.Filename,
		MimeType:       header.Header.Get("Content-Type"),
		TTLHours:       ttlHours,
		Content:        content,
		EncryptionMeta: []byte(c.PostForm("encryptionMeta")),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"fileId":    record.ID,
		"expiresAt": record.ExpiresAt,
		"message":   "file uploaded",
	})
}

// Download streams the encrypted content back to the recipient. The body is
// the raw ciphertext, not the JSON envelope.
func (h *FileHandler) Download(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}
	// A userId query parameter is accepted for client compatibility but must
	// agree with the signed identity.
	if q := strings.TrimSpace(c.Query("userId")); q != "" && q != userID {
		response.Error(c, apperrors.ErrForbidden)
		return
	}

	record, err := h.files.Download(c.Request.Context(), c.Param("fileId"), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	mimeType := record.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.Filename))
	c.Data(http.StatusOK, mimeType, record.Content)
}

// Pending lists files still awaiting download for the authenticated user.
func (h *FileHandler) Pending(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}
	if q := strings.TrimSpace(c.Query("userId")); q != "" && q != userID {
		response.Error(c, apperrors.ErrForbidden)
		return
	}

	files, err := h.files.PendingFor(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"files": files})
}
