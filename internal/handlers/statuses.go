package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/swapdesk/chatserver/internal/chat"
	"github.com/swapdesk/chatserver/internal/models"
	"github.com/swapdesk/chatserver/pkg/response"

	apperrors "github.com/swapdesk/chatserver/pkg/errors"
)

// StatusHandler exposes the pull path for delivery statuses, used by senders
// to catch up on receipts that arrived while they were offline.
type StatusHandler struct {
	statuses *chat.DeliveryStatusService
}

// NewStatusHandler constructs a status handler.
func NewStatusHandler(statuses *chat.DeliveryStatusService) (*StatusHandler, error) {
	if statuses == nil {
		return nil, fmt.Errorf("status handler: status service must be provided")
	}
	return &StatusHandler{statuses: statuses}, nil
}

type statusInfo struct {
	MessageID   string    `json:"messageId"`
	RecipientID string    `json:"recipientId"`
	Status      string    `json:"status"`
	StatusAt    time.Time `json:"statusAt"`
}

func toStatusInfo(rows []models.DeliveryStatus) []statusInfo {
	out := make([]statusInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, statusInfo{
			MessageID:   row.MessageID,
			RecipientID: row.RecipientID,
			Status:      row.Status,
			StatusAt:    row.StatusAt,
		})
	}
	return out
}

// Query returns statuses for an explicit list of message IDs. Only records
// the caller participates in are returned.
func (h *StatusHandler) Query(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	messageIDs := splitCSV(c.Query("messageIds"))
	if len(messageIDs) == 0 {
		response.Error(c, apperrors.NewBadRequest("messageIds query parameter is required"))
		return
	}

	rows, err := h.statuses.StatusesFor(c.Request.Context(), messageIDs)
	if err != nil {
		response.Error(c, err)
		return
	}

	visible := rows[:0]
	for _, row := range rows {
		if row.SenderID == userID || row.RecipientID == userID {
			visible = append(visible, row)
		}
	}
	response.Success(c, http.StatusOK, gin.H{"statuses": toStatusInfo(visible)})
}

// Sent returns the most recent statuses for messages the caller sent.
func (h *StatusHandler) Sent(c *gin.Context) {
	userID := currentUserID(c)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	limit := parseIntQuery(c, "limit", 100)
	rows, err := h.statuses.StatusesBySender(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"statuses": toStatusInfo(rows)})
}
