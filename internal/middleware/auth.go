package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/swapdesk/chatserver/internal/auth"
	"github.com/swapdesk/chatserver/pkg/response"

	apperrors "github.com/swapdesk/chatserver/pkg/errors"
)

// CtxUserIDKey is the gin context key carrying the authenticated user ID.
const CtxUserIDKey = "user_id"

// Request signature headers. The client signs "<userID>:<timestampMillis>"
// with its ed25519 key; the timestamp bounds replay.
const (
	HeaderUserID    = "X-User-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// SignatureAuth authenticates REST requests via the signed-header scheme. The
// verified user identity is stored under CtxUserIDKey.
func SignatureAuth(keys auth.KeyDirectory, replayWindow time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		tsRaw := strings.TrimSpace(c.GetHeader(HeaderTimestamp))
		signature := strings.TrimSpace(c.GetHeader(HeaderSignature))
		if userID == "" || tsRaw == "" || signature == "" {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}

		tsMillis, err := strconv.ParseInt(tsRaw, 10, 64)
		if err != nil {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if err := auth.CheckTimestamp(time.UnixMilli(tsMillis), time.Now(), replayWindow); err != nil {
			response.Error(c, apperrors.ErrStaleTimestamp)
			c.Abort()
			return
		}

		publicKey, err := keys.PublicKey(c.Request.Context(), userID)
		if err != nil {
			response.Error(c, apperrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if err := auth.VerifySignature(publicKey, auth.RequestChallenge(userID, tsMillis), signature); err != nil {
			response.Error(c, apperrors.ErrInvalidSignature)
			c.Abort()
			return
		}

		c.Set(CtxUserIDKey, userID)
		c.Next()
	}
}
