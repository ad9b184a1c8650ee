package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swapdesk/chatserver/internal/auth"
	"github.com/swapdesk/chatserver/internal/chat"
	"github.com/swapdesk/chatserver/internal/registry"
	"github.com/swapdesk/chatserver/pkg/logger"
	"github.com/swapdesk/chatserver/pkg/metrics"
)

// errAuthFailed terminates the session after a failed handshake. The auth
// response frame has already been written by the time it is returned.
var errAuthFailed = errors.New("authentication failed")

// Router owns the per-connection protocol state machine: handshake, offline
// flush, live forwarding, receipts and pass-through frames. One Router serves
// every connection in the process.
type Router struct {
	registry      *registry.Registry
	queue         *chat.OfflineQueueService
	statuses      *chat.DeliveryStatusService
	responseTimes *chat.ResponseTimeService
	keys          auth.KeyDirectory

	replayWindow time.Duration
	timeNow      func() time.Time
	log          *zap.Logger

	// lastInbound maps "user|partner" to the time user last received a
	// message from partner, feeding reply-latency analytics.
	lastInbound sync.Map
}

// RouterOption customises the Router.
type RouterOption func(*Router)

// WithReplayWindow overrides the handshake replay window.
func WithReplayWindow(window time.Duration) RouterOption {
	return func(r *Router) {
		if window > 0 {
			r.replayWindow = window
		}
	}
}

// WithRouterClock overrides the clock, primarily for tests.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.timeNow = now
		}
	}
}

// WithResponseTimes enables reply-latency recording.
func WithResponseTimes(svc *chat.ResponseTimeService) RouterOption {
	return func(r *Router) {
		r.responseTimes = svc
	}
}

// NewRouter constructs a Router over the registry, durable stores and key
// directory.
func NewRouter(reg *registry.Registry, queue *chat.OfflineQueueService, statuses *chat.DeliveryStatusService, keys auth.KeyDirectory, opts ...RouterOption) (*Router, error) {
	if reg == nil {
		return nil, errors.New("ws router: registry is required")
	}
	if queue == nil {
		return nil, errors.New("ws router: offline queue is required")
	}
	if statuses == nil {
		return nil, errors.New("ws router: status store is required")
	}
	if keys == nil {
		return nil, errors.New("ws router: key directory is required")
	}

	r := &Router{
		registry:     reg,
		queue:        queue,
		statuses:     statuses,
		keys:         keys,
		replayWindow: auth.DefaultReplayWindow,
		timeNow:      time.Now,
		log:          logger.WithModule("ws"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// session is the per-connection protocol state. A session starts
// unauthenticated; the first frame must be an auth request. conn is nil until
// the handshake succeeds and the registry accepted the connection.
type session struct {
	router *Router
	sender registry.Sender
	conn   *registry.Connection
	userID string
}

func (r *Router) newSession(sender registry.Sender) *session {
	return &session{router: r, sender: sender}
}

func (s *session) authenticated() bool {
	return s.conn != nil
}

// handleFrame dispatches one inbound frame. A nil return keeps the connection
// open; errAuthFailed (or a transport error) closes it. Malformed frames after
// authentication produce an error frame and keep the connection open.
func (r *Router) handleFrame(ctx context.Context, s *session, data []byte) error {
	env, err := DecodeEnvelope(data)
	if err != nil {
		if !s.authenticated() {
			_ = s.sender.Send(AuthResponse{Type: TypeAuthResponse, Success: false, Message: "first frame must be an auth request"})
			return errAuthFailed
		}
		return s.sender.Send(NewErrorMessage(err.Error()))
	}

	if !s.authenticated() {
		if env.Type != TypeAuth {
			_ = s.sender.Send(AuthResponse{Type: TypeAuthResponse, Success: false, Message: "first frame must be an auth request"})
			return errAuthFailed
		}
		return r.handleAuth(ctx, s, env.Raw)
	}

	switch env.Type {
	case TypeAuth:
		// Re-authentication on an established session is not part of the
		// protocol; ignore it rather than disturb the registry.
		return s.sender.Send(NewErrorMessage("already authenticated"))
	case TypeChatMessage:
		return r.handleChat(ctx, s, env.Raw)
	case TypeReadReceipt:
		return r.handleReceipt(ctx, s, env.Raw)
	case TypeTyping:
		return r.handleTyping(ctx, s, env.Raw)
	default:
		return s.sender.Send(NewErrorMessage(fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

func (r *Router) handleAuth(ctx context.Context, s *session, raw []byte) error {
	var req AuthRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return r.failAuth(s, "malformed auth request")
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return r.failAuth(s, "userId is required")
	}

	if err := auth.CheckTimestamp(time.UnixMilli(req.Timestamp), r.timeNow(), r.replayWindow); err != nil {
		return r.failAuth(s, "timestamp outside allowed window")
	}

	knownKey, err := r.keys.PublicKey(ctx, userID)
	if err != nil {
		return r.failAuth(s, "unknown user or public key")
	}
	// The directory is authoritative; a client presenting a different key is
	// rejected even if its signature would verify.
	if req.PublicKey != "" && req.PublicKey != knownKey {
		return r.failAuth(s, "public key mismatch")
	}

	challenge := auth.AuthChallenge(userID, strings.TrimSpace(req.PeerUserID), req.Timestamp)
	if err := auth.VerifySignature(knownKey, challenge, req.Signature); err != nil {
		return r.failAuth(s, "invalid signature")
	}

	conn := registry.NewConnection(userID, s.sender)
	if !r.registry.Register(conn) {
		// A newer connection for this user completed registration first.
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		_ = s.sender.Send(AuthResponse{Type: TypeAuthResponse, Success: false, Message: "superseded by a newer connection"})
		return errAuthFailed
	}

	s.conn = conn
	s.userID = userID
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	r.log.Info("connection authenticated",
		zap.String("user_id", userID),
		zap.Int64("conn_id", conn.ID))

	if err := s.sender.Send(AuthResponse{Type: TypeAuthResponse, Success: true, Message: "authenticated"}); err != nil {
		return err
	}

	r.flushOffline(ctx, s)
	return nil
}

func (r *Router) failAuth(s *session, msg string) error {
	metrics.AuthAttempts.WithLabelValues("failure").Inc()
	_ = s.sender.Send(AuthResponse{Type: TypeAuthResponse, Success: false, Message: msg})
	return errAuthFailed
}

// flushOffline replays queued messages in origin-timestamp order. Each message
// is marked delivered only after the transport write succeeded; a failed write
// leaves the remainder queued for the next session.
func (r *Router) flushOffline(ctx context.Context, s *session) {
	rows, err := r.queue.Drain(ctx, s.userID)
	if err != nil {
		r.log.Error("offline drain failed", zap.String("user_id", s.userID), zap.Error(err))
		return
	}

	for _, row := range rows {
		frame := ServerChatMessage{
			Type:            TypeServerMessage,
			SenderID:        row.SenderID,
			SenderName:      row.SenderName,
			Text:            row.Payload,
			Timestamp:       row.SentAt.UnixMilli(),
			RecipientID:     row.RecipientID,
			ServerMessageID: row.MessageID,
			SenderPublicKey: row.SenderPublicKey,
		}
		if err := s.conn.Send(frame); err != nil {
			r.log.Warn("offline flush interrupted",
				zap.String("user_id", s.userID),
				zap.String("message_id", row.MessageID),
				zap.Error(err))
			return
		}

		if err := r.queue.MarkDelivered(ctx, row.MessageID); err != nil {
			r.log.Error("mark delivered failed", zap.String("message_id", row.MessageID), zap.Error(err))
		}
		r.recordStatus(ctx, row.MessageID, s.userID, row.SenderID, chatStatusDelivered)
		r.noteInbound(s.userID, row.SenderID)
		metrics.MessagesRouted.WithLabelValues("queued").Inc()
	}

	if len(rows) > 0 {
		r.log.Info("offline queue flushed",
			zap.String("user_id", s.userID),
			zap.Int("messages", len(rows)))
	}
}

const (
	chatStatusSent      = "sent"
	chatStatusDelivered = "delivered"
	chatStatusRead      = "read"
)

func (r *Router) handleChat(ctx context.Context, s *session, raw []byte) error {
	var msg ClientChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return s.sender.Send(NewErrorMessage("malformed chat message"))
	}

	payload := msg.Data
	payload.ID = strings.TrimSpace(payload.ID)
	payload.RecipientID = strings.TrimSpace(payload.RecipientID)
	if payload.ID == "" || payload.RecipientID == "" {
		return s.sender.Send(NewErrorMessage("chat message requires id and recipientId"))
	}
	// The authenticated identity is the only trusted sender.
	if payload.SenderID != "" && payload.SenderID != s.userID {
		return s.sender.Send(NewErrorMessage("senderId does not match authenticated user"))
	}
	payload.SenderID = s.userID

	now := r.timeNow()
	sentAt := now
	if payload.Timestamp > 0 {
		sentAt = time.UnixMilli(payload.Timestamp)
	}

	r.recordReply(ctx, s.userID, payload.RecipientID, now)

	if conn, ok := r.registry.Lookup(payload.RecipientID); ok {
		frame := ServerChatMessage{
			Type:            TypeServerMessage,
			SenderID:        payload.SenderID,
			SenderName:      payload.SenderName,
			Text:            payload.EncryptedPayload,
			Timestamp:       sentAt.UnixMilli(),
			RecipientID:     payload.RecipientID,
			ServerMessageID: payload.ID,
		}
		if err := conn.Send(frame); err == nil {
			r.recordStatus(ctx, payload.ID, payload.RecipientID, s.userID, chatStatusDelivered)
			r.noteInbound(payload.RecipientID, s.userID)
			metrics.MessagesRouted.WithLabelValues("live").Inc()
			return nil
		}
		r.log.Warn("live forward failed, queueing",
			zap.String("message_id", payload.ID),
			zap.String("recipient_id", payload.RecipientID))
	}

	if err := r.queue.Enqueue(ctx, chat.EnqueueMessageInput{
		MessageID:   payload.ID,
		SenderID:    payload.SenderID,
		RecipientID: payload.RecipientID,
		SenderName:  payload.SenderName,
		Payload:     payload.EncryptedPayload,
		SentAt:      sentAt,
	}); err != nil {
		r.log.Error("enqueue failed", zap.String("message_id", payload.ID), zap.Error(err))
		return s.sender.Send(NewErrorMessage("message could not be stored"))
	}
	r.recordStatus(ctx, payload.ID, payload.RecipientID, s.userID, chatStatusSent)
	metrics.MessagesRouted.WithLabelValues("queued").Inc()
	return nil
}

func (r *Router) handleReceipt(ctx context.Context, s *session, raw []byte) error {
	var req ReadReceiptRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return s.sender.Send(NewErrorMessage("malformed read receipt"))
	}

	req.MessageID = strings.TrimSpace(req.MessageID)
	req.SenderID = strings.TrimSpace(req.SenderID)
	if req.MessageID == "" || req.SenderID == "" {
		return s.sender.Send(NewErrorMessage("read receipt requires messageId and senderId"))
	}

	status := strings.ToLower(strings.TrimSpace(req.Status))
	if status == "" {
		status = chatStatusRead
	}

	statusAt := r.timeNow()
	if req.Timestamp > 0 {
		statusAt = time.UnixMilli(req.Timestamp)
	}

	changed, err := r.statuses.Upsert(ctx, chat.UpsertStatusInput{
		MessageID:   req.MessageID,
		RecipientID: s.userID,
		SenderID:    req.SenderID,
		Status:      status,
		StatusAt:    statusAt,
	})
	if err != nil {
		r.log.Error("receipt upsert failed", zap.String("message_id", req.MessageID), zap.Error(err))
		return s.sender.Send(NewErrorMessage("receipt could not be stored"))
	}
	metrics.ReceiptsProcessed.WithLabelValues(status).Inc()

	// Forward only receipts that moved the stored status; a duplicate or
	// regressive receipt is absorbed silently.
	if !changed {
		return nil
	}
	if conn, ok := r.registry.Lookup(req.SenderID); ok {
		notification := ReadReceiptNotification{
			Type:      TypeReadReceiptNotification,
			MessageID: req.MessageID,
			ReaderID:  s.userID,
			Timestamp: statusAt.UnixMilli(),
			Status:    status,
		}
		if err := conn.Send(notification); err != nil {
			r.log.Warn("receipt forward failed",
				zap.String("message_id", req.MessageID),
				zap.String("sender_id", req.SenderID))
		}
	}
	return nil
}

func (r *Router) handleTyping(ctx context.Context, s *session, raw []byte) error {
	_ = ctx

	var ind TypingIndicator
	if err := json.Unmarshal(raw, &ind); err != nil {
		return s.sender.Send(NewErrorMessage("malformed typing indicator"))
	}
	ind.SenderID = s.userID
	ind.RecipientID = strings.TrimSpace(ind.RecipientID)
	if ind.RecipientID == "" {
		return s.sender.Send(NewErrorMessage("typing indicator requires recipientId"))
	}

	// Best effort pass-through; dropped when the recipient is offline.
	if conn, ok := r.registry.Lookup(ind.RecipientID); ok {
		_ = conn.Send(ind)
	}
	return nil
}

// closeSession releases the registry slot held by the session, if any. A stale
// identifier (the session was superseded) leaves the newer registration alone.
func (r *Router) closeSession(s *session) {
	if s.conn == nil {
		return
	}
	if r.registry.Unregister(s.userID, s.conn.ID) {
		r.log.Info("connection closed",
			zap.String("user_id", s.userID),
			zap.Int64("conn_id", s.conn.ID))
	}
	s.conn = nil
}

// NotifyFile implements chat.FileNotifier by pushing a file notice onto the
// recipient's live connection.
func (r *Router) NotifyFile(recipientID string, notice chat.FileNotice) bool {
	conn, ok := r.registry.Lookup(recipientID)
	if !ok {
		return false
	}

	frame := struct {
		Type string `json:"type"`
		chat.FileNotice
	}{Type: TypeFileNotification, FileNotice: notice}

	if err := conn.Send(frame); err != nil {
		r.log.Warn("file notice push failed",
			zap.String("recipient_id", recipientID),
			zap.String("file_id", notice.FileID))
	}
	return true
}

func (r *Router) recordStatus(ctx context.Context, messageID, recipientID, senderID, status string) {
	if _, err := r.statuses.Upsert(ctx, chat.UpsertStatusInput{
		MessageID:   messageID,
		RecipientID: recipientID,
		SenderID:    senderID,
		Status:      status,
		StatusAt:    r.timeNow(),
	}); err != nil {
		r.log.Error("status upsert failed",
			zap.String("message_id", messageID),
			zap.String("status", status),
			zap.Error(err))
	}
}

// noteInbound remembers when user last received a message from partner.
func (r *Router) noteInbound(userID, partnerID string) {
	if r.responseTimes == nil {
		return
	}
	r.lastInbound.Store(userID+"|"+partnerID, r.timeNow())
}

// recordReply converts a remembered inbound timestamp into a reply-latency
// sample the first time user answers partner.
func (r *Router) recordReply(ctx context.Context, userID, partnerID string, repliedAt time.Time) {
	if r.responseTimes == nil {
		return
	}
	key := userID + "|" + partnerID
	v, ok := r.lastInbound.LoadAndDelete(key)
	if !ok {
		return
	}
	receivedAt := v.(time.Time)
	if err := r.responseTimes.Record(ctx, userID, partnerID, receivedAt, repliedAt); err != nil {
		r.log.Warn("response time record failed",
			zap.String("user_id", userID),
			zap.String("partner_id", partnerID),
			zap.Error(err))
	}
}
