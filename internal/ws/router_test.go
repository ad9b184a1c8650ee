package ws

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swapdesk/chatserver/internal/auth"
	"github.com/swapdesk/chatserver/internal/chat"
	"github.com/swapdesk/chatserver/internal/database/testutil"
	"github.com/swapdesk/chatserver/internal/models"
	"github.com/swapdesk/chatserver/internal/registry"
)

type fakeSender struct {
	mu          sync.Mutex
	frames      []interface{}
	closed      bool
	closeCode   int
	closeReason string
}

func (f *fakeSender) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeSender) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeSender) sent() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeSender) lastFrame() interface{} {
	frames := f.sent()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

type testIdentity struct {
	userID string
	priv   ed25519.PrivateKey
	pubB64 string
}

func newIdentity(t *testing.T, userID string) testIdentity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testIdentity{
		userID: userID,
		priv:   priv,
		pubB64: base64.StdEncoding.EncodeToString(pub),
	}
}

type routerFixture struct {
	router   *Router
	registry *registry.Registry
	queue    *chat.OfflineQueueService
	statuses *chat.DeliveryStatusService
	keys     *auth.StaticKeyDirectory
}

func newRouterFixture(t *testing.T, opts ...RouterOption) *routerFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	queue, err := chat.NewOfflineQueueService(db)
	require.NoError(t, err)
	statuses, err := chat.NewDeliveryStatusService(db)
	require.NoError(t, err)

	reg := registry.New()
	keys := auth.NewStaticKeyDirectory(nil)

	router, err := NewRouter(reg, queue, statuses, keys, opts...)
	require.NoError(t, err)

	return &routerFixture{
		router:   router,
		registry: reg,
		queue:    queue,
		statuses: statuses,
		keys:     keys,
	}
}

func (fx *routerFixture) authFrame(t *testing.T, id testIdentity) []byte {
	t.Helper()
	ts := time.Now().UnixMilli()
	sig := ed25519.Sign(id.priv, auth.AuthChallenge(id.userID, "", ts))
	frame, err := json.Marshal(AuthRequest{
		Type:      TypeAuth,
		UserID:    id.userID,
		PublicKey: id.pubB64,
		Timestamp: ts,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	require.NoError(t, err)
	return frame
}

// connect registers the identity's key, opens a session and completes the
// handshake.
func (fx *routerFixture) connect(t *testing.T, id testIdentity) (*session, *fakeSender) {
	t.Helper()
	fx.keys.Put(id.userID, id.pubB64)

	sender := &fakeSender{}
	s := fx.router.newSession(sender)
	require.NoError(t, fx.router.handleFrame(context.Background(), s, fx.authFrame(t, id)))
	require.True(t, s.authenticated())

	resp, ok := sender.sent()[0].(AuthResponse)
	require.True(t, ok)
	require.True(t, resp.Success)
	return s, sender
}

func chatFrame(t *testing.T, messageID, senderID, recipientID, payload string) []byte {
	t.Helper()
	frame, err := json.Marshal(ClientChatMessage{
		Type: TypeChatMessage,
		Data: ChatPayload{
			ID:               messageID,
			SenderID:         senderID,
			SenderName:       senderID,
			RecipientID:      recipientID,
			EncryptedPayload: payload,
			Timestamp:        time.Now().UnixMilli(),
		},
	})
	require.NoError(t, err)
	return frame
}

func TestAuthRejectsBadSignature(t *testing.T) {
	fx := newRouterFixture(t)
	alice := newIdentity(t, "alice")
	mallory := newIdentity(t, "mallory")
	fx.keys.Put(alice.userID, alice.pubB64)

	// Mallory signs Alice's challenge with her own key.
	ts := time.Now().UnixMilli()
	sig := ed25519.Sign(mallory.priv, auth.AuthChallenge(alice.userID, "", ts))
	frame, err := json.Marshal(AuthRequest{
		Type:      TypeAuth,
		UserID:    alice.userID,
		Timestamp: ts,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	require.NoError(t, err)

	sender := &fakeSender{}
	s := fx.router.newSession(sender)
	require.ErrorIs(t, fx.router.handleFrame(context.Background(), s, frame), errAuthFailed)
	require.False(t, s.authenticated())
	require.False(t, fx.registry.IsOnline(alice.userID))

	resp := sender.lastFrame().(AuthResponse)
	require.False(t, resp.Success)
}

func TestAuthRejectsStaleTimestamp(t *testing.T) {
	fx := newRouterFixture(t)
	alice := newIdentity(t, "alice")
	fx.keys.Put(alice.userID, alice.pubB64)

	ts := time.Now().Add(-10 * time.Minute).UnixMilli()
	sig := ed25519.Sign(alice.priv, auth.AuthChallenge(alice.userID, "", ts))
	frame, err := json.Marshal(AuthRequest{
		Type:      TypeAuth,
		UserID:    alice.userID,
		PublicKey: alice.pubB64,
		Timestamp: ts,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	require.NoError(t, err)

	s := fx.router.newSession(&fakeSender{})
	require.ErrorIs(t, fx.router.handleFrame(context.Background(), s, frame), errAuthFailed)
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	fx := newRouterFixture(t)

	sender := &fakeSender{}
	s := fx.router.newSession(sender)
	err := fx.router.handleFrame(context.Background(), s, chatFrame(t, "m1", "alice", "bob", "x"))
	require.ErrorIs(t, err, errAuthFailed)

	resp := sender.lastFrame().(AuthResponse)
	require.False(t, resp.Success)
}

func TestSecondLoginSupersedesFirst(t *testing.T) {
	fx := newRouterFixture(t)
	alice := newIdentity(t, "alice")

	_, firstSender := fx.connect(t, alice)
	second, _ := fx.connect(t, alice)

	require.True(t, firstSender.closed)
	require.Equal(t, registry.CloseCodeSuperseded, firstSender.closeCode)
	require.Equal(t, registry.ReasonSuperseded, firstSender.closeReason)

	conn, ok := fx.registry.Lookup(alice.userID)
	require.True(t, ok)
	require.Equal(t, second.conn.ID, conn.ID)
}

func TestLiveRoutingRecordsDelivered(t *testing.T) {
	fx := newRouterFixture(t)
	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")

	aliceSession, _ := fx.connect(t, alice)
	_, bobSender := fx.connect(t, bob)

	err := fx.router.handleFrame(context.Background(), aliceSession, chatFrame(t, "m1", "alice", "bob", "ciphertext"))
	require.NoError(t, err)

	var delivered *ServerChatMessage
	for _, frame := range bobSender.sent() {
		if msg, ok := frame.(ServerChatMessage); ok {
			delivered = &msg
			break
		}
	}
	require.NotNil(t, delivered)
	require.Equal(t, "alice", delivered.SenderID)
	require.Equal(t, "ciphertext", delivered.Text)
	require.Equal(t, "m1", delivered.ServerMessageID)

	record, err := fx.statuses.LatestStatusFor(context.Background(), "m1")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, models.StatusDelivered, record.Status)

	// Nothing was queued on the live path.
	count, err := fx.queue.PendingCount(context.Background(), "bob")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestSenderSpoofRejected(t *testing.T) {
	fx := newRouterFixture(t)
	alice := newIdentity(t, "alice")
	aliceSession, aliceSender := fx.connect(t, alice)

	err := fx.router.handleFrame(context.Background(), aliceSession, chatFrame(t, "m1", "mallory", "bob", "x"))
	require.NoError(t, err, "spoofed frame keeps the connection open")

	errFrame, ok := aliceSender.lastFrame().(ErrorMessage)
	require.True(t, ok)
	require.Contains(t, errFrame.Error, "senderId")
}

func TestUnknownFrameTypeKeepsConnectionOpen(t *testing.T) {
	fx := newRouterFixture(t)
	alice := newIdentity(t, "alice")
	aliceSession, aliceSender := fx.connect(t, alice)

	err := fx.router.handleFrame(context.Background(), aliceSession, []byte(`{"type":"presence_ping"}`))
	require.NoError(t, err)

	errFrame, ok := aliceSender.lastFrame().(ErrorMessage)
	require.True(t, ok)
	require.Contains(t, errFrame.Error, "presence_ping")

	// The session still routes afterwards.
	require.True(t, aliceSession.authenticated())
	require.True(t, fx.registry.IsOnline(alice.userID))
}

// Full lifecycle: a message to an offline recipient is queued with a sent
// status, replayed on reconnect and marked delivered, and the reader's receipt
// both upgrades the stored status and reaches the online sender.
func TestOfflineDeliveryAndReadReceiptLifecycle(t *testing.T) {
	fx := newRouterFixture(t)
	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")
	ctx := context.Background()

	aliceSession, aliceSender := fx.connect(t, alice)

	// Bob is offline: the message is queued, status sent.
	require.NoError(t, fx.router.handleFrame(ctx, aliceSession, chatFrame(t, "m1", "alice", "bob", "hello-bob")))

	count, err := fx.queue.PendingCount(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	record, err := fx.statuses.LatestStatusFor(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.StatusSent, record.Status)

	// Bob connects: the queued message is flushed and marked delivered.
	bobSession, bobSender := fx.connect(t, bob)

	var flushed *ServerChatMessage
	for _, frame := range bobSender.sent() {
		if msg, ok := frame.(ServerChatMessage); ok {
			flushed = &msg
			break
		}
	}
	require.NotNil(t, flushed)
	require.Equal(t, "hello-bob", flushed.Text)
	require.Equal(t, "m1", flushed.ServerMessageID)

	count, err = fx.queue.PendingCount(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, count)

	record, err = fx.statuses.LatestStatusFor(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.StatusDelivered, record.Status)

	// Bob reads: the stored status upgrades and Alice is notified live.
	receipt, err := json.Marshal(ReadReceiptRequest{
		Type:      TypeReadReceipt,
		MessageID: "m1",
		SenderID:  "alice",
		Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, fx.router.handleFrame(ctx, bobSession, receipt))

	record, err = fx.statuses.LatestStatusFor(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.StatusRead, record.Status)

	var notified *ReadReceiptNotification
	for _, frame := range aliceSender.sent() {
		if n, ok := frame.(ReadReceiptNotification); ok {
			notified = &n
			break
		}
	}
	require.NotNil(t, notified)
	require.Equal(t, "m1", notified.MessageID)
	require.Equal(t, "bob", notified.ReaderID)
	require.Equal(t, models.StatusRead, notified.Status)

	// A duplicate receipt changes nothing and is not re-forwarded.
	before := len(aliceSender.sent())
	require.NoError(t, fx.router.handleFrame(ctx, bobSession, receipt))
	require.Len(t, aliceSender.sent(), before)
}

func TestOfflineFlushPreservesOrder(t *testing.T) {
	fx := newRouterFixture(t)
	bob := newIdentity(t, "bob")
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for _, m := range []struct {
		id     string
		offset time.Duration
	}{
		{"m2", 2 * time.Minute},
		{"m1", 1 * time.Minute},
		{"m3", 3 * time.Minute},
	} {
		require.NoError(t, fx.queue.Enqueue(ctx, chat.EnqueueMessageInput{
			MessageID:   m.id,
			SenderID:    "alice",
			RecipientID: "bob",
			Payload:     "blob-" + m.id,
			SentAt:      base.Add(m.offset),
		}))
	}

	_, bobSender := fx.connect(t, bob)

	var order []string
	for _, frame := range bobSender.sent() {
		if msg, ok := frame.(ServerChatMessage); ok {
			order = append(order, msg.ServerMessageID)
		}
	}
	require.Equal(t, []string{"m1", "m2", "m3"}, order)
}

func TestUnregisterOnCloseOnlyForOwnConnection(t *testing.T) {
	fx := newRouterFixture(t)
	alice := newIdentity(t, "alice")

	first, _ := fx.connect(t, alice)
	second, _ := fx.connect(t, alice)

	// The superseded session's teardown must not evict the newer one.
	fx.router.closeSession(first)
	require.True(t, fx.registry.IsOnline(alice.userID))

	fx.router.closeSession(second)
	require.False(t, fx.registry.IsOnline(alice.userID))
}

func TestNotifyFileReachesOnlineRecipient(t *testing.T) {
	fx := newRouterFixture(t)
	bob := newIdentity(t, "bob")
	_, bobSender := fx.connect(t, bob)

	notice := chat.FileNotice{FileID: "f1", SenderID: "alice", Filename: "a.enc", FileSize: 3}
	require.True(t, fx.router.NotifyFile("bob", notice))
	require.False(t, fx.router.NotifyFile("nobody", notice))

	raw, err := json.Marshal(bobSender.lastFrame())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, TypeFileNotification, decoded["type"])
	require.Equal(t, "f1", decoded["fileId"])
}

func TestReplyLatencyRecorded(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	queue, err := chat.NewOfflineQueueService(db)
	require.NoError(t, err)
	statuses, err := chat.NewDeliveryStatusService(db)
	require.NoError(t, err)
	responseTimes, err := chat.NewResponseTimeService(db)
	require.NoError(t, err)

	reg := registry.New()
	keys := auth.NewStaticKeyDirectory(nil)
	router, err := NewRouter(reg, queue, statuses, keys, WithResponseTimes(responseTimes))
	require.NoError(t, err)

	fx := &routerFixture{router: router, registry: reg, queue: queue, statuses: statuses, keys: keys}
	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")
	ctx := context.Background()

	aliceSession, _ := fx.connect(t, alice)
	bobSession, _ := fx.connect(t, bob)

	require.NoError(t, fx.router.handleFrame(ctx, aliceSession, chatFrame(t, "m1", "alice", "bob", "question")))
	require.NoError(t, fx.router.handleFrame(ctx, bobSession, chatFrame(t, "m2", "bob", "alice", "answer")))

	var rows []models.ChatResponseTime
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, "bob", rows[0].UserID)
	require.Equal(t, "alice", rows[0].PartnerID)

	// A second reply without a new inbound message adds no sample.
	require.NoError(t, fx.router.handleFrame(ctx, bobSession, chatFrame(t, "m3", "bob", "alice", "again")))
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
}
