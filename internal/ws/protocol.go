package ws

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators. Every frame on the wire is a JSON object with a
// "type" field naming its kind.
const (
	TypeAuth                    = "auth"
	TypeAuthResponse            = "auth_response"
	TypeChatMessage             = "chat_message"
	TypeServerMessage           = "server_message"
	TypeReadReceipt             = "read_receipt"
	TypeReadReceiptNotification = "read_receipt_notification"
	TypeFileNotification        = "file_notification"
	TypeTyping                  = "typing"
	TypeError                   = "error"
)

// Envelope is the minimal decode target used to dispatch on frame kind.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// DecodeEnvelope parses the discriminator while keeping the raw bytes for a
// second, kind-specific decode.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, fmt.Errorf("frame missing type")
	}
	return Envelope{Type: head.Type, Raw: data}, nil
}

// AuthRequest is the mandatory first frame of every connection.
type AuthRequest struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	PeerUserID string `json:"peerUserId"`
	PublicKey  string `json:"publicKey"`
	Timestamp  int64  `json:"timestamp"` // unix millis
	Signature  string `json:"signature"`
}

// AuthResponse reports the outcome of authentication.
type AuthResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ChatPayload is the client-supplied body of an outbound chat message.
type ChatPayload struct {
	ID               string `json:"id"`
	SenderID         string `json:"senderId"`
	SenderName       string `json:"senderName"`
	RecipientID      string `json:"recipientId"`
	EncryptedPayload string `json:"encryptedPayload"`
	Timestamp        int64  `json:"timestamp"` // unix millis
}

// ClientChatMessage wraps a chat payload sent by a client.
type ClientChatMessage struct {
	Type string      `json:"type"`
	Data ChatPayload `json:"data"`
}

// ServerChatMessage is the frame delivered to a recipient.
type ServerChatMessage struct {
	Type            string `json:"type"`
	SenderID        string `json:"senderId"`
	SenderName      string `json:"senderName,omitempty"`
	Text            string `json:"text"`
	Timestamp       int64  `json:"timestamp"`
	RecipientID     string `json:"recipientId"`
	ServerMessageID string `json:"serverMessageId"`
	SenderPublicKey string `json:"senderPublicKey,omitempty"`
}

// ReadReceiptRequest reports that the connected user has read (or received)
// a message originally sent by SenderID.
type ReadReceiptRequest struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Status    string `json:"status,omitempty"` // defaults to read
	Timestamp int64  `json:"timestamp"`
}

// ReadReceiptNotification is forwarded to the original sender.
type ReadReceiptNotification struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ReaderID  string `json:"readerId"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

// TypingIndicator is passed through verbatim to the recipient when online.
type TypingIndicator struct {
	Type        string `json:"type"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Timestamp   int64  `json:"timestamp"`
}

// ErrorMessage reports a malformed or unprocessable frame. The connection
// stays open.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Error: msg}
}
