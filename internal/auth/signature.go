package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("timestamp outside replay window")
)

// DefaultReplayWindow bounds how old (or how far in the future) a signed
// timestamp may be before the request is rejected.
const DefaultReplayWindow = 5 * time.Minute

// VerifySignature checks an ed25519 signature over challenge using the
// base64-encoded public key and signature.
func VerifySignature(publicKeyB64 string, challenge []byte, signatureB64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	if !ed25519.Verify(ed25519.PublicKey(publicKey), challenge, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckTimestamp rejects timestamps outside the replay window around now.
func CheckTimestamp(ts time.Time, now time.Time, window time.Duration) error {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > window {
		return ErrStaleTimestamp
	}
	return nil
}

// AuthChallenge is the canonical byte string a client signs to authenticate
// a websocket session.
func AuthChallenge(userID, peerUserID string, timestampMillis int64) []byte {
	return []byte(fmt.Sprintf("auth:%s:%s:%d", userID, peerUserID, timestampMillis))
}

// RequestChallenge is the canonical byte string signed for REST requests
// carrying X-User-ID / X-Timestamp / X-Signature headers.
func RequestChallenge(userID string, timestampMillis int64) []byte {
	return []byte(fmt.Sprintf("%s:%d", userID, timestampMillis))
}
