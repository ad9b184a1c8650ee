package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub), priv
}

func TestVerifySignature(t *testing.T) {
	pubB64, priv := generateKeyPair(t)

	challenge := AuthChallenge("u1", "u2", 1700000000000)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, challenge))

	require.NoError(t, VerifySignature(pubB64, challenge, sig))

	// Tampered challenge fails.
	require.ErrorIs(t, VerifySignature(pubB64, AuthChallenge("u1", "u2", 1), sig), ErrInvalidSignature)

	// Garbage key fails.
	require.ErrorIs(t, VerifySignature("not-base64!!", challenge, sig), ErrInvalidPublicKey)

	// Truncated signature fails.
	require.ErrorIs(t, VerifySignature(pubB64, challenge, "c2hvcnQ="), ErrInvalidSignature)
}

func TestCheckTimestamp(t *testing.T) {
	now := time.Now()

	require.NoError(t, CheckTimestamp(now.Add(-time.Minute), now, 5*time.Minute))
	require.NoError(t, CheckTimestamp(now.Add(time.Minute), now, 5*time.Minute))
	require.ErrorIs(t, CheckTimestamp(now.Add(-6*time.Minute), now, 5*time.Minute), ErrStaleTimestamp)
	require.ErrorIs(t, CheckTimestamp(now.Add(6*time.Minute), now, 5*time.Minute), ErrStaleTimestamp)

	// Zero window falls back to the default.
	require.NoError(t, CheckTimestamp(now.Add(-time.Minute), now, 0))
}

func TestStaticKeyDirectory(t *testing.T) {
	dir := NewStaticKeyDirectory(map[string]string{"u1": "key1"})

	key, err := dir.PublicKey(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "key1", key)

	_, err = dir.PublicKey(context.Background(), "missing")
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	dir.Put("u2", "key2")
	key, err = dir.PublicKey(context.Background(), "u2")
	require.NoError(t, err)
	require.Equal(t, "key2", key)
}
