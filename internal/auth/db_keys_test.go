package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swapdesk/chatserver/internal/database/testutil"
)

func TestDBKeyDirectory(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	dir, err := NewDBKeyDirectory(db)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = dir.PublicKey(ctx, "alice")
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	require.NoError(t, dir.Put(ctx, "alice", "key-one"))
	key, err := dir.PublicKey(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "key-one", key)

	// Replacing an existing key wins on the next lookup.
	require.NoError(t, dir.Put(ctx, "alice", "key-two"))
	key, err = dir.PublicKey(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "key-two", key)

	require.Error(t, dir.Put(ctx, "", "key"))
}
