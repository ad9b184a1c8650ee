package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/swapdesk/chatserver/internal/database"
)

var dbCounter atomic.Int64

// MustOpenTestDB opens an isolated in-memory SQLite database for tests and
// applies the chat schema. The returned connection is automatically closed
// via t.Cleanup.
func MustOpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// A named shared-cache database keeps gorm's pooled connections on the
	// same in-memory store while isolating parallel tests from each other.
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared&_foreign_keys=1", dbCounter.Add(1))

	db, err := database.Open(database.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)

	require.NoError(t, database.AutoMigrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
