package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteInMemory(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite"})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	var count int64
	require.NoError(t, db.Table("offline_messages").Count(&count).Error)
	require.Zero(t, count)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{Driver: "postgres", User: "chat", Name: "chatdb", Password: "secret"})
	require.NoError(t, err)
	require.Contains(t, dsn, "host=localhost")
	require.Contains(t, dsn, "dbname=chatdb")
	require.Contains(t, dsn, "sslmode=disable")

	_, err = buildPostgresDSN(Config{Driver: "postgres"})
	require.Error(t, err)
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{Driver: "mysql", User: "chat", Password: "pw", Name: "chatdb"})
	require.NoError(t, err)
	require.Equal(t, "chat:pw@tcp(127.0.0.1:3306)/chatdb?charset=utf8mb4&parseTime=True&loc=Local", dsn)

	_, err = buildMySQLDSN(Config{Driver: "mysql"})
	require.Error(t, err)
}
