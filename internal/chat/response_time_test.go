package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swapdesk/chatserver/internal/database/testutil"
	"github.com/swapdesk/chatserver/internal/models"
)

func TestResponseTimeRecord(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	svc, err := NewResponseTimeService(db)
	require.NoError(t, err)

	received := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	replied := received.Add(90 * time.Minute)

	require.NoError(t, svc.Record(context.Background(), "bob", "alice", received, replied))

	var stored models.ChatResponseTime
	require.NoError(t, db.First(&stored).Error)
	require.Equal(t, "bob", stored.UserID)
	require.Equal(t, "alice", stored.PartnerID)
	require.InDelta(t, 1.5, stored.LatencyHours, 0.001)

	// Reply before receipt is rejected.
	require.Error(t, svc.Record(context.Background(), "bob", "alice", replied, received))
}

func TestResponseTimeSweep(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	svc, err := NewResponseTimeService(db)
	require.NoError(t, err)

	received := time.Now().Add(-time.Hour)
	require.NoError(t, svc.Record(context.Background(), "bob", "alice", received, received.Add(time.Minute)))

	deleted, err := svc.Sweep(context.Background(), 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	var count int64
	require.NoError(t, db.Model(&models.ChatResponseTime{}).Count(&count).Error)
	require.Zero(t, count)
}
