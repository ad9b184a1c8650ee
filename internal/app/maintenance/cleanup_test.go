package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swapdesk/chatserver/internal/chat"
	"github.com/swapdesk/chatserver/internal/database/testutil"
	"github.com/swapdesk/chatserver/internal/models"
)

func TestRunOnceSweepsAllTargets(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	ctx := context.Background()

	queue, err := chat.NewOfflineQueueService(db)
	require.NoError(t, err)
	statuses, err := chat.NewDeliveryStatusService(db)
	require.NoError(t, err)
	responseTimes, err := chat.NewResponseTimeService(db)
	require.NoError(t, err)

	fileNow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	files, err := chat.NewFileService(db, nil, chat.WithFileClock(func() time.Time { return fileNow }))
	require.NoError(t, err)

	// A delivered offline message older than any retention window.
	require.NoError(t, queue.Enqueue(ctx, chat.EnqueueMessageInput{
		MessageID: "m-old", SenderID: "alice", RecipientID: "bob", Payload: "x",
		SentAt: time.Now().AddDate(0, 0, -60),
	}))
	require.NoError(t, queue.MarkDelivered(ctx, "m-old"))
	// Force the delivery timestamp into the past.
	require.NoError(t, db.Model(&models.OfflineMessage{}).
		Where("message_id = ?", "m-old").
		Update("delivered_at", time.Now().AddDate(0, 0, -60)).Error)

	// An undelivered message that must survive every sweep.
	require.NoError(t, queue.Enqueue(ctx, chat.EnqueueMessageInput{
		MessageID: "m-live", SenderID: "alice", RecipientID: "bob", Payload: "y",
		SentAt: time.Now(),
	}))

	// A status record past retention.
	_, err = statuses.Upsert(ctx, chat.UpsertStatusInput{
		MessageID: "m-old", RecipientID: "bob", SenderID: "alice",
		Status: models.StatusRead, StatusAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.DeliveryStatus{}).
		Where("message_id = ?", "m-old").
		Update("created_at", time.Now().AddDate(0, 0, -60)).Error)

	// A file whose TTL elapses before the sweep runs.
	_, err = files.Upload(ctx, chat.UploadFileInput{
		SenderID: "alice", RecipientID: "bob", Filename: "old.enc",
		TTLHours: 1, Content: []byte("z"),
	})
	require.NoError(t, err)
	fileNow = fileNow.Add(2 * time.Hour)

	// An old response-time sample.
	old := time.Now().AddDate(0, 0, -120)
	require.NoError(t, responseTimes.Record(ctx, "bob", "alice", old, old.Add(time.Minute)))
	require.NoError(t, db.Model(&models.ChatResponseTime{}).
		Where("user_id = ?", "bob").
		Update("created_at", old).Error)

	cleaner := NewCleaner(queue, statuses, files, responseTimes,
		WithOfflineRetentionDays(7),
		WithStatusRetentionDays(30),
		WithResponseTimeRetentionDays(90),
		WithFileDownloadGrace(24*time.Hour),
		WithNow(time.Now),
	)

	require.NoError(t, cleaner.RunOnce(ctx))

	count, err := queue.PendingCount(ctx, "bob")
	require.NoError(t, err)
	require.EqualValues(t, 1, count, "undelivered message survives")

	record, err := statuses.LatestStatusFor(ctx, "m-old")
	require.NoError(t, err)
	require.Nil(t, record)

	var fileCount int64
	require.NoError(t, db.Model(&models.EncryptedFile{}).Count(&fileCount).Error)
	require.Zero(t, fileCount)

	var rtCount int64
	require.NoError(t, db.Model(&models.ChatResponseTime{}).Count(&rtCount).Error)
	require.Zero(t, rtCount)
}

func TestRunOnceWithNilServices(t *testing.T) {
	cleaner := NewCleaner(nil, nil, nil, nil)
	require.NoError(t, cleaner.RunOnce(context.Background()))
}

func TestCleanerStartStop(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	queue, err := chat.NewOfflineQueueService(db)
	require.NoError(t, err)

	cleaner := NewCleaner(queue, nil, nil, nil, WithSchedule("@every 1h"))
	require.NoError(t, cleaner.Start())

	done := cleaner.Stop()
	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
