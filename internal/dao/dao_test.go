package dao

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modfin/utskick"
)

func testDAO(t *testing.T) DAO {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "utskick.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func testBatch(n int) (Batch, []Message) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	batch := Batch{
		ID:          uuid.New().String(),
		Subject:     "Subject",
		Body:        "Body",
		StartAt:     start,
		DelayMs:     2000,
		TotalEmails: int64(n),
		Status:      utskick.BatchRunning,
		CreatedAt:   start,
	}
	var messages []Message
	for i := 0; i < n; i++ {
		messages = append(messages, Message{
			ID:          uuid.New().String(),
			BatchID:     batch.ID,
			To:          "to@example.com",
			Subject:     batch.Subject,
			Body:        batch.Body,
			ScheduledAt: start.Add(time.Duration(i) * 2 * time.Second),
			Status:      utskick.StatusScheduled,
			CreatedAt:   start,
		})
	}
	return batch, messages
}

func TestCreateBatchAndReadBack(t *testing.T) {
	db := testDAO(t)

	batch, messages := testBatch(3)
	require.NoError(t, db.CreateBatch(batch, messages))

	got, err := db.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, utskick.BatchRunning, got.Status)
	assert.Equal(t, int64(3), got.TotalEmails)

	count, err := db.CountMessages(batch.ID, utskick.StatusScheduled)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	msg, err := db.GetMessage(messages[1].ID)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, msg.BatchID)
	assert.True(t, msg.ScheduledAt.Equal(batch.StartAt.Add(2*time.Second)))
}

func TestGetMessage_NotFound(t *testing.T) {
	db := testDAO(t)

	_, err := db.GetMessage("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.GetBatch("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalStatusIsSticky(t *testing.T) {
	db := testDAO(t)

	batch, messages := testBatch(1)
	require.NoError(t, db.CreateBatch(batch, messages))

	sentAt := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	require.NoError(t, db.SetMessageSent(messages[0].ID, sentAt))

	// a second terminal transition must not go through
	err := db.SetMessageSent(messages[0].ID, sentAt.Add(time.Hour))
	assert.Error(t, err)
	err = db.SetMessageFailed(messages[0].ID, "late failure")
	assert.Error(t, err)

	msg, err := db.GetMessage(messages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, utskick.StatusSent, msg.Status)
	require.NotNil(t, msg.SentAt)
	assert.True(t, msg.SentAt.Equal(sentAt))
	assert.Empty(t, msg.Error)
}

func TestSetMessageFailedKeepsDetail(t *testing.T) {
	db := testDAO(t)

	batch, messages := testBatch(1)
	require.NoError(t, db.CreateBatch(batch, messages))

	require.NoError(t, db.SetMessageFailed(messages[0].ID, "454 relay refused"))

	msg, err := db.GetMessage(messages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, utskick.StatusFailed, msg.Status)
	assert.Equal(t, "454 relay refused", msg.Error)
	assert.Nil(t, msg.SentAt)
}

func TestSetBatchStatus_Conditional(t *testing.T) {
	db := testDAO(t)

	batch, messages := testBatch(1)
	require.NoError(t, db.CreateBatch(batch, messages))

	changed, err := db.SetBatchStatus(batch.ID, utskick.BatchRunning, utskick.BatchCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := db.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, utskick.BatchCompleted, got.Status)

	// moving from the wrong precondition is a no-op
	changed, err = db.SetBatchStatus(batch.ID, utskick.BatchRunning, "WHATEVER")
	require.NoError(t, err)
	assert.False(t, changed)
	got, err = db.GetBatch(batch.ID)
	require.NoError(t, err)
	assert.Equal(t, utskick.BatchCompleted, got.Status)
}

func TestListings(t *testing.T) {
	db := testDAO(t)

	batch, messages := testBatch(4)
	require.NoError(t, db.CreateBatch(batch, messages))

	t0 := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, db.SetMessageSent(messages[0].ID, t0))
	require.NoError(t, db.SetMessageSent(messages[1].ID, t0.Add(time.Minute)))
	require.NoError(t, db.SetMessageFailed(messages[2].ID, "boom"))

	scheduled, err := db.GetMessagesByStatus(utskick.StatusScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, messages[3].ID, scheduled[0].ID)

	terminal, err := db.GetMessagesByStatusIn(utskick.StatusSent, utskick.StatusFailed)
	require.NoError(t, err)
	require.Len(t, terminal, 3)
	// sent_at desc, NULL (failed) last
	assert.Equal(t, messages[1].ID, terminal[0].ID)
	assert.Equal(t, messages[0].ID, terminal[1].ID)
	assert.Equal(t, messages[2].ID, terminal[2].ID)
}

func TestScheduledOrdering(t *testing.T) {
	db := testDAO(t)

	batch, messages := testBatch(3)
	// insert out of order, listing must come back by scheduled_at asc
	require.NoError(t, db.CreateBatch(batch, []Message{messages[2], messages[0], messages[1]}))

	scheduled, err := db.GetMessagesByStatus(utskick.StatusScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 3)
	for i := 1; i < len(scheduled); i++ {
		assert.False(t, scheduled[i].ScheduledAt.Before(scheduled[i-1].ScheduledAt))
	}
}
