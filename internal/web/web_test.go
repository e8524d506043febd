package web

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/internal/scheduler"
	"github.com/modfin/utskick/tools"
)

type noopQueue struct{}

func (noopQueue) Enqueue(ctx context.Context, id string, fireAt time.Time) error { return nil }
func (noopQueue) EnqueueIfAbsent(ctx context.Context, id string, fireAt time.Time) error {
	return nil
}

func testServer(t *testing.T) (*utskick.Client, dao.DAO) {
	t.Helper()

	db, err := dao.NewSQLite(filepath.Join(t.TempDir(), "utskick.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	lc := tools.LoggerCloner(l)

	s := &Server{
		cfg:       Config{},
		log:       lc.New("web"),
		db:        db,
		scheduler: scheduler.New(scheduler.Config{DefaultHourlyCap: 200}, lc, db, noopQueue{}),
	}

	e := echo.New()
	e.Use(middleware.Recover())
	s.routes(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return utskick.NewClient(srv.URL), db
}

func submission(recipients ...string) utskick.Submission {
	return utskick.Submission{
		Subject:    "hello",
		Body:       "world",
		Recipients: recipients,
		StartTime:  time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
}

func TestSubmit(t *testing.T) {
	client, db := testServer(t)

	receipt, err := client.Submit(context.Background(), submission("a@example.com", "b@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.TotalScheduled)
	require.NotEmpty(t, receipt.BatchID)

	batch, err := db.GetBatch(receipt.BatchID)
	require.NoError(t, err)
	assert.Equal(t, utskick.BatchRunning, batch.Status)
}

func TestSubmit_BadInput(t *testing.T) {
	client, _ := testServer(t)

	sub := submission("a@example.com")
	sub.Subject = ""
	_, err := client.Submit(context.Background(), sub)

	var verr *utskick.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "subject")
}

func TestSubmit_OnlyInvalidRecipients(t *testing.T) {
	client, _ := testServer(t)

	_, err := client.Submit(context.Background(), submission("definitely not an email"))

	var verr *utskick.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestScheduled(t *testing.T) {
	client, _ := testServer(t)

	_, err := client.Submit(context.Background(), submission("a@example.com", "b@example.com"))
	require.NoError(t, err)

	messages, err := client.Scheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 2)
	for _, m := range messages {
		assert.Equal(t, utskick.StatusScheduled, m.Status)
	}
	// spaced by the default delay, ascending
	assert.True(t, messages[0].ScheduledAt.Before(messages[1].ScheduledAt))
}

func TestSentOrFailed(t *testing.T) {
	client, db := testServer(t)

	_, err := client.Submit(context.Background(), submission("a@example.com", "b@example.com", "c@example.com"))
	require.NoError(t, err)

	pending, err := db.GetMessagesByStatus(utskick.StatusScheduled)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	require.NoError(t, db.SetMessageSent(pending[0].ID, time.Now()))
	require.NoError(t, db.SetMessageFailed(pending[1].ID, "550 mailbox unavailable"))

	messages, err := client.SentOrFailed(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 2)

	statuses := []string{messages[0].Status, messages[1].Status}
	assert.Contains(t, statuses, utskick.StatusSent)
	assert.Contains(t, statuses, utskick.StatusFailed)
}

func TestBatch(t *testing.T) {
	client, db := testServer(t)

	receipt, err := client.Submit(context.Background(), submission("a@example.com", "b@example.com"))
	require.NoError(t, err)

	pending, err := db.GetMessagesByStatus(utskick.StatusScheduled)
	require.NoError(t, err)
	require.NoError(t, db.SetMessageSent(pending[0].ID, time.Now()))

	status, err := client.Batch(context.Background(), receipt.BatchID)
	require.NoError(t, err)
	assert.Equal(t, receipt.BatchID, status.ID)
	assert.Equal(t, int64(1), status.Scheduled)
	assert.Equal(t, int64(1), status.Sent)
	assert.Equal(t, int64(0), status.Failed)
}

func TestBatch_NotFound(t *testing.T) {
	client, _ := testServer(t)

	_, err := client.Batch(context.Background(), "no-such-batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
