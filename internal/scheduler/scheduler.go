// Package scheduler turns a batch submission into durable rows and
// queued dispatch tasks. The batch and all its messages are written in
// one transaction, then each message is enqueued with its fire time.
// If the process dies between commit and enqueue, Reconcile re-queues
// whatever is still SCHEDULED on the next start.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/tools"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, id string, fireAt time.Time) error
	EnqueueIfAbsent(ctx context.Context, id string, fireAt time.Time) error
}

type Config struct {
	DefaultDelayMs   int64
	DefaultHourlyCap int64
}

type Scheduler struct {
	cfg   Config
	db    dao.DAO
	queue Enqueuer
	log   *logrus.Logger
}

func New(cfg Config, lc *tools.Logger, db dao.DAO, queue Enqueuer) *Scheduler {
	if cfg.DefaultDelayMs <= 0 {
		cfg.DefaultDelayMs = 2000
	}
	return &Scheduler{
		cfg:   cfg,
		db:    db,
		queue: queue,
		log:   lc.New("scheduler"),
	}
}

// Schedule validates the submission, persists one batch row plus one
// message row per kept recipient, and enqueues a dispatch task per
// message. Recipient i fires at startAt + i*delay.
func (s *Scheduler) Schedule(ctx context.Context, sub utskick.Submission) (utskick.Receipt, error) {
	startAt, recipients, err := sub.Validate()
	if err != nil {
		return utskick.Receipt{}, err
	}

	delay := sub.DelayMs
	if delay <= 0 {
		delay = s.cfg.DefaultDelayMs
	}
	hourlyCap := sub.HourlyCap
	if hourlyCap <= 0 {
		hourlyCap = s.cfg.DefaultHourlyCap
	}

	now := time.Now().In(time.UTC)
	batch := dao.Batch{
		ID:          uuid.New().String(),
		Subject:     sub.Subject,
		Body:        sub.Body,
		StartAt:     startAt,
		DelayMs:     delay,
		HourlyCap:   hourlyCap,
		TotalEmails: int64(len(recipients)),
		Status:      utskick.BatchRunning,
		CreatedAt:   now,
	}

	messages := make([]dao.Message, 0, len(recipients))
	for i, to := range recipients {
		messages = append(messages, dao.Message{
			ID:          uuid.New().String(),
			BatchID:     batch.ID,
			To:          to,
			Subject:     sub.Subject,
			Body:        sub.Body,
			ScheduledAt: startAt.Add(time.Duration(int64(i)*delay) * time.Millisecond),
			Status:      utskick.StatusScheduled,
			CreatedAt:   now,
		})
	}

	err = s.db.CreateBatch(batch, messages)
	if err != nil {
		return utskick.Receipt{}, err
	}

	// Enqueue after the transaction commits so a task never races a row
	// that does not exist yet. A crash in this loop is healed by
	// Reconcile at startup.
	for _, m := range messages {
		err = s.queue.Enqueue(ctx, m.ID, m.ScheduledAt)
		if err != nil {
			s.log.WithError(err).WithField("message", m.ID).
				Error("could not enqueue message, leaving it for reconciliation")
		}
	}

	s.log.WithField("batch", batch.ID).
		Infof("scheduled %d emails starting at %s with %dms spacing", len(messages), startAt, delay)

	return utskick.Receipt{
		BatchID:        batch.ID,
		TotalScheduled: len(messages),
	}, nil
}

// Reconcile re-queues every message still in SCHEDULED. ZADD NX keeps
// the original fire time for tasks that are already queued, so running
// it on every start is safe.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	messages, err := s.db.GetMessagesByStatus(utskick.StatusScheduled)
	if err != nil {
		return err
	}
	var requeued int
	for _, m := range messages {
		err = s.queue.EnqueueIfAbsent(ctx, m.ID, m.ScheduledAt)
		if err != nil {
			s.log.WithError(err).WithField("message", m.ID).Error("could not reconcile message")
			continue
		}
		requeued++
	}
	if requeued > 0 {
		s.log.Infof("reconciled %d scheduled messages into the queue", requeued)
	}
	return nil
}
