// Package dispatch executes queued send tasks. A worker pool drains the
// queue, each task is one message: check it is still pending, reserve a
// slot in the shared hourly quota, transfer the email, and settle the
// row in its terminal state. Once the last message of a batch settles
// the batch itself is closed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/internal/queue"
	"github.com/modfin/utskick/internal/quota"
	"github.com/modfin/utskick/internal/smtpx"
	"github.com/modfin/utskick/tools"
)

var (
	sentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utskick_emails_sent_total",
		Help: "Emails transferred to the smarthost",
	})
	failedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utskick_emails_failed_total",
		Help: "Emails that reached their terminal FAILED state",
	})
	deferredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utskick_emails_deferred_total",
		Help: "Send attempts pushed to the next hour by the quota",
	})
	batchesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utskick_batches_completed_total",
		Help: "Batches whose every message reached a terminal state",
	})
)

type Config struct {
	Workers          int
	DefaultHourlyCap int64
}

// Handler performs one dispatch attempt. It is deliberately free of
// queue knowledge, the Dispatcher translates outcomes into queue calls.
type Handler struct {
	cfg    Config
	db     dao.DAO
	quota  *quota.Limiter
	sender smtpx.Sender
	log    *logrus.Logger
	locks  *tools.KeyedMutex

	now func() time.Time
}

func NewHandler(cfg Config, lc *tools.Logger, db dao.DAO, limiter *quota.Limiter, sender smtpx.Sender) *Handler {
	if cfg.DefaultHourlyCap <= 0 {
		cfg.DefaultHourlyCap = 200
	}
	return &Handler{
		cfg:    cfg,
		db:     db,
		quota:  limiter,
		sender: sender,
		log:    lc.New("dispatch"),
		locks:  tools.NewKeyedMutex(),
		now:    time.Now,
	}
}

// Handle dispatches the message behind the task. A returned error means
// the attempt should be retried, a returned outcome is final for this
// attempt.
func (h *Handler) Handle(ctx context.Context, id string) (Outcome, error) {
	msg, err := h.db.GetMessage(id)
	if errors.Is(err, dao.ErrNotFound) {
		h.log.WithField("message", id).Warn("message not found, skipping task")
		return Skipped("message not found"), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if msg.Status != utskick.StatusScheduled {
		return Skipped("message is already " + msg.Status), nil
	}

	batch, err := h.db.GetBatch(msg.BatchID)
	if err != nil {
		return Outcome{}, err
	}
	hourlyCap := batch.HourlyCap
	if hourlyCap <= 0 {
		hourlyCap = h.cfg.DefaultHourlyCap
	}

	now := h.now()
	hourKey := quota.HourKey(now)
	granted, current, err := h.quota.Reserve(ctx, hourKey, hourlyCap)
	if err != nil {
		return Outcome{}, err
	}
	if !granted {
		deferredTotal.Inc()
		h.log.WithField("message", id).
			Debugf("hourly quota exhausted, %d of %d used, deferring to next hour", current, hourlyCap)
		return Deferred(quota.NextHour(now)), nil
	}

	err = h.sender.Send(ctx, msg.To, msg.Subject, msg.Body)
	if err != nil {
		h.log.WithError(err).WithField("message", id).Error("could not send email")
		ferr := h.db.SetMessageFailed(id, err.Error())
		if ferr != nil {
			return Outcome{}, ferr
		}
		failedTotal.Inc()
		h.checkCompletion(msg.BatchID)
		return Failed(err.Error()), nil
	}

	// The email is on the wire from here on. A failure to record that
	// gets the task retried and the email sent again, the gap between
	// transfer and row update is the at least once window.
	err = h.db.SetMessageSent(id, now)
	if err != nil {
		return Outcome{}, err
	}

	err = h.quota.Commit(ctx, hourKey)
	if err != nil {
		h.log.WithError(err).Warn("could not commit quota, the hour may overspend")
	}

	sentTotal.Inc()
	h.checkCompletion(msg.BatchID)
	return Sent(), nil
}

// Abandon settles a message whose task the queue has given up on, so
// the batch can still complete.
func (h *Handler) Abandon(ctx context.Context, id string, cause error) {
	msg, err := h.db.GetMessage(id)
	if err != nil {
		h.log.WithError(err).WithField("message", id).Error("could not load abandoned message")
		return
	}
	if msg.Status != utskick.StatusScheduled {
		return
	}
	err = h.db.SetMessageFailed(id, fmt.Sprintf("abandoned, %v", cause))
	if err != nil {
		h.log.WithError(err).WithField("message", id).Error("could not mark abandoned message as failed")
		return
	}
	failedTotal.Inc()
	h.checkCompletion(msg.BatchID)
}

// checkCompletion closes the batch once no message is left in SCHEDULED.
// The keyed mutex serializes the check per batch, two workers settling
// the last two messages must not race it.
func (h *Handler) checkCompletion(batchID string) {
	key := "batch:" + batchID
	h.locks.Lock(key)
	defer h.locks.Unlock(key)

	left, err := h.db.CountMessages(batchID, utskick.StatusScheduled)
	if err != nil {
		h.log.WithError(err).WithField("batch", batchID).Error("could not count remaining messages")
		return
	}
	if left > 0 {
		return
	}
	changed, err := h.db.SetBatchStatus(batchID, utskick.BatchRunning, utskick.BatchCompleted)
	if err != nil {
		h.log.WithError(err).WithField("batch", batchID).Error("could not mark batch completed")
		return
	}
	if changed {
		batchesCompletedTotal.Inc()
		h.log.WithField("batch", batchID).Info("batch completed")
	}
}

// TaskSource is the queue surface the dispatcher consumes.
type TaskSource interface {
	Tasks() <-chan queue.Task
	Reschedule(ctx context.Context, id string, fireAt time.Time) error
	Retry(ctx context.Context, id string, cause error) (abandoned bool, err error)
	Forget(ctx context.Context, id string) error
}

type Dispatcher struct {
	cfg     Config
	handler *Handler
	queue   TaskSource
	log     *logrus.Logger

	ostart sync.Once
	ostop  sync.Once

	pool *pond.WorkerPool
}

func New(cfg Config, lc *tools.Logger, handler *Handler, source TaskSource) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	return &Dispatcher{
		cfg:     cfg,
		handler: handler,
		queue:   source,
		log:     lc.New("dispatch"),
	}
}

func (d *Dispatcher) Start() {
	d.ostart.Do(func() {
		d.pool = pond.New(d.cfg.Workers, 0, pond.MinWorkers(d.cfg.Workers))
		go d.start()
	})
}

func (d *Dispatcher) start() {
	d.log.Infof("starting dispatch with %d workers", d.cfg.Workers)

	for task := range d.queue.Tasks() {
		task := task

		if d.pool.Stopped() {
			d.log.WithField("task", task.ID).Warn("pool stopped, skipping task")
			continue
		}

		d.pool.Submit(d.dispatch(task))
	}
	d.pool.StopAndWait()
}

func (d *Dispatcher) dispatch(task queue.Task) func() {
	return func() {
		ctx := context.Background()

		outcome, err := d.handler.Handle(ctx, task.ID)
		if err != nil {
			abandoned, rerr := d.queue.Retry(ctx, task.ID, err)
			if rerr != nil {
				d.log.WithError(rerr).WithField("task", task.ID).Error("could not retry task")
			}
			if abandoned {
				d.handler.Abandon(ctx, task.ID, err)
			}
			return
		}

		switch outcome.Kind {
		case KindDeferred:
			err = d.queue.Reschedule(ctx, task.ID, outcome.NotBefore)
			if err != nil {
				d.log.WithError(err).WithField("task", task.ID).Error("could not reschedule deferred task")
			}
		default:
			err = d.queue.Forget(ctx, task.ID)
			if err != nil {
				d.log.WithError(err).WithField("task", task.ID).Error("could not clear task accounting")
			}
		}
	}
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.ostop.Do(func() {
		select {
		case <-d.pool.Stop().Done():
			d.log.Info("dispatch has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}
