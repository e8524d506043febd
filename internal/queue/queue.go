// Package queue is the durable, time ordered delayed task queue that the
// dispatcher drains. Tasks live in a redis sorted set keyed by message id
// with the fire time as score, which makes Enqueue idempotent per message
// and Reschedule a plain ZADD. A poller pops due members atomically and
// hands each one to exactly one worker over an unbuffered channel.
//
// Delivery is best effort "no earlier than fireAt", nothing stricter.
// Task bodies that error are retried a bounded number of times with a
// linear backoff; exhausted tasks are pushed to a dead task list and
// logged, never silently dropped.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/modfin/utskick/internal/signals"
	"github.com/modfin/utskick/tools"
)

const (
	zsetKey  = "utskick:sendq"
	triesKey = "utskick:sendq:tries"
	deadKey  = "utskick:sendq:dead"
)

// popLimit bounds how many due tasks one round trip claims.
const popLimit = 100

// popScript claims due members atomically so that two processes polling
// the same queue never hand the same task to two workers.
const popScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #due > 0 then
    redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`

var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utskick_queue_task_retries_total",
		Help: "Number of task retries scheduled after a task body error.",
	})
	deadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utskick_queue_dead_tasks_total",
		Help: "Number of tasks abandoned after exhausting their retries.",
	})
)

// Commander is the slice of the redis client the queue needs.
type Commander interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type Config struct {
	PollInterval time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Task is one unit of deferred work, the id of the message to dispatch.
type Task struct {
	ID string
}

type deadTask struct {
	ID    string    `json:"id"`
	Tries int64     `json:"tries"`
	Cause string    `json:"cause"`
	At    time.Time `json:"at"`
}

func New(cfg Config, lc *tools.Logger, rdb Commander) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	q := &Queue{
		cfg:   cfg,
		log:   lc.New("queue"),
		rdb:   rdb,
		tasks: make(chan Task), // unbuffered, ensures there is a handover
		done:  make(chan struct{}),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

type Queue struct {
	cfg Config
	log *logrus.Logger
	rdb Commander

	ctx    context.Context
	cancel func()

	tasks chan Task
	done  chan struct{}

	ostart sync.Once
	ostop  sync.Once
}

// Tasks is the handover channel workers consume. Each task is delivered
// to exactly one reader.
func (q *Queue) Tasks() <-chan Task {
	return q.tasks
}

func (q *Queue) Start() {
	q.ostart.Do(func() {
		go q.run()
	})
}

func (q *Queue) Stop(ctx context.Context) error {
	var err error
	q.ostop.Do(func() {
		q.cancel()
		select {
		case <-q.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Enqueue schedules the task to fire no earlier than fireAt. Re-adding an
// id that is already queued just moves its fire time.
func (q *Queue) Enqueue(ctx context.Context, id string, fireAt time.Time) error {
	err := q.rdb.ZAdd(ctx, zsetKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("could not enqueue task %s, %w", id, err)
	}
	signals.Broadcast(signals.NewTaskInQueue)
	return nil
}

// EnqueueIfAbsent is Enqueue for reconciliation, it leaves the fire time
// of an already queued task alone.
func (q *Queue) EnqueueIfAbsent(ctx context.Context, id string, fireAt time.Time) error {
	err := q.rdb.ZAddNX(ctx, zsetKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("could not enqueue task %s, %w", id, err)
	}
	signals.Broadcast(signals.NewTaskInQueue)
	return nil
}

// Reschedule atomically takes the task out of imminent execution and re
// inserts it at the new fire time. A task that has already been claimed is
// simply re-added.
func (q *Queue) Reschedule(ctx context.Context, id string, fireAt time.Time) error {
	q.log.WithField("task", id).Debugf("reschedule; will fire in %s", time.Until(fireAt).Truncate(time.Second))
	return q.Enqueue(ctx, id, fireAt)
}

// Retry records a failed execution of the task body. Under the retry
// budget the task is re-queued with a linear backoff, beyond it the task
// is moved to the dead task list where it stays observable. Abandoned is
// true once the task has left the queue for good, so the caller can put
// its own records to rest.
func (q *Queue) Retry(ctx context.Context, id string, cause error) (abandoned bool, err error) {
	tries, err := q.rdb.HIncrBy(ctx, triesKey, id, 1).Result()
	if err != nil {
		return false, fmt.Errorf("could not count tries for task %s, %w", id, err)
	}

	if tries < int64(q.cfg.MaxRetries) {
		retriesTotal.Inc()
		backoff := time.Duration(tries) * q.cfg.RetryBackoff
		q.log.WithField("task", id).WithError(cause).
			Warnf("task failed, retry %d/%d in %s", tries, q.cfg.MaxRetries, backoff)
		return false, q.Enqueue(ctx, id, time.Now().Add(backoff))
	}

	deadTotal.Inc()
	q.log.WithField("task", id).WithError(cause).
		Errorf("task failed %d times, abandoning it to the dead task list", tries)

	body, err := json.Marshal(deadTask{
		ID:    id,
		Tries: tries,
		Cause: cause.Error(),
		At:    time.Now().In(time.UTC),
	})
	if err != nil {
		return true, fmt.Errorf("could not encode dead task %s, %w", id, err)
	}
	err = q.rdb.LPush(ctx, deadKey, string(body)).Err()
	if err != nil {
		return true, fmt.Errorf("could not push dead task %s, %w", id, err)
	}
	return true, q.rdb.HDel(ctx, triesKey, id).Err()
}

// Forget clears the retry accounting of a task that reached a terminal
// outcome.
func (q *Queue) Forget(ctx context.Context, id string) error {
	return q.rdb.HDel(ctx, triesKey, id).Err()
}

func (q *Queue) run() {
	defer close(q.done)
	defer close(q.tasks)

	sig, cancelSig := signals.Listen(signals.NewTaskInQueue)
	defer cancelSig()

	q.log.Info("poller; starting")
	for {
		select {
		case <-q.ctx.Done():
			q.log.Info("poller; stopping")
			return
		case <-sig: // something was just enqueued, check right away
		case <-time.After(q.cfg.PollInterval):
		}

		for {
			ids, err := q.pop()
			if err != nil {
				q.log.WithError(err).Error("poller; could not pop due tasks")
				break
			}
			for _, id := range ids {
				select {
				case q.tasks <- Task{ID: id}: // blocking until a worker takes it
				case <-q.ctx.Done():
					// put the claimed task back so it is not lost across restarts
					err = q.rdb.ZAdd(context.Background(), zsetKey, redis.Z{
						Score:  float64(time.Now().UnixMilli()),
						Member: id,
					}).Err()
					if err != nil {
						q.log.WithError(err).WithField("task", id).Error("poller; could not return claimed task on shutdown")
					}
					q.log.Info("poller; stopping")
					return
				}
			}
			if len(ids) < popLimit {
				break
			}
		}
	}
}

func (q *Queue) pop() ([]string, error) {
	return q.rdb.Eval(q.ctx, popScript,
		[]string{zsetKey},
		time.Now().UnixMilli(), popLimit,
	).StringSlice()
}
