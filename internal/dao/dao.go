package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/modfin/utskick"
)

var ErrNotFound = errors.New("not found")

type DAO interface {
	CreateBatch(batch Batch, messages []Message) error
	GetBatch(id string) (*Batch, error)
	GetMessage(id string) (*Message, error)

	SetMessageSent(id string, at time.Time) error
	SetMessageFailed(id string, detail string) error

	CountMessages(batchID, status string) (int64, error)
	SetBatchStatus(id, from, to string) (changed bool, err error)

	GetMessagesByStatus(status string) ([]Message, error)
	GetMessagesByStatusIn(statuses ...string) ([]Message, error)

	Close() error
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

// CreateBatch writes the batch row and all its message rows in one
// transaction, all or nothing. Enqueueing into the send queue happens
// after this commits.
func (s *sqlite) CreateBatch(batch Batch, messages []Message) (err error) {
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	q1 := `
	INSERT INTO batch (id, subject, body, start_at, delay_ms, hourly_cap, total_emails, status, created_at)
	VALUES (:id, :subject, :body, :start_at, :delay_ms, :hourly_cap, :total_emails, :status, :created_at)
`
	_, err = tx.NamedExec(q1, batch)
	if err != nil {
		return fmt.Errorf("failed to insert into batch table, %w", err)
	}

	q2 := `
	INSERT INTO message (id, batch_id, to_, subject, body, scheduled_at, status, sent_at, error, created_at)
	VALUES (:id, :batch_id, :to_, :subject, :body, :scheduled_at, :status, :sent_at, :error, :created_at)
`
	stmt, err := tx.PrepareNamed(q2)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert, %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		_, err = stmt.Exec(msg)
		if err != nil {
			return fmt.Errorf("failed to insert message %s, %w", msg.ID, err)
		}
	}
	return nil
}

func (s *sqlite) GetBatch(id string) (*Batch, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var batch Batch
	err = db.Get(&batch, `SELECT * FROM batch WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s, %w", id, ErrNotFound)
	}
	return &batch, err
}

func (s *sqlite) GetMessage(id string) (*Message, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var msg Message
	err = db.Get(&msg, `SELECT * FROM message WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s, %w", id, ErrNotFound)
	}
	return &msg, err
}

// SetMessageSent moves a message to its terminal SENT state. The WHERE
// clause is the row level guard of the terminal invariant, a message that
// has already left SCHEDULED is never touched again.
func (s *sqlite) SetMessageSent(id string, at time.Time) error {
	q := `
	UPDATE message
	SET status = ?, sent_at = ?
	WHERE id = ?
	  AND status = ?
`
	return s.terminal(q, id, utskick.StatusSent, at.In(time.UTC))
}

func (s *sqlite) SetMessageFailed(id string, detail string) error {
	q := `
	UPDATE message
	SET status = ?, error = ?
	WHERE id = ?
	  AND status = ?
`
	return s.terminal(q, id, utskick.StatusFailed, detail)
}

func (s *sqlite) terminal(q, id, status string, arg any) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, status, arg, id, utskick.StatusScheduled)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not mark message %s as %s, %d rows affected", id, status, affected)
	}
	return nil
}

func (s *sqlite) CountMessages(batchID, status string) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int64
	err = db.Get(&count, `SELECT COUNT(*) FROM message WHERE batch_id = ? AND status = ?`, batchID, status)
	return count, err
}

// SetBatchStatus moves a batch from one status to the other. It is a
// no-op when the batch already left the from status, changed tells the
// caller which of the two happened.
func (s *sqlite) SetBatchStatus(id, from, to string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(`UPDATE batch SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (s *sqlite) GetMessagesByStatus(status string) ([]Message, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var messages []Message
	err = db.Select(&messages, `SELECT * FROM message WHERE status = ? ORDER BY scheduled_at ASC`, status)
	return messages, err
}

func (s *sqlite) GetMessagesByStatusIn(statuses ...string) ([]Message, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	q, args, err := sqlx.In(`SELECT * FROM message WHERE status IN (?) ORDER BY sent_at DESC`, statuses)
	if err != nil {
		return nil, err
	}
	var messages []Message
	err = db.Select(&messages, q, args...)
	return messages, err
}

func (s *sqlite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(strings.TrimSpace(`
	CREATE TABLE IF NOT EXISTS batch (
	    id TEXT PRIMARY KEY,
	    subject TEXT NOT NULL,
	    body    TEXT NOT NULL,

	    start_at DATETIME NOT NULL,
	    delay_ms INT NOT NULL,
	    hourly_cap INT NOT NULL DEFAULT 0,
	    total_emails INT NOT NULL,

	    status TEXT NOT NULL, -- RUNNING, COMPLETED

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS message (
	    id TEXT PRIMARY KEY,
	    batch_id TEXT NOT NULL,

	    to_     TEXT NOT NULL,
	    subject TEXT NOT NULL,
	    body    TEXT NOT NULL,

	    scheduled_at DATETIME NOT NULL,

	    status TEXT NOT NULL, -- SCHEDULED, SENT, FAILED
	    sent_at DATETIME,
	    error TEXT NOT NULL DEFAULT '',

	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_message_batch_status ON message(batch_id, status);
	CREATE INDEX IF NOT EXISTS idx_message_status_scheduled_at ON message(status, scheduled_at);
`))
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}

	return err
}
