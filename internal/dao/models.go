package dao

import (
	"time"
)

// Batch is one row in the batch table. Status only ever moves from
// RUNNING to COMPLETED, and only the dispatch handler moves it.
type Batch struct {
	ID          string    `db:"id"`
	Subject     string    `db:"subject"`
	Body        string    `db:"body"`
	StartAt     time.Time `db:"start_at"`
	DelayMs     int64     `db:"delay_ms"`
	HourlyCap   int64     `db:"hourly_cap"` // 0 means use the process wide default
	TotalEmails int64     `db:"total_emails"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
}

// Message is one row in the message table, one per kept recipient.
type Message struct {
	ID          string     `db:"id"`
	BatchID     string     `db:"batch_id"`
	To          string     `db:"to_"`
	Subject     string     `db:"subject"`
	Body        string     `db:"body"`
	ScheduledAt time.Time  `db:"scheduled_at"`
	Status      string     `db:"status"`
	SentAt      *time.Time `db:"sent_at"`
	Error       string     `db:"error"`
	CreatedAt   time.Time  `db:"created_at"`
}
