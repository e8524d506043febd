// Package utskick contains the public types of the utskick service, a
// scheduler for bulk email delivery. A batch is one submission of many
// recipients sharing subject, body and timing parameters; every recipient
// becomes one message with its own fire time and terminal outcome.
package utskick

import (
	"fmt"
	"time"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/utskick/tools"
)

const (
	BatchRunning   = "RUNNING"
	BatchCompleted = "COMPLETED"

	StatusScheduled = "SCHEDULED"
	StatusSent      = "SENT"
	StatusFailed    = "FAILED"
)

// Batch is one submission of many recipients.
type Batch struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	StartAt     time.Time `json:"startAt"`
	DelayMs     int64     `json:"delayMs"`
	HourlyCap   int64     `json:"hourlyCap,omitempty"` // 0 means the process wide default
	TotalEmails int64     `json:"totalEmails"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Message is one scheduled email within a batch. Status moves from
// SCHEDULED to exactly one of SENT or FAILED and never out of those.
type Message struct {
	ID          string     `json:"id"`
	BatchID     string     `json:"batchId"`
	To          string     `json:"to"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	Status      string     `json:"status"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Submission is the request body of POST /batches.
type Submission struct {
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
	StartTime  string   `json:"startTime"`
	DelayMs    int64    `json:"delayMs,omitempty"`
	HourlyCap  int64    `json:"hourlyLimit,omitempty"`
}

// Receipt is what a successful submission returns.
type Receipt struct {
	BatchID        string `json:"batchId"`
	TotalScheduled int    `json:"totalScheduled"`
}

// ValidationError marks client input as malformed. The API layer maps it
// to a 400 and it is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

var startTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// ParseStartTime accepts the timestamp formats the API tolerates for a
// batch start time. Zoneless layouts are read as UTC.
func ParseStartTime(s string) (time.Time, error) {
	for _, layout := range startTimeLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse %q as a timestamp", s)
}

// Validate checks the submission and returns the parsed start time and the
// recipients that passed the structural address check. Recipients that do
// not pass are skipped, not rejected; the caller reports how many were kept.
func (s Submission) Validate() (startAt time.Time, kept []string, err error) {
	if len(s.Subject) == 0 {
		return time.Time{}, nil, Invalid("subject is required")
	}
	if len(s.Body) == 0 {
		return time.Time{}, nil, Invalid("body is required")
	}
	if len(s.Recipients) == 0 {
		return time.Time{}, nil, Invalid("recipients must be a non-empty array")
	}
	if len(s.StartTime) == 0 {
		return time.Time{}, nil, Invalid("startTime is required")
	}
	startAt, err = ParseStartTime(s.StartTime)
	if err != nil {
		return time.Time{}, nil, Invalid("startTime must be a valid timestamp")
	}

	kept = slicez.Filter(s.Recipients, tools.ValidEmail)
	if len(kept) == 0 {
		return time.Time{}, nil, Invalid("no structurally valid recipient in recipients")
	}
	return startAt, kept, nil
}
