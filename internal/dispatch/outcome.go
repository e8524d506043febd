package dispatch

import "time"

// Kind classifies what one dispatch attempt did with its task.
type Kind int

const (
	KindSent Kind = iota + 1
	KindDeferred
	KindFailed
	KindSkipped
)

func (k Kind) String() string {
	switch k {
	case KindSent:
		return "sent"
	case KindDeferred:
		return "deferred"
	case KindFailed:
		return "failed"
	case KindSkipped:
		return "skipped"
	}
	return "unknown"
}

// Outcome is the word of one dispatch attempt. NotBefore is set for
// deferred outcomes and names the earliest next attempt.
type Outcome struct {
	Kind      Kind
	NotBefore time.Time
	Reason    string
}

func Sent() Outcome {
	return Outcome{Kind: KindSent}
}

func Deferred(notBefore time.Time) Outcome {
	return Outcome{Kind: KindDeferred, NotBefore: notBefore}
}

func Failed(reason string) Outcome {
	return Outcome{Kind: KindFailed, Reason: reason}
}

func Skipped(reason string) Outcome {
	return Outcome{Kind: KindSkipped, Reason: reason}
}
