// Package moderation implements the per-tenant submission pipeline: arrival,
// fan-out to administrators, correlated decisions, and publication. All state
// here is owned by exactly one tenant runtime and dies with it.
package moderation

import "time"

// State tracks a submission through the pipeline. Terminal states evict the
// submission; Pending is the only state held in the store between events.
type State int

const (
	StatePending State = iota
	StatePublished
	StateRejected
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePublished:
		return "published"
	case StateRejected:
		return "rejected"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Submission is one end-user item awaiting moderation. Identity is
// (sender, id) and unique only within a tenant.
type Submission struct {
	TenantID   int64
	SenderID   int64
	SenderName string
	ChatID     int64 // sender's private chat (source of forwards)
	ID         int   // inbound message id
	Content    string
	ReceivedAt time.Time
	State      State
}

type subKey struct {
	sender int64
	id     int
}

// Settings bounds the in-memory moderation state.
type Settings struct {
	// UndoWindow is how long a rejected submission can be restored.
	UndoWindow time.Duration
	// EditTimeout bounds a stuck edit-capture session (checked lazily).
	EditTimeout time.Duration
	// SubmissionTTL evicts submissions nobody ever acted on.
	SubmissionTTL time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.UndoWindow <= 0 {
		s.UndoWindow = 5 * time.Minute
	}
	if s.EditTimeout <= 0 {
		s.EditTimeout = 10 * time.Minute
	}
	if s.SubmissionTTL <= 0 {
		s.SubmissionTTL = 24 * time.Hour
	}
	return s
}
