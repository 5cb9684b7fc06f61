package moderation

import (
	"sync"
	"time"
)

// Mode is the admin conversation state. Only one capture mode can be active
// per admin at a time; entering a new one replaces the old.
type Mode int

const (
	ModeIdle Mode = iota
	// ModeEditing captures the admin's next message as replacement content.
	ModeEditing
	// ModeAwaitingSchedule waits for a schedule-offset button press.
	ModeAwaitingSchedule
	// ModeAwaitingChannel waits for a channel choice before publishing.
	ModeAwaitingChannel
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeEditing:
		return "editing"
	case ModeAwaitingSchedule:
		return "awaiting_schedule"
	case ModeAwaitingChannel:
		return "awaiting_channel"
	default:
		return "unknown"
	}
}

// Session is one admin's active conversation state. The associated fields are
// only meaningful for the mode that set them.
type Session struct {
	Mode         Mode
	SenderID     int64
	SubmissionID int
	// Silent and ScheduledAt carry publish options chosen before the channel
	// step (callback data is too small to hold them).
	Silent      bool
	ScheduledAt time.Time
	EnteredAt   time.Time
}

// SessionTable tracks per-admin conversation state for one tenant. Expiry is
// lazy: Get reports a stale session instead of returning it.
type SessionTable struct {
	mu    sync.Mutex
	items map[int64]Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{items: map[int64]Session{}}
}

// Get returns the admin's session. expired is true when a non-idle session
// outlived timeout; the caller decides whether to notify before clearing.
func (t *SessionTable) Get(adminID int64, now time.Time, timeout time.Duration) (s Session, expired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[adminID]
	if !ok {
		return Session{Mode: ModeIdle}, false
	}
	if s.Mode != ModeIdle && timeout > 0 && now.Sub(s.EnteredAt) > timeout {
		delete(t.items, adminID)
		return Session{Mode: ModeIdle}, true
	}
	return s, false
}

func (t *SessionTable) Set(adminID int64, s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Mode == ModeIdle {
		delete(t.items, adminID)
		return
	}
	t.items[adminID] = s
}

func (t *SessionTable) Clear(adminID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, adminID)
}
