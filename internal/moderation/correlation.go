package moderation

import (
	"sync"
	"time"

	"proposalbot/internal/transport"
)

// CorrelationEntry links the two messages delivered to one admin (the
// forwarded copy and the control panel) back to the originating submission.
// One entry exists per admin the submission was fanned out to.
type CorrelationEntry struct {
	TenantID     int64
	AdminID      int64
	SenderID     int64
	SubmissionID int
	ControlRef   transport.MessageRef
	ForwardRef   transport.MessageRef
}

type undoEntry struct {
	content    string
	chatID     int64
	receivedAt time.Time
	rejectedAt time.Time
}

// CorrelationTable is the per-tenant bidirectional map used to route control
// callbacks and admin free-text replies back to submissions. Message ids are
// only unique per chat, so lookups key on the full (chat, message) ref.
//
// A lookup for an evicted submission is a defined miss, never a crash: the
// entry may be gone (evicted with the submission) or stale (block keeps
// entries alive for inspection while the submission itself is terminal).
type CorrelationTable struct {
	mu        sync.Mutex
	byControl map[transport.MessageRef]CorrelationEntry
	byForward map[transport.MessageRef]CorrelationEntry
	bySub     map[subKey][]transport.MessageRef // control refs, for eviction
	undo      map[subKey]undoEntry
}

func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		byControl: map[transport.MessageRef]CorrelationEntry{},
		byForward: map[transport.MessageRef]CorrelationEntry{},
		bySub:     map[subKey][]transport.MessageRef{},
		undo:      map[subKey]undoEntry{},
	}
}

func (t *CorrelationTable) Add(e CorrelationEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := subKey{e.SenderID, e.SubmissionID}
	t.byControl[e.ControlRef] = e
	t.byForward[e.ForwardRef] = e
	t.bySub[k] = append(t.bySub[k], e.ControlRef)
}

// ResolveControl maps a control-panel message back to its entry.
func (t *CorrelationTable) ResolveControl(ref transport.MessageRef) (CorrelationEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byControl[ref]
	return e, ok
}

// ResolveForward maps an admin's reply-to target (the forwarded copy) back
// to its entry.
func (t *CorrelationTable) ResolveForward(ref transport.MessageRef) (CorrelationEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byForward[ref]
	return e, ok
}

// EntriesFor returns all entries fanned out for one submission.
func (t *CorrelationTable) EntriesFor(senderID int64, submissionID int) []CorrelationEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := t.bySub[subKey{senderID, submissionID}]
	out := make([]CorrelationEntry, 0, len(refs))
	for _, ref := range refs {
		if e, ok := t.byControl[ref]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Evict drops all entries for a submission (terminal disposition).
func (t *CorrelationTable) Evict(senderID int64, submissionID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := subKey{senderID, submissionID}
	for _, ref := range t.bySub[k] {
		if e, ok := t.byControl[ref]; ok {
			delete(t.byForward, e.ForwardRef)
		}
		delete(t.byControl, ref)
	}
	delete(t.bySub, k)
}

// RetainUndo remembers a rejected submission's content so UndoReject can
// restore it within the window. Timestamped, checked lazily; no timer.
func (t *CorrelationTable) RetainUndo(sub Submission, rejectedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo[subKey{sub.SenderID, sub.ID}] = undoEntry{
		content:    sub.Content,
		chatID:     sub.ChatID,
		receivedAt: sub.ReceivedAt,
		rejectedAt: rejectedAt,
	}
}

// TakeUndo consumes the undo entry if it is still within the window.
// After the window (or after another admin already consumed it) the undo is
// a reported no-op.
func (t *CorrelationTable) TakeUndo(senderID int64, submissionID int, now time.Time, window time.Duration) (Submission, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := subKey{senderID, submissionID}
	u, ok := t.undo[k]
	if !ok {
		return Submission{}, false
	}
	if now.Sub(u.rejectedAt) > window {
		delete(t.undo, k)
		return Submission{}, false
	}
	delete(t.undo, k)
	return Submission{
		SenderID:   senderID,
		ChatID:     u.chatID,
		ID:         submissionID,
		Content:    u.content,
		ReceivedAt: u.receivedAt,
		State:      StatePending,
	}, true
}

// Sweep drops expired undo entries (and their now-unreachable correlation
// entries) plus all entries for the given evicted submissions.
func (t *CorrelationTable) Sweep(now time.Time, window time.Duration, evicted []Submission) {
	t.mu.Lock()
	var expired []subKey
	for k, u := range t.undo {
		if now.Sub(u.rejectedAt) > window {
			delete(t.undo, k)
			expired = append(expired, k)
		}
	}
	t.mu.Unlock()
	for _, k := range expired {
		t.Evict(k.sender, k.id)
	}
	for _, sub := range evicted {
		t.Evict(sub.SenderID, sub.ID)
	}
}
