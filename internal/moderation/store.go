package moderation

import (
	"sync"
	"time"
)

// SubmissionStore caches pending submissions for one tenant, keyed by
// (sender, submission id). The runtime processes events one at a time, so the
// mutex only guards against the maintenance sweep running on its own tick.
type SubmissionStore struct {
	mu    sync.Mutex
	items map[subKey]Submission
	// seen tracks senders greeted this runtime lifetime (welcome is re-sent
	// after a restart by design).
	seen map[int64]struct{}
}

func NewSubmissionStore() *SubmissionStore {
	return &SubmissionStore{
		items: map[subKey]Submission{},
		seen:  map[int64]struct{}{},
	}
}

// FirstContact marks the sender as seen and reports whether this was their
// first message this runtime lifetime.
func (s *SubmissionStore) FirstContact(senderID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[senderID]; ok {
		return false
	}
	s.seen[senderID] = struct{}{}
	return true
}

func (s *SubmissionStore) Put(sub Submission) {
	s.mu.Lock()
	s.items[subKey{sub.SenderID, sub.ID}] = sub
	s.mu.Unlock()
}

func (s *SubmissionStore) Get(senderID int64, id int) (Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.items[subKey{senderID, id}]
	return sub, ok
}

// SetContent replaces a pending submission's content (edit flow). Returns
// false when the submission is gone.
func (s *SubmissionStore) SetContent(senderID int64, id int, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := subKey{senderID, id}
	sub, ok := s.items[k]
	if !ok {
		return false
	}
	sub.Content = content
	s.items[k] = sub
	return true
}

// Delete removes a submission, reporting whether it existed. Disposition
// tie-breaks ride on this: the first caller to delete wins, later callers
// see false and report NotFound.
func (s *SubmissionStore) Delete(senderID int64, id int) (Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := subKey{senderID, id}
	sub, ok := s.items[k]
	if ok {
		delete(s.items, k)
	}
	return sub, ok
}

func (s *SubmissionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// SweepExpired evicts submissions older than ttl and returns them so the
// caller can drop their correlation entries too.
func (s *SubmissionStore) SweepExpired(now time.Time, ttl time.Duration) []Submission {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []Submission
	for k, sub := range s.items {
		if now.Sub(sub.ReceivedAt) > ttl {
			evicted = append(evicted, sub)
			delete(s.items, k)
		}
	}
	return evicted
}
