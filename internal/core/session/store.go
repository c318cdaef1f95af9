package session

import (
	"fmt"
	"sync"
	"time"

	platformerrors "tts-gateway/internal/platform/errors"
)

// Store is the in-memory source of truth for session lifecycle state.
// Finished records are retained so the file endpoint can serve them later;
// retentionMax bounds that memory (0 disables retention entirely).
type Store struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	finished     []string // finish order, oldest first
	retentionMax int
}

func NewStore(retentionMax int) *Store {
	return &Store{
		sessions:     make(map[string]*Session),
		retentionMax: retentionMax,
	}
}

// Insert adds a new session. The id must be unique for the process lifetime.
func (s *Store) Insert(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return platformerrors.New(platformerrors.KindValidation, "insert",
			fmt.Sprintf("session %q already exists", sess.ID))
	}
	copied := *sess
	s.sessions[sess.ID] = &copied
	return nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// UpdateStatus applies a lifecycle transition. Illegal transitions fail
// without mutating state.
func (s *Store) UpdateStatus(id string, to Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return platformerrors.New(platformerrors.KindNotFound, "update_status",
			fmt.Sprintf("unknown session %q", id))
	}
	if !CanTransition(sess.Status, to) {
		return platformerrors.New(platformerrors.KindValidation, "update_status",
			fmt.Sprintf("illegal transition %s -> %s for session %q", sess.Status, to, id))
	}

	now := time.Now()
	sess.Status = to
	switch {
	case to == StatusStreaming:
		sess.StartedAt = now
	case to.IsTerminal():
		sess.FinishedAt = now
		sess.FailureReason = reason
		s.retainLocked(id)
	}
	return nil
}

// Delete removes a session record.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Count returns the number of live records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// retainLocked appends a finished session to the retention list and evicts
// the oldest finished records past the cap. Callers hold s.mu.
func (s *Store) retainLocked(id string) {
	if s.retentionMax <= 0 {
		delete(s.sessions, id)
		return
	}
	s.finished = append(s.finished, id)
	for len(s.finished) > s.retentionMax {
		oldest := s.finished[0]
		s.finished = s.finished[1:]
		delete(s.sessions, oldest)
	}
}
