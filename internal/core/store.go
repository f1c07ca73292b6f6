package core

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"labelcheck-assistant/pkg"
)

// TurnStore is the append-only conversation log of a session.  Turns are
// never removed or reordered; the only in-place mutation allowed is merging
// the backend result into a pending agent turn.
type TurnStore struct {
	mu    sync.RWMutex
	turns []pkg.Turn
	index map[string]int
	now   func() time.Time
}

// NewTurnStore constructs an empty log.
func NewTurnStore() *TurnStore {
	return &TurnStore{index: make(map[string]int), now: time.Now}
}

// AppendPair appends a user turn and its pending agent turn as one atomic
// step.  The agent payload is seeded with the raw query and, when an image was
// attached, its preview.
func (s *TurnStore) AppendPair(userText string, attachment *pkg.Attachment) (userID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	userID = newTurnID()
	agentID = newTurnID()

	query := userText
	seed := &pkg.AgentPayload{Query: &query}
	if attachment != nil {
		preview := attachment.Preview
		seed.ImageData = &preview
	}
	s.push(pkg.Turn{ID: userID, Role: pkg.RoleUser, Content: userText, CreatedAt: now})
	s.push(pkg.Turn{ID: agentID, Role: pkg.RoleAgent, Payload: seed, CreatedAt: now, Pending: true})
	return userID, agentID
}

// MergeAgentPayload merges partial into the agent turn with the given id and
// clears its pending flag.  It reports false, without error, when no such
// agent turn exists; a stale or aborted request may legitimately race here.
func (s *TurnStore) MergeAgentPayload(agentID string, partial pkg.AgentPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[agentID]
	if !ok || s.turns[i].Role != pkg.RoleAgent {
		return false
	}
	t := &s.turns[i]
	if t.Payload == nil {
		t.Payload = &pkg.AgentPayload{}
	}
	t.Payload.Merge(partial.Clone())
	t.Pending = false
	return true
}

// Get returns a copy of the turn with the given id.
func (s *TurnStore) Get(id string) (pkg.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return pkg.Turn{}, false
	}
	return s.turns[i].Clone(), true
}

// Snapshot returns a copy of the whole log in order.
func (s *TurnStore) Snapshot() []pkg.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pkg.Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.Clone()
	}
	return out
}

// Len is the number of turns in the log.
func (s *TurnStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

func (s *TurnStore) push(t pkg.Turn) {
	s.index[t.ID] = len(s.turns)
	s.turns = append(s.turns, t)
}

// newTurnID returns a time-ordered UUID (v7), falling back to a random one if
// the clock source fails.
func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
