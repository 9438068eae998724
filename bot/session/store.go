// Package session keeps per-chat conversation state in memory.
package session

import (
	"slices"
	"sync"

	"github.com/m3rciful/faqbot/bot/faq"
)

// State is the conversation state of one chat.
type State struct {
	AwaitingDisambiguation bool
	// PendingQuestion is the question a disambiguation menu was shown for.
	PendingQuestion   string
	Candidates        []faq.Topic
	FeedbackRequested bool
}

// ClearDisambiguation consumes the pending menu.
func (s *State) ClearDisambiguation() {
	s.AwaitingDisambiguation = false
	s.PendingQuestion = ""
	s.Candidates = nil
}

func (s State) clone() State {
	s.Candidates = slices.Clone(s.Candidates)
	return s
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Store maps chat ids to states. States are created lazily and live for the process lifetime.
type Store struct {
	mu       sync.RWMutex
	sessions map[int64]*entry
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[int64]*entry)}
}

func (s *Store) entry(chatID int64) *entry {
	s.mu.RLock()
	e, ok := s.sessions[chatID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.sessions[chatID]; !ok {
		e = &entry{}
		s.sessions[chatID] = e
	}
	return e
}

// Get returns a snapshot of the chat state, the zero State on first access.
func (s *Store) Get(chatID int64) State {
	e := s.entry(chatID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// Mutate runs fn with exclusive access to the chat state. Calls for the same
// chat are serialized; calls for different chats run in parallel.
// Changes made by fn are kept even when it returns an error.
func (s *Store) Mutate(chatID int64, fn func(*State) error) error {
	e := s.entry(chatID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.state)
}

// Reset returns the chat to the zero State.
func (s *Store) Reset(chatID int64) {
	_ = s.Mutate(chatID, func(st *State) error {
		*st = State{}
		return nil
	})
}

// Len returns the number of chats seen.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Counts reports how many chats await a menu choice or a rating.
func (s *Store) Counts() (awaiting, feedback int) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.state.AwaitingDisambiguation {
			awaiting++
		}
		if e.state.FeedbackRequested {
			feedback++
		}
		e.mu.Unlock()
	}
	return awaiting, feedback
}
