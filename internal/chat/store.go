// Package chat holds the in-memory conversation state of one dashboard
// instance: the selected peer, the message list of that peer, the composer
// draft, the resolved directory, and the optimistic messages still waiting
// for the backend to confirm them.
package chat

import (
	"sync"

	"github.com/propdash/convsync/internal/directory"
	"github.com/propdash/convsync/internal/wire"
)

// Snapshot is a consistent copy of the store's state.
type Snapshot struct {
	SelectedUserID wire.ID              `json:"selected_user_id"`
	Users          []directory.ChatUser `json:"users"`
	Messages       []wire.Message       `json:"messages"`
	Draft          string               `json:"draft"`
}

// Store is goroutine-safe. Messages always belong to the selected peer:
// switching peers discards the list until the next load replaces it.
type Store struct {
	mu       sync.RWMutex
	selected wire.ID
	messages []wire.Message
	draft    string
	users    []directory.ChatUser
	pending  []wire.Message // optimistic messages, send order
}

// NewStore creates an empty store with no selection.
func NewStore() *Store {
	return &Store{}
}

// Select makes peerID the selected peer. Selecting a different peer clears
// the message list. Returns true if the selection changed.
func (s *Store) Select(peerID wire.ID) bool {
	peerID = wire.NormalizeID(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected == peerID {
		return false
	}
	s.selected = peerID
	s.messages = nil
	return true
}

// SelectIfNone selects peerID only when nothing is selected yet.
func (s *Store) SelectIfNone(peerID wire.ID) bool {
	peerID = wire.NormalizeID(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected != "" || peerID == "" {
		return false
	}
	s.selected = peerID
	s.messages = nil
	return true
}

// Selected returns the selected peer id, empty when none.
func (s *Store) Selected() wire.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// IsSelected reports whether peerID is the selected peer.
func (s *Store) IsSelected(peerID wire.ID) bool {
	peerID = wire.NormalizeID(peerID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return peerID != "" && s.selected == peerID
}

// ReplaceMessages installs a freshly loaded history for peerID. Optimistic
// messages to peerID that are still pending and absent from msgs are
// re-appended so an in-flight send never disappears behind a reload.
// Returns false, changing nothing, if peerID is no longer selected.
func (s *Store) ReplaceMessages(peerID wire.ID, msgs []wire.Message) bool {
	peerID = wire.NormalizeID(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected != peerID {
		return false
	}
	next := make([]wire.Message, 0, len(msgs)+len(s.pending))
	next = append(next, msgs...)
	for _, p := range s.pending {
		if p.ToUserID == peerID && indexOf(next, p.ID) < 0 {
			next = append(next, p)
		}
	}
	s.messages = next
	return true
}

// Append adds msg to the list if it belongs to the selected conversation
// and its id is not already present.
func (s *Store) Append(peerID wire.ID, msg wire.Message) bool {
	peerID = wire.NormalizeID(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected != peerID || indexOf(s.messages, msg.ID) >= 0 {
		return false
	}
	s.messages = append(s.messages, msg)
	return true
}

// ReplaceByID swaps the message with the given id for msg, keeping its
// position. Returns false if no message has that id.
func (s *Store) ReplaceByID(id wire.ID, msg wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.messages, id)
	if i < 0 {
		return false
	}
	// The server id may already be in the list if a reload raced the send.
	if j := indexOf(s.messages, msg.ID); j >= 0 && j != i {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		return true
	}
	s.messages[i] = msg
	return true
}

// RemoveByID deletes the message with the given id.
func (s *Store) RemoveByID(id wire.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := indexOf(s.messages, id)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return true
}

// Messages returns a copy of the selected conversation, never nil.
func (s *Store) Messages() []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// AddPending records an optimistic message until Resolve is called.
func (s *Store) AddPending(msg wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, msg)
}

// Resolve forgets the pending optimistic message with the given id.
func (s *Store) Resolve(id wire.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := indexOf(s.pending, id); i >= 0 {
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
	}
}

// pendingCount returns the number of unresolved optimistic messages.
func (s *Store) pendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

func (s *Store) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

func (s *Store) Draft() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draft
}

// SetUsers replaces the directory.
func (s *Store) SetUsers(users []directory.ChatUser) {
	cp := make([]directory.ChatUser, len(users))
	copy(cp, users)
	s.mu.Lock()
	s.users = cp
	s.mu.Unlock()
}

// Users returns a copy of the directory, never nil.
func (s *Store) Users() []directory.ChatUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]directory.ChatUser, len(s.users))
	copy(out, s.users)
	return out
}

// Snapshot returns a copy of the whole state under one lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SelectedUserID: s.selected,
		Users:          make([]directory.ChatUser, len(s.users)),
		Messages:       make([]wire.Message, len(s.messages)),
		Draft:          s.draft,
	}
	copy(snap.Users, s.users)
	copy(snap.Messages, s.messages)
	return snap
}

func indexOf(msgs []wire.Message, id wire.ID) int {
	if id == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
