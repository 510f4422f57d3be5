// Package directory resolves the list of peers a user can message: the
// company-scoped user directory reconciled with the user's conversation
// summaries, so peers from other companies who already have a conversation
// with the user still appear, and each peer carries its unread count.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/propdash/convsync/internal/wire"
)

// ChatUser is one entry of the resolved directory.
type ChatUser struct {
	UserID      wire.ID `json:"userId"`
	Name        string  `json:"name"`
	Email       string  `json:"email"`
	Role        string  `json:"role"`
	Company     string  `json:"company"`
	Status      string  `json:"status"`
	UnreadCount int     `json:"unreadCount"`
}

func fromWire(u wire.User) ChatUser {
	return ChatUser{
		UserID:  u.ID,
		Name:    u.Name,
		Email:   u.Email,
		Role:    u.Role,
		Company: u.Company,
		Status:  u.Status,
	}
}

// synthesize builds an entry for a peer known only from a conversation
// summary, using the summary's embedded user record when present.
func synthesize(s wire.ConversationSummary) ChatUser {
	u := wire.User{
		ID:      s.UserID,
		Name:    wire.PlaceholderName,
		Email:   wire.PlaceholderEmail,
		Role:    wire.PlaceholderRole,
		Company: wire.PlaceholderCompany,
		Status:  wire.PlaceholderStatus,
	}
	if s.User != nil {
		u = *s.User
		u.ID = s.UserID
	}
	cu := fromWire(u)
	cu.UnreadCount = s.UnreadCount
	return cu
}

// Build reconciles a raw user list with conversation summaries:
//
//   - the caller's own id is dropped from both inputs,
//   - duplicate ids keep their first occurrence,
//   - summaries for known peers set the peer's unread count,
//   - summaries for unknown peers append a synthesized entry,
//   - the result is sorted case-insensitively by name.
func Build(users []wire.User, summaries []wire.ConversationSummary, selfID wire.ID) []ChatUser {
	self := wire.NormalizeID(selfID)

	out := make([]ChatUser, 0, len(users))
	seen := make(map[wire.ID]bool, len(users))
	for _, u := range users {
		id := wire.NormalizeID(u.ID)
		if id == "" || id == self || seen[id] {
			continue
		}
		seen[id] = true
		cu := fromWire(u)
		cu.UserID = id
		out = append(out, cu)
	}
	sortByName(out)

	index := make(map[wire.ID]int, len(out))
	for i, cu := range out {
		index[cu.UserID] = i
	}

	added := false
	for _, s := range summaries {
		id := wire.NormalizeID(s.UserID)
		if id == "" || id == self {
			continue
		}
		if i, ok := index[id]; ok {
			out[i].UnreadCount = s.UnreadCount
			continue
		}
		s.UserID = id
		index[id] = len(out)
		out = append(out, synthesize(s))
		added = true
	}
	if added {
		sortByName(out)
	}
	return out
}

func sortByName(users []ChatUser) {
	sort.SliceStable(users, func(i, j int) bool {
		a, b := strings.ToLower(users[i].Name), strings.ToLower(users[j].Name)
		if a != b {
			return a < b
		}
		return users[i].UserID < users[j].UserID
	})
}

// Backend is the subset of the messaging API the resolver needs.
type Backend interface {
	ListUsers(ctx context.Context) ([]wire.User, error)
	ListConversations(ctx context.Context) ([]wire.ConversationSummary, error)
}

// ErrSummariesUnavailable is returned by Resolve, together with a directory
// built from the users alone, when conversation summaries could not be
// fetched.
var ErrSummariesUnavailable = errors.New("directory: conversation summaries unavailable")

// Resolver fetches and reconciles the directory.
type Resolver struct {
	backend Backend
}

// NewResolver creates a Resolver backed by the given API.
func NewResolver(backend Backend) *Resolver {
	return &Resolver{backend: backend}
}

// Resolve fetches users and conversation summaries concurrently and
// reconciles them. A users failure returns no directory. A summaries
// failure returns the users-only directory with an error matching
// ErrSummariesUnavailable.
func (r *Resolver) Resolve(ctx context.Context, selfID wire.ID) ([]ChatUser, error) {
	type convResult struct {
		summaries []wire.ConversationSummary
		err       error
	}
	convCh := make(chan convResult, 1)
	go func() {
		summaries, err := r.backend.ListConversations(ctx)
		convCh <- convResult{summaries: summaries, err: err}
	}()

	users, err := r.backend.ListUsers(ctx)
	conv := <-convCh
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}
	if conv.err != nil {
		log.Printf("[directory] conversation summaries unavailable for user=%s: %v", selfID, conv.err)
		return Build(users, nil, selfID), fmt.Errorf("%w: %w", ErrSummariesUnavailable, conv.err)
	}
	return Build(users, conv.summaries, selfID), nil
}
