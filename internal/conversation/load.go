package conversation

import (
	"context"
	"errors"
	"log"

	"github.com/propdash/convsync/internal/api"
	"github.com/propdash/convsync/internal/directory"
	"github.com/propdash/convsync/internal/metrics"
	"github.com/propdash/convsync/internal/notify"
	"github.com/propdash/convsync/internal/wire"
)

// LoadUsers resolves the peer directory into the store. A call made while
// another is still in flight returns immediately without doing anything.
// On failure the directory becomes empty and an error notification is
// raised. If only the conversation summaries fail, the directory is kept
// without unread counts and an info notification is raised. When nothing
// is selected yet, the first peer is selected and its conversation loaded
// in the background.
func (c *Client) LoadUsers(ctx context.Context) {
	if c.isClosed() {
		return
	}
	if !c.loadingUsers.CompareAndSwap(false, true) {
		metrics.DirectoryLoads.WithLabelValues("skipped").Inc()
		return
	}
	defer c.loadingUsers.Store(false)

	users, err := c.resolveUsers(ctx)
	partial := errors.Is(err, directory.ErrSummariesUnavailable)
	if partial {
		err = nil
	}
	if err != nil {
		if c.isClosed() {
			return
		}
		metrics.DirectoryLoads.WithLabelValues("error").Inc()
		log.Printf("[conversation] load users failed: %v", err)
		c.store.SetUsers(nil)
		c.changed()
		c.notifyError(ctx, "Failed to load users: "+reason(err))
		return
	}

	metrics.DirectoryLoads.WithLabelValues("ok").Inc()
	c.store.SetUsers(users)
	c.changed()
	if partial {
		c.notifier.Notify(ctx, notify.New(notify.LevelInfo, "Unread counts are unavailable right now"))
	}

	if len(users) > 0 && c.store.SelectIfNone(users[0].UserID) {
		first := users[0].UserID
		c.goBackground(func(bg context.Context) {
			c.LoadConversation(bg, first)
		})
	}
}

func (c *Client) resolveUsers(ctx context.Context) ([]directory.ChatUser, error) {
	self, err := c.selfID(ctx)
	if err != nil {
		return nil, err
	}
	return c.resolver.Resolve(ctx, self)
}

// LoadConversation selects peerID and replaces the message list with its
// history. Starting a new load cancels the previous one, and a response
// that arrives after a newer load started is discarded. On success a read
// receipt is scheduled for peerID; on failure the list is emptied and an
// error notification raised.
func (c *Client) LoadConversation(ctx context.Context, peerID wire.ID) {
	peer := wire.NormalizeID(peerID)
	if peer == "" {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	if c.cancelLoad != nil {
		c.cancelLoad()
	}
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	c.cancelLoad = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.gen == gen {
			c.cancelLoad = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	if c.store.Select(peer) {
		c.changed()
	}

	msgs, err := c.backend.GetConversation(loadCtx, peer)
	if !c.current(gen) {
		metrics.ConversationLoads.WithLabelValues("stale").Inc()
		return
	}

	if err != nil {
		result := "error"
		if errors.Is(err, api.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		metrics.ConversationLoads.WithLabelValues(result).Inc()
		log.Printf("[conversation] load conversation peer=%s failed: %v", peer, err)
		if c.store.ReplaceMessages(peer, nil) {
			c.changed()
		}
		c.notifyError(ctx, "Failed to load conversation: "+reason(err))
		return
	}

	if msgs == nil {
		msgs = []wire.Message{}
	}
	metrics.ConversationLoads.WithLabelValues("ok").Inc()
	if c.store.ReplaceMessages(peer, msgs) {
		c.changed()
	}
	c.receipts.Schedule(peer)
}

// current reports whether gen is still the newest load and the client is
// open.
func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.gen == gen
}

// reason extends api.Reason with the load timeout, which surfaces as a
// plain context deadline rather than an api.TimeoutError.
func reason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, api.ErrTimeout) {
		return "the server took too long to respond"
	}
	return api.Reason(err)
}
