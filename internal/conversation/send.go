package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/propdash/convsync/internal/api"
	"github.com/propdash/convsync/internal/chat"
	"github.com/propdash/convsync/internal/delivery"
	"github.com/propdash/convsync/internal/metrics"
	"github.com/propdash/convsync/internal/ratelimit"
	"github.com/propdash/convsync/internal/wire"
)

var (
	// ErrNoPeer is returned by Send without a recipient.
	ErrNoPeer = errors.New("conversation: no recipient selected")

	// ErrThrottled is returned when the local send limiter refuses a send.
	ErrThrottled = errors.New("conversation: sending too quickly")
)

const recordTimeout = 2 * time.Second

// Send delivers text to peerID optimistically. The trimmed text appears in
// the conversation and the draft is cleared before the backend answers.
// On success the temporary message is swapped for the server's copy in
// place, or the conversation is reloaded shortly after when the response
// carries no recognizable message. On failure the temporary message is
// removed, the draft restored and an error notification raised.
//
// Precondition failures (no peer, blank text, unresolvable identity) change
// nothing. The returned error describes the outcome; the store is
// consistent either way.
func (c *Client) Send(ctx context.Context, peerID wire.ID, text string) error {
	if c.isClosed() {
		return ErrClosed
	}
	peer := wire.NormalizeID(peerID)
	if peer == "" {
		metrics.Sends.WithLabelValues("rejected").Inc()
		c.notifyError(ctx, "Select a conversation before sending")
		return ErrNoPeer
	}

	content, err := chat.ValidateMessage(text)
	if err != nil {
		metrics.Sends.WithLabelValues("rejected").Inc()
		if !errors.Is(err, chat.ErrEmptyMessage) {
			c.notifyError(ctx, "Cannot send message: "+err.Error())
		}
		return fmt.Errorf("conversation: send: %w", err)
	}

	self, err := c.selfID(ctx)
	if err != nil {
		metrics.Sends.WithLabelValues("rejected").Inc()
		log.Printf("[conversation] send aborted, identity unavailable: %v", err)
		c.notifyError(ctx, "Unable to send message: your session could not be verified")
		return fmt.Errorf("conversation: send: %w", err)
	}

	if c.limiter != nil {
		if ok, _ := c.limiter.Allow(ctx, self.String(), ratelimit.RuleSend); !ok {
			metrics.Sends.WithLabelValues("rejected").Inc()
			c.notifyError(ctx, "You are sending messages too quickly")
			return ErrThrottled
		}
	}

	tempID := c.tempIDs.Next()
	temp := wire.Message{
		ID:         tempID,
		FromUserID: self,
		ToUserID:   peer,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}
	c.store.AddPending(temp)
	c.store.Append(peer, temp)
	c.store.SetDraft("")
	c.changed()

	res, err := c.backend.SendMessage(ctx, api.SendRequest{
		FromUserID: self.String(),
		ToUserID:   peer.String(),
		Content:    content,
	})
	c.store.Resolve(tempID)

	if err != nil {
		metrics.Sends.WithLabelValues("rolled_back").Inc()
		log.Printf("[conversation] send to peer=%s failed: %v", peer, err)
		c.store.RemoveByID(tempID)
		if c.store.Draft() == "" {
			c.store.SetDraft(text)
		}
		c.changed()
		c.notifyError(ctx, "Failed to send message: "+reason(err))
		c.record(self, peer, tempID, "", delivery.StatusRolledBack, reason(err))
		return fmt.Errorf("conversation: send: %w", err)
	}

	if !res.Recognized {
		metrics.Sends.WithLabelValues("reloaded").Inc()
		c.record(self, peer, tempID, "", delivery.StatusReloaded, "")
		c.publish(chat.EventMessageSent, peer, "", tempID)
		c.scheduleReload(peer)
		return nil
	}

	msg := res.Message
	if !c.store.ReplaceByID(tempID, msg) {
		c.store.Append(peer, msg)
	}
	metrics.Sends.WithLabelValues("confirmed").Inc()
	c.changed()
	c.record(self, peer, tempID, msg.ID, delivery.StatusConfirmed, "")
	c.publish(chat.EventMessageSent, peer, msg.ID, tempID)
	return nil
}

// scheduleReload reloads peerID's conversation after ReloadDelay, if it is
// still selected by then. Sends to the same peer share one pending reload.
func (c *Client) scheduleReload(peer wire.ID) {
	c.sched.After("reload:"+peer.String(), c.cfg.ReloadDelay, func() {
		if c.store.IsSelected(peer) {
			c.LoadConversation(c.ctx, peer)
		}
	})
}

func (c *Client) record(self, peer, tempID, serverID wire.ID, status, errText string) {
	ctx, cancel := context.WithTimeout(c.ctx, recordTimeout)
	defer cancel()
	err := c.recorder.Record(ctx, delivery.Delivery{
		UserID:   self.String(),
		PeerID:   peer.String(),
		TempID:   tempID.String(),
		ServerID: serverID.String(),
		Status:   status,
		Error:    errText,
	})
	if err != nil {
		log.Printf("[conversation] record delivery temp=%s: %v", tempID, err)
	}
}
