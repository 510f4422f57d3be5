// Package messaging provides a NATS client wrapper for fanning conversation
// activity out to other processes: user-facing notifications, client events
// (message_sent, marked_read), and inbound new-message hints that tell a
// connected dashboard to refresh.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/propdash/convsync/internal/chat"
	"github.com/propdash/convsync/internal/notify"
	"github.com/propdash/convsync/internal/wire"
)

// NATS subject patterns. Each is suffixed with .<user_id>.
const (
	SubjectNotify  = "convsync.notify"
	SubjectEvent   = "convsync.event"
	SubjectInbound = "convsync.inbound"
)

// Subject returns base.<userID>.
func Subject(base string, userID wire.ID) string {
	return base + "." + userID.String()
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "convsync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// PublishNotification publishes n on convsync.notify.<userID>.
func (c *NATSClient) PublishNotification(userID wire.ID, n notify.Notification) error {
	return c.publishJSON(Subject(SubjectNotify, userID), n)
}

// PublishEvent publishes ev on convsync.event.<userID>.
func (c *NATSClient) PublishEvent(userID wire.ID, ev chat.Event) error {
	return c.publishJSON(Subject(SubjectEvent, userID), ev)
}

// PublishInbound publishes a new-message hint for userID. The backend's
// webhook relay uses it; tests use it to drive SubscribeInbound.
func (c *NATSClient) PublishInbound(userID wire.ID, ev chat.Event) error {
	return c.publishJSON(Subject(SubjectInbound, userID), ev)
}

// SubscribeInbound subscribes to convsync.inbound.<userID>. The subscription
// is keyed by key (a connection id) so several dashboards of the same user
// on one server do not overwrite each other. Malformed payloads are logged
// and dropped.
func (c *NATSClient) SubscribeInbound(userID wire.ID, key string, handler func(ev chat.Event)) error {
	subject := Subject(SubjectInbound, userID)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev chat.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad inbound payload on %s: %v", subject, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if prev, ok := c.subs["inbound:"+key]; ok {
		prev.Unsubscribe()
	}
	c.subs["inbound:"+key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeInbound removes the inbound subscription registered under key.
func (c *NATSClient) UnsubscribeInbound(key string) error {
	return c.unsubscribe("inbound:" + key)
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

// Notifier returns a notify.Notifier publishing to userID's notify subject.
// Publish failures are logged; notifications are best effort.
func (c *NATSClient) Notifier(userID wire.ID) notify.Notifier {
	return notify.NotifierFunc(func(_ context.Context, n notify.Notification) {
		if err := c.PublishNotification(userID, n); err != nil {
			log.Printf("[nats] publish notification for user=%s: %v", userID, err)
		}
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
