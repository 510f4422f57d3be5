// Package conversation is the conversation sync client a dashboard drives:
// it resolves the peer directory, loads the selected conversation, sends
// messages optimistically and debounces read receipts. Every operation is a
// leaf from the dashboard's point of view: failures end in a consistent
// local state plus a notification, never in an error the shell must handle.
package conversation

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/propdash/convsync/internal/api"
	"github.com/propdash/convsync/internal/chat"
	"github.com/propdash/convsync/internal/delivery"
	"github.com/propdash/convsync/internal/directory"
	"github.com/propdash/convsync/internal/notify"
	"github.com/propdash/convsync/internal/ratelimit"
	"github.com/propdash/convsync/internal/receipt"
	"github.com/propdash/convsync/internal/schedule"
	"github.com/propdash/convsync/internal/session"
	"github.com/propdash/convsync/internal/wire"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("conversation: client closed")

// Config holds client timing.
type Config struct {
	LoadTimeout time.Duration // bound on one conversation history fetch
	ReloadDelay time.Duration // wait before reloading after an unrecognized send response
	MarkRead    receipt.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LoadTimeout: 10 * time.Second,
		ReloadDelay: 1500 * time.Millisecond,
		MarkRead:    receipt.DefaultConfig(),
	}
}

// Backend is the messaging API surface the client uses. *api.Client
// satisfies it.
type Backend interface {
	directory.Backend
	GetConversation(ctx context.Context, peerID wire.ID) ([]wire.Message, error)
	SendMessage(ctx context.Context, req api.SendRequest) (api.SendResult, error)
	MarkRead(ctx context.Context, peerID wire.ID) error
}

// Publisher receives client events. *messaging.NATSClient satisfies it.
type Publisher interface {
	PublishEvent(userID wire.ID, ev chat.Event) error
}

// Option configures optional collaborators.
type Option func(*Client)

// WithRecorder logs send outcomes to r.
func WithRecorder(r delivery.Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithEvents publishes message_sent and marked_read events through p.
func WithEvents(p Publisher) Option {
	return func(c *Client) { c.events = p }
}

// WithLimiter throttles sends and mark-read calls per user through l.
func WithLimiter(l ratelimit.Allower) Option {
	return func(c *Client) { c.limiter = l }
}

// Client is goroutine-safe. One Client serves one dashboard instance.
type Client struct {
	cfg      Config
	backend  Backend
	identity session.Source
	notifier notify.Notifier
	recorder delivery.Recorder
	events   Publisher
	limiter  ratelimit.Allower

	store    *chat.Store
	resolver *directory.Resolver
	tempIDs  *chat.TempIDs
	receipts *receipt.Debouncer
	sched    *schedule.Scheduler

	loadingUsers atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	gen        uint64
	cancelLoad context.CancelFunc
	onChange   func(chat.Snapshot)
}

// New creates a client. notifier may be nil, in which case notifications
// are only logged.
func New(cfg Config, backend Backend, identity session.Source, notifier notify.Notifier, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = def.LoadTimeout
	}
	if cfg.ReloadDelay < 0 {
		cfg.ReloadDelay = def.ReloadDelay
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Prefix: "[conversation]"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		backend:  backend,
		identity: identity,
		notifier: notifier,
		recorder: delivery.Discard,
		store:    chat.NewStore(),
		resolver: directory.NewResolver(backend),
		tempIDs:  chat.NewTempIDs(),
		sched:    schedule.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.recorder == nil {
		c.recorder = delivery.Discard
	}

	mr := cfg.MarkRead
	if c.limiter != nil && mr.Limiter == nil {
		mr.Limiter = identityLimiter{limiter: c.limiter, identity: identity}
	}
	onMarked := mr.OnMarked
	mr.OnMarked = func(peerID wire.ID) {
		c.publish(chat.EventMarkedRead, peerID, "", "")
		if onMarked != nil {
			onMarked(peerID)
		}
	}
	c.receipts = receipt.NewDebouncer(mr, backend)
	return c
}

// OnChange registers fn to be called with a fresh snapshot after every
// state change. fn runs on the goroutine that made the change and must not
// call back into the client synchronously.
func (c *Client) OnChange(fn func(chat.Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Snapshot returns the current state.
func (c *Client) Snapshot() chat.Snapshot {
	return c.store.Snapshot()
}

// SetDraft updates the composer text.
func (c *Client) SetDraft(text string) {
	if c.isClosed() {
		return
	}
	c.store.SetDraft(text)
	c.changed()
}

// HandleInbound reacts to a new-message hint from another process: the
// directory is refreshed for unread counts and, when the hinted peer is
// selected, the conversation is reloaded. Both run in the background.
func (c *Client) HandleInbound(ev chat.Event) {
	peer := wire.NormalizeID(ev.PeerID)
	c.goBackground(func(ctx context.Context) {
		c.LoadUsers(ctx)
		if peer != "" && c.store.IsSelected(peer) {
			c.LoadConversation(ctx, peer)
		}
	})
}

// Close cancels in-flight loads, scheduled reloads and pending read
// receipts, then waits for background work to finish. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
	c.mu.Unlock()

	c.cancel()
	c.sched.Close()
	c.receipts.Close()
	c.wg.Wait()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// goBackground runs fn on a goroutine tracked by Close.
func (c *Client) goBackground(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Client) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(c.store.Snapshot())
	}
}

func (c *Client) notifyError(ctx context.Context, message string) {
	c.notifier.Notify(ctx, notify.Error(message))
}

func (c *Client) selfID(ctx context.Context) (wire.ID, error) {
	if c.identity == nil {
		return "", session.ErrNoIdentity
	}
	id, err := c.identity.Identity(ctx)
	if err != nil {
		return "", err
	}
	self := wire.NormalizeID(id.UserID)
	if self == "" {
		return "", session.ErrNoIdentity
	}
	return self, nil
}

func (c *Client) publish(kind string, peerID, messageID, tempID wire.ID) {
	if c.events == nil {
		return
	}
	self, err := c.selfID(c.ctx)
	if err != nil {
		return
	}
	ev := chat.Event{
		Type:      kind,
		UserID:    self,
		PeerID:    peerID,
		MessageID: messageID,
		TempID:    tempID,
		Ts:        time.Now().UnixMilli(),
	}
	if err := c.events.PublishEvent(self, ev); err != nil {
		log.Printf("[conversation] publish %s for user=%s: %v", kind, self, err)
	}
}

// identityLimiter keys an Allower by the current user id.
type identityLimiter struct {
	limiter  ratelimit.Allower
	identity session.Source
}

func (l identityLimiter) Allow(ctx context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	if l.identity == nil {
		return true, nil
	}
	id, err := l.identity.Identity(ctx)
	if err != nil {
		return true, err
	}
	return l.limiter.Allow(ctx, id.UserID, rule)
}
