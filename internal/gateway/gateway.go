// Package gateway binds WebSocket connections from dashboard shells to
// conversation clients. A shell says hello with its login session id; from
// then on every load, selection, send and draft update goes through that
// connection's own conversation.Client, and every state change is pushed
// back as a full state message.
package gateway

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/propdash/convsync/internal/api"
	"github.com/propdash/convsync/internal/chat"
	"github.com/propdash/convsync/internal/conversation"
	"github.com/propdash/convsync/internal/delivery"
	"github.com/propdash/convsync/internal/notify"
	"github.com/propdash/convsync/internal/protocol"
	"github.com/propdash/convsync/internal/ratelimit"
	"github.com/propdash/convsync/internal/session"
	"github.com/propdash/convsync/internal/wire"
	"github.com/propdash/convsync/internal/ws"
)

const helloTimeout = 3 * time.Second

// Sessions resolves a login session id to an identity source.
// *session.Store satisfies it.
type Sessions interface {
	Source(sessionID string) session.Source
}

// toucher is implemented by session stores that refresh a session's TTL.
type toucher interface {
	Touch(ctx context.Context, sessionID string) error
}

// Bus carries notifications, client events and inbound hints between
// processes. *messaging.NATSClient satisfies it.
type Bus interface {
	conversation.Publisher
	Notifier(userID wire.ID) notify.Notifier
	SubscribeInbound(userID wire.ID, key string, handler func(ev chat.Event)) error
	UnsubscribeInbound(key string) error
}

// Config holds the settings applied to every connection's client.
type Config struct {
	API          api.Config
	Conversation conversation.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		API:          api.DefaultConfig(),
		Conversation: conversation.DefaultConfig(),
	}
}

// Deps are the gateway's collaborators. Only Sessions is required.
type Deps struct {
	Sessions   Sessions
	Bus        Bus
	Recorder   delivery.Recorder
	Limiter    ratelimit.Allower
	HTTPClient *http.Client
}

// Gateway owns the per-connection conversation clients.
type Gateway struct {
	cfg    Config
	deps   Deps
	server *ws.Server

	mu       sync.Mutex
	bindings map[string]*binding // connection id -> binding
}

// binding is the conversation state of one connected shell.
type binding struct {
	connID string
	userID wire.ID
	client *conversation.Client
	tray   *notify.Tray
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a gateway. Call Register and Attach before serving.
func New(cfg Config, deps Deps) *Gateway {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	return &Gateway{
		cfg:      cfg,
		deps:     deps,
		bindings: make(map[string]*binding),
	}
}

// Register installs the gateway's message handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeHello, g.handleHello)
	d.Register(protocol.TypeLoadUsers, g.handleLoadUsers)
	d.Register(protocol.TypeSelectPeer, g.handleSelectPeer)
	d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	d.Register(protocol.TypeSetDraft, g.handleSetDraft)
}

// Attach connects the gateway to server for state pushes and disconnect
// cleanup.
func (g *Gateway) Attach(server *ws.Server) {
	g.server = server
	server.SetOnDisconnect(g.unbind)
}

// Bound returns the number of connections that completed hello.
func (g *Gateway) Bound() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bindings)
}

// Close releases every binding. The server's own shutdown normally does
// this through the disconnect callback.
func (g *Gateway) Close() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.bindings))
	for id := range g.bindings {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.unbind(id)
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleHello(conn *ws.Connection, msg interface{}) {
	hello, ok := msg.(protocol.HelloMsg)
	if !ok {
		return
	}
	if g.lookup(conn.ID) != nil {
		ws.SendError(conn, protocol.CodeInvalidMessage, "already authenticated")
		return
	}
	if hello.SessionID == "" || g.deps.Sessions == nil {
		ws.SendError(conn, protocol.CodeUnauthenticated, "missing session")
		return
	}

	src := g.deps.Sessions.Source(hello.SessionID)
	ctx, cancel := context.WithTimeout(context.Background(), helloTimeout)
	id, err := src.Identity(ctx)
	if err == nil {
		if t, ok := g.deps.Sessions.(toucher); ok {
			if terr := t.Touch(ctx, hello.SessionID); terr != nil {
				log.Printf("[gateway] touch session conn=%s: %v", conn.ID, terr)
			}
		}
	}
	cancel()
	if err != nil {
		log.Printf("[gateway] hello rejected conn=%s: %v", conn.ID, err)
		ws.SendError(conn, protocol.CodeUnauthenticated, "session could not be verified")
		return
	}

	b := g.bind(conn.ID, wire.NormalizeID(id.UserID), src)
	if b == nil {
		ws.SendError(conn, protocol.CodeInvalidMessage, "already authenticated")
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeReady, protocol.ReadyMsg{
		ConnectionID: conn.ID,
		UserID:       b.userID.String(),
	})
	if err != nil {
		log.Printf("[gateway] build ready conn=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[gateway] send ready conn=%s: %v", conn.ID, err)
		return
	}
	log.Printf("[gateway] hello conn=%s user=%s", conn.ID, b.userID)
	g.pushState(conn.ID)
}

func (g *Gateway) handleLoadUsers(conn *ws.Connection, _ interface{}) {
	b := g.require(conn)
	if b == nil {
		return
	}
	go b.client.LoadUsers(b.ctx)
}

func (g *Gateway) handleSelectPeer(conn *ws.Connection, msg interface{}) {
	sel, ok := msg.(protocol.SelectPeerMsg)
	if !ok {
		return
	}
	b := g.require(conn)
	if b == nil {
		return
	}
	go b.client.LoadConversation(b.ctx, sel.PeerID)
}

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg interface{}) {
	send, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	b := g.require(conn)
	if b == nil {
		return
	}
	go func() {
		// Failures are already reported through the tray.
		_ = b.client.Send(b.ctx, send.PeerID, send.Text)
	}()
}

func (g *Gateway) handleSetDraft(conn *ws.Connection, msg interface{}) {
	draft, ok := msg.(protocol.SetDraftMsg)
	if !ok {
		return
	}
	b := g.require(conn)
	if b == nil {
		return
	}
	b.client.SetDraft(draft.Text)
}

// ---------------------------------------------------------------------------
// Bindings
// ---------------------------------------------------------------------------

// bind creates the connection's client. Returns nil if connID is already
// bound.
func (g *Gateway) bind(connID string, userID wire.ID, src session.Source) *binding {
	ctx, cancel := context.WithCancel(context.Background())
	b := &binding{connID: connID, userID: userID, ctx: ctx, cancel: cancel}
	b.tray = notify.NewTray(func() { g.pushState(connID) })

	notifiers := []notify.Notifier{b.tray, notify.LogNotifier{Prefix: "[gateway]"}}
	var opts []conversation.Option
	if g.deps.Recorder != nil {
		opts = append(opts, conversation.WithRecorder(g.deps.Recorder))
	}
	if g.deps.Limiter != nil {
		opts = append(opts, conversation.WithLimiter(g.deps.Limiter))
	}
	if g.deps.Bus != nil {
		notifiers = append(notifiers, g.deps.Bus.Notifier(userID))
		opts = append(opts, conversation.WithEvents(g.deps.Bus))
	}

	backend := api.NewClient(g.cfg.API, src, g.deps.HTTPClient)
	b.client = conversation.New(g.cfg.Conversation, backend, src, notify.Multi(notifiers...), opts...)
	b.client.OnChange(func(chat.Snapshot) { g.pushState(connID) })

	g.mu.Lock()
	if _, exists := g.bindings[connID]; exists {
		g.mu.Unlock()
		b.release()
		return nil
	}
	g.bindings[connID] = b
	g.mu.Unlock()

	if g.deps.Bus != nil {
		if err := g.deps.Bus.SubscribeInbound(userID, connID, b.client.HandleInbound); err != nil {
			log.Printf("[gateway] subscribe inbound conn=%s user=%s: %v", connID, userID, err)
		}
	}
	return b
}

// unbind tears down the connection's client. It is the server's
// disconnect callback.
func (g *Gateway) unbind(connID string) {
	g.mu.Lock()
	b, ok := g.bindings[connID]
	delete(g.bindings, connID)
	g.mu.Unlock()
	if !ok {
		return
	}

	if g.deps.Bus != nil {
		if err := g.deps.Bus.UnsubscribeInbound(connID); err != nil {
			log.Printf("[gateway] unsubscribe inbound conn=%s: %v", connID, err)
		}
	}
	b.release()
	log.Printf("[gateway] released conn=%s user=%s", connID, b.userID)
}

func (b *binding) release() {
	b.cancel()
	b.client.Close()
	b.tray.Close()
}

func (g *Gateway) lookup(connID string) *binding {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bindings[connID]
}

// require returns the connection's binding, answering unauthenticated when
// hello has not completed.
func (g *Gateway) require(conn *ws.Connection) *binding {
	b := g.lookup(conn.ID)
	if b == nil {
		ws.SendError(conn, protocol.CodeUnauthenticated, "hello required")
	}
	return b
}

// pushState sends the connection's current state.
func (g *Gateway) pushState(connID string) {
	b := g.lookup(connID)
	if b == nil || g.server == nil {
		return
	}

	snap := b.client.Snapshot()
	sending := 0
	for _, m := range snap.Messages {
		if chat.IsTemp(m.ID) {
			sending++
		}
	}
	data, err := protocol.NewServerMessage(protocol.TypeState, protocol.StateMsg{
		SelectedUserID: snap.SelectedUserID,
		Users:          snap.Users,
		Messages:       snap.Messages,
		Draft:          snap.Draft,
		Sending:        sending,
		Notifications:  b.tray.Active(),
	})
	if err != nil {
		log.Printf("[gateway] build state conn=%s: %v", connID, err)
		return
	}
	if err := g.server.SendMessage(connID, data); err != nil {
		log.Printf("[gateway] push state conn=%s: %v", connID, err)
	}
}
