package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/propdash/convsync/internal/api"
	"github.com/propdash/convsync/internal/chat"
	"github.com/propdash/convsync/internal/delivery"
	"github.com/propdash/convsync/internal/notify"
	"github.com/propdash/convsync/internal/ratelimit"
	"github.com/propdash/convsync/internal/receipt"
	"github.com/propdash/convsync/internal/session"
	"github.com/propdash/convsync/internal/wire"
)

// ---------------------------------------------------------------------------
// Fake backend
// ---------------------------------------------------------------------------

type fakeBackend struct {
	mu          sync.Mutex
	hits        map[string]int
	usersBody   string
	usersStatus int
	usersGate   chan struct{} // when set, list users blocks until closed
	convsBody   string
	convsStatus int
	history     map[string]string        // peer -> body
	historyWait map[string]time.Duration // peer -> delay
	historyCode int
	send        http.HandlerFunc
	sendBodies  []map[string]interface{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		hits:        make(map[string]int),
		usersBody:   `[]`,
		usersStatus: http.StatusOK,
		convsBody:   `[]`,
		convsStatus: http.StatusOK,
		history:     make(map[string]string),
		historyWait: make(map[string]time.Duration),
		historyCode: http.StatusOK,
	}
}

func (f *fakeBackend) hit(key string) {
	f.mu.Lock()
	f.hits[key]++
	f.mu.Unlock()
}

func (f *fakeBackend) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/messaging/messages/"
	path := r.URL.Path
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && path == "/messaging/users":
		f.hit("users")
		f.mu.Lock()
		gate, status, body := f.usersGate, f.usersStatus, f.usersBody
		f.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(status)
		w.Write([]byte(body))

	case r.Method == http.MethodGet && path == prefix+"conversations":
		f.hit("convs")
		f.mu.Lock()
		body, status := f.convsBody, f.convsStatus
		f.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(body))

	case r.Method == http.MethodPost && path == "/messaging/messages":
		f.hit("send")
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.sendBodies = append(f.sendBodies, req)
		send := f.send
		f.mu.Unlock()
		if send == nil {
			w.Write([]byte(`{"ok":true}`))
			return
		}
		send(w, r)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/read"):
		peer := strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/read")
		f.hit("read:" + peer)
		w.Write([]byte(`{}`))

	case r.Method == http.MethodGet && strings.HasPrefix(path, prefix):
		peer := strings.TrimPrefix(path, prefix)
		f.hit("get:" + peer)
		f.mu.Lock()
		wait, body, code := f.historyWait[peer], f.history[peer], f.historyCode
		f.mu.Unlock()
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-r.Context().Done():
				return
			}
		}
		if body == "" {
			body = `[]`
		}
		w.WriteHeader(code)
		w.Write([]byte(body))

	default:
		http.NotFound(w, r)
	}
}

type captureNotifier struct {
	mu    sync.Mutex
	items []notify.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n notify.Notification) {
	c.mu.Lock()
	c.items = append(c.items, n)
	c.mu.Unlock()
}

func (c *captureNotifier) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.items))
	for i, n := range c.items {
		out[i] = n.Message
	}
	return out
}

type harness struct {
	backend  *fakeBackend
	server   *httptest.Server
	client   *Client
	notifier *captureNotifier
}

func testConfig() Config {
	return Config{
		LoadTimeout: time.Second,
		ReloadDelay: 30 * time.Millisecond,
		MarkRead:    receipt.Config{Delay: 10 * time.Millisecond},
	}
}

func newHarness(t *testing.T, cfg Config, identity session.Source, opts ...Option) *harness {
	t.Helper()
	fb := newFakeBackend()
	srv := httptest.NewServer(fb)
	if identity == nil {
		identity = session.Static(session.Identity{UserID: "1", Token: "tok"})
	}
	backend := api.NewClient(api.Config{BaseURL: srv.URL, Timeout: time.Second}, identity, nil)
	n := &captureNotifier{}
	c := New(cfg, backend, identity, n, opts...)
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return &harness{backend: fb, server: srv, client: c, notifier: n}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func messageIDs(msgs []wire.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = string(m.ID)
	}
	return strings.Join(parts, ",")
}

// ---------------------------------------------------------------------------
// Directory
// ---------------------------------------------------------------------------

func TestLoadUsers_AutoSelectsFirst(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.usersBody = `[{"userId":42,"name":"Bob"}]`
	})

	h.client.LoadUsers(context.Background())

	waitFor(t, "auto-selected conversation load", func() bool { return h.backend.count("get:42") == 1 })
	if got := h.client.Snapshot().SelectedUserID; got != "42" {
		t.Errorf("expected selected 42, got %q", got)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.backend.count("get:42"); n != 1 {
		t.Errorf("expected exactly one conversation load, got %d", n)
	}
}

func TestLoadUsers_KeepsExistingSelection(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.usersBody = `[{"userId":42,"name":"Bob"},{"userId":7,"name":"Zed"}]`
	})

	h.client.LoadConversation(context.Background(), "7")
	h.client.LoadUsers(context.Background())

	time.Sleep(50 * time.Millisecond)
	if got := h.client.Snapshot().SelectedUserID; got != "7" {
		t.Errorf("existing selection must be kept, got %q", got)
	}
	if h.backend.count("get:42") != 0 {
		t.Error("no auto-load expected when a peer is already selected")
	}
}

func TestLoadUsers_ReentrantCallIsNoop(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	gate := make(chan struct{})
	var gateOnce sync.Once
	t.Cleanup(func() { gateOnce.Do(func() { close(gate) }) })
	h.backend.set(func(f *fakeBackend) { f.usersGate = gate })

	done := make(chan struct{})
	go func() {
		h.client.LoadUsers(context.Background())
		close(done)
	}()
	waitFor(t, "first users request", func() bool { return h.backend.count("users") == 1 })

	returned := make(chan struct{})
	go func() {
		h.client.LoadUsers(context.Background())
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("re-entrant LoadUsers must return immediately")
	}

	gateOnce.Do(func() { close(gate) })
	<-done
	if n := h.backend.count("users"); n != 1 {
		t.Errorf("expected one users request, got %d", n)
	}
}

func TestLoadUsers_FailureEmptiesDirectory(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.usersStatus = http.StatusInternalServerError
		f.usersBody = `{"error":"directory offline"}`
	})

	h.client.LoadUsers(context.Background())

	if users := h.client.Snapshot().Users; len(users) != 0 {
		t.Errorf("expected empty directory, got %d users", len(users))
	}
	msgs := h.notifier.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "directory offline") {
		t.Errorf("expected one notification with the backend reason, got %v", msgs)
	}
}

func TestLoadUsers_MergesSummaries(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.usersBody = `{"users":[{"id":"5","name":"Ann"}]}`
		f.convsBody = `[{"userId":5,"unreadCount":2},{"userId":9,"unreadCount":1,"user":{"id":9,"name":"Carl"}},{"userId":1,"unreadCount":4}]`
	})

	h.client.LoadUsers(context.Background())

	users := h.client.Snapshot().Users
	if len(users) != 2 {
		t.Fatalf("expected 2 users (self excluded), got %+v", users)
	}
	if users[0].Name != "Ann" || users[0].UnreadCount != 2 {
		t.Errorf("unexpected first user %+v", users[0])
	}
	if users[1].Name != "Carl" || users[1].UnreadCount != 1 {
		t.Errorf("unexpected synthesized user %+v", users[1])
	}
}

func TestLoadUsers_SummariesFailureKeepsDirectory(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.usersBody = `[{"userId":5,"name":"Ann"}]`
		f.convsStatus = http.StatusInternalServerError
		f.convsBody = `{"error":"conversations offline"}`
	})

	h.client.LoadUsers(context.Background())

	users := h.client.Snapshot().Users
	if len(users) != 1 || users[0].UserID != "5" || users[0].UnreadCount != 0 {
		t.Fatalf("expected users-only directory, got %+v", users)
	}
	h.notifier.mu.Lock()
	items := append([]notify.Notification(nil), h.notifier.items...)
	h.notifier.mu.Unlock()
	if len(items) != 1 || items[0].Level != notify.LevelInfo {
		t.Errorf("expected one info notification, got %+v", items)
	}
}

// ---------------------------------------------------------------------------
// Conversation loading
// ---------------------------------------------------------------------------

func TestLoadConversation_StaleResponseDiscarded(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.history["7"] = `[{"id":"a1","fromUserId":7,"toUserId":1,"content":"from A"}]`
		f.historyWait["7"] = 150 * time.Millisecond
		f.history["8"] = `[{"id":"b1","fromUserId":8,"toUserId":1,"content":"from B"}]`
	})

	slow := make(chan struct{})
	go func() {
		h.client.LoadConversation(context.Background(), "7")
		close(slow)
	}()
	waitFor(t, "slow request", func() bool { return h.backend.count("get:7") == 1 })

	h.client.LoadConversation(context.Background(), "8")
	<-slow

	snap := h.client.Snapshot()
	if snap.SelectedUserID != "8" {
		t.Errorf("expected peer 8 selected, got %q", snap.SelectedUserID)
	}
	if got := messageIDs(snap.Messages); got != "b1" {
		t.Errorf("expected B's messages only, got %s", got)
	}
	if len(h.notifier.messages()) != 0 {
		t.Errorf("a superseded load must not notify, got %v", h.notifier.messages())
	}
}

func TestLoadConversation_NonArrayIsEmpty(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) { f.history["7"] = `{"status":"weird"}` })

	h.client.LoadConversation(context.Background(), "7")

	snap := h.client.Snapshot()
	if snap.Messages == nil || len(snap.Messages) != 0 {
		t.Errorf("expected a non-nil empty list, got %#v", snap.Messages)
	}
	if len(h.notifier.messages()) != 0 {
		t.Errorf("unexpected notification %v", h.notifier.messages())
	}
}

func TestLoadConversation_FailureEmptiesAndNotifies(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.history["7"] = `[{"id":"a1","content":"x"}]`
	})
	h.client.LoadConversation(context.Background(), "7")

	h.backend.set(func(f *fakeBackend) {
		f.historyCode = http.StatusInternalServerError
		f.history["7"] = `{"message":"history unavailable"}`
	})
	h.client.LoadConversation(context.Background(), "7")

	if n := len(h.client.Snapshot().Messages); n != 0 {
		t.Errorf("expected empty list after failure, got %d", n)
	}
	msgs := h.notifier.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "history unavailable") {
		t.Errorf("expected failure notification, got %v", msgs)
	}
}

func TestLoadConversation_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.LoadTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.backend.set(func(f *fakeBackend) { f.historyWait["7"] = time.Second })

	start := time.Now()
	h.client.LoadConversation(context.Background(), "7")
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("load did not honor its timeout, took %v", elapsed)
	}
	msgs := h.notifier.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "too long") {
		t.Errorf("expected timeout notification, got %v", msgs)
	}
}

func TestLoadConversation_DebouncesMarkRead(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.client.LoadConversation(context.Background(), "7")
	h.client.LoadConversation(context.Background(), "7")

	waitFor(t, "mark-read", func() bool { return h.backend.count("read:7") == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := h.backend.count("read:7"); n != 1 {
		t.Errorf("expected exactly one mark-read call, got %d", n)
	}
}

func TestLoadConversation_EmptyPeerIsNoop(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.client.LoadConversation(context.Background(), "")
	if h.client.Snapshot().SelectedUserID != "" {
		t.Error("empty peer must not change selection")
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

func TestSend_OptimisticThenReplacedInPlace(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.history["7"] = `[{"id":"m1","fromUserId":7,"toUserId":1,"content":"earlier"}]`
	})
	h.client.LoadConversation(context.Background(), "7")
	h.client.SetDraft("  hello  ")

	duringCh := make(chan chat.Snapshot, 1)
	h.backend.set(func(f *fakeBackend) {
		f.send = func(w http.ResponseWriter, r *http.Request) {
			duringCh <- h.client.Snapshot()
			w.Write([]byte(`{"message":{"id":99,"fromUserId":1,"toUserId":7,"content":"hello","createdAt":"2024-05-01T10:00:00Z"}}`))
		}
	})

	if err := h.client.Send(context.Background(), "7", "  hello  "); err != nil {
		t.Fatalf("Send: %v", err)
	}

	during := <-duringCh
	if len(during.Messages) != 2 || !chat.IsTemp(during.Messages[1].ID) {
		t.Fatalf("expected the temp message appended before the response, got %+v", during.Messages)
	}
	if during.Messages[1].Content != "hello" || during.Messages[1].FromUserID != "1" {
		t.Errorf("unexpected temp message %+v", during.Messages[1])
	}
	if during.Draft != "" {
		t.Errorf("draft should be cleared immediately, got %q", during.Draft)
	}

	snap := h.client.Snapshot()
	if got := messageIDs(snap.Messages); got != "m1,99" {
		t.Errorf("expected m1,99 after confirmation, got %s", got)
	}
}

func TestSend_RequestBody(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.client.LoadConversation(context.Background(), "7")
	h.backend.set(func(f *fakeBackend) {
		f.send = func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":5}`))
		}
	})

	h.client.Send(context.Background(), "7", " hi ")

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if len(h.backend.sendBodies) != 1 {
		t.Fatalf("expected one send, got %d", len(h.backend.sendBodies))
	}
	body := h.backend.sendBodies[0]
	if body["toUserId"] != "7" || body["content"] != "hi" {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["fromUserId"]; ok {
		t.Error("fromUserId must be omitted unless configured")
	}
}

func TestSend_FailureRollsBack(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.history["7"] = `[{"id":"m1","content":"earlier"}]`
		f.send = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Rate limit exceeded"}`))
		}
	})
	h.client.LoadConversation(context.Background(), "7")

	err := h.client.Send(context.Background(), "7", "  hello  ")
	if err == nil {
		t.Fatal("expected an error describing the failure")
	}

	snap := h.client.Snapshot()
	if got := messageIDs(snap.Messages); got != "m1" {
		t.Errorf("expected the temp message removed, got %s", got)
	}
	if snap.Draft != "  hello  " {
		t.Errorf("expected the original text restored, got %q", snap.Draft)
	}
	msgs := h.notifier.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "Rate limit exceeded") {
		t.Errorf("expected a notification with the reason, got %v", msgs)
	}
}

func TestSend_UnrecognizedResponseReloadsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ReloadDelay = 60 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.client.LoadConversation(context.Background(), "7")
	before := h.backend.count("get:7")

	h.backend.set(func(f *fakeBackend) {
		f.history["7"] = `[{"id":"srv-1","fromUserId":1,"toUserId":7,"content":"hello"}]`
	})
	if err := h.client.Send(context.Background(), "7", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if snap := h.client.Snapshot(); len(snap.Messages) != 1 || !chat.IsTemp(snap.Messages[0].ID) {
		t.Fatalf("temp message should remain until the reload, got %+v", snap.Messages)
	}

	waitFor(t, "delayed reload", func() bool { return h.backend.count("get:7") == before+1 })
	time.Sleep(80 * time.Millisecond)
	if n := h.backend.count("get:7") - before; n != 1 {
		t.Errorf("expected exactly one reload, got %d", n)
	}
	waitFor(t, "reloaded list", func() bool {
		return messageIDs(h.client.Snapshot().Messages) == "srv-1"
	})
}

func TestSend_ReloadSkippedAfterSwitch(t *testing.T) {
	cfg := testConfig()
	cfg.ReloadDelay = 40 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.client.LoadConversation(context.Background(), "7")
	before := h.backend.count("get:7")

	h.client.Send(context.Background(), "7", "hello")
	h.client.LoadConversation(context.Background(), "8")

	time.Sleep(100 * time.Millisecond)
	if n := h.backend.count("get:7"); n != before {
		t.Errorf("reload for a deselected peer must be skipped, got %d extra loads", n-before)
	}
}

func TestSend_IdentityFailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t, testConfig(), session.Static(session.Identity{}))
	h.client.store.Select("7")
	h.client.SetDraft("hello")

	err := h.client.Send(context.Background(), "7", "hello")
	if !errors.Is(err, session.ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	snap := h.client.Snapshot()
	if len(snap.Messages) != 0 || snap.Draft != "hello" {
		t.Errorf("state must be untouched, got %+v", snap)
	}
	if h.backend.count("send") != 0 {
		t.Error("no request may be issued without identity")
	}
	if len(h.notifier.messages()) != 1 {
		t.Errorf("expected one notification, got %v", h.notifier.messages())
	}
}

func TestSend_BlankTextIsRejectedQuietly(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	err := h.client.Send(context.Background(), "7", "   ")
	if !errors.Is(err, chat.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if h.backend.count("send") != 0 || len(h.notifier.messages()) != 0 {
		t.Error("blank text must not send or notify")
	}
}

func TestSend_NoPeer(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	if err := h.client.Send(context.Background(), "", "hi"); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}
}

func TestSend_PendingSurvivesConcurrentReload(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) {
		f.history["7"] = `[{"id":"m1","content":"earlier"}]`
	})
	h.client.LoadConversation(context.Background(), "7")

	release := make(chan struct{})
	var releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })
	h.backend.set(func(f *fakeBackend) {
		f.send = func(w http.ResponseWriter, r *http.Request) {
			<-release
			w.Write([]byte(`{"id":"m2"}`))
		}
	})

	sent := make(chan error, 1)
	go func() { sent <- h.client.Send(context.Background(), "7", "hello") }()
	waitFor(t, "send request", func() bool { return h.backend.count("send") == 1 })

	h.client.LoadConversation(context.Background(), "7")
	msgs := h.client.Snapshot().Messages
	if len(msgs) != 2 || msgs[0].ID != "m1" || !chat.IsTemp(msgs[1].ID) {
		t.Fatalf("in-flight message must survive a reload, got %+v", msgs)
	}

	releaseOnce.Do(func() { close(release) })
	if err := <-sent; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := messageIDs(h.client.Snapshot().Messages); got != "m1,m2" {
		t.Errorf("expected m1,m2, got %s", got)
	}
}

type fakeRecorder struct {
	mu    sync.Mutex
	items []delivery.Delivery
}

func (r *fakeRecorder) Record(_ context.Context, d delivery.Delivery) error {
	r.mu.Lock()
	r.items = append(r.items, d)
	r.mu.Unlock()
	return nil
}

type recorderFunc func(ctx context.Context, d delivery.Delivery) error

func (f recorderFunc) Record(ctx context.Context, d delivery.Delivery) error { return f(ctx, d) }

func TestSend_RollbackNotifiesBeforeRecording(t *testing.T) {
	var notifier *captureNotifier
	seen := -1
	rec := recorderFunc(func(_ context.Context, d delivery.Delivery) error {
		if d.Status == delivery.StatusRolledBack {
			seen = len(notifier.messages())
		}
		return nil
	})
	h := newHarness(t, testConfig(), nil, WithRecorder(rec))
	notifier = h.notifier
	h.client.LoadConversation(context.Background(), "7")
	h.backend.set(func(f *fakeBackend) {
		f.send = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"db down"}`))
		}
	})

	if err := h.client.Send(context.Background(), "7", "hello"); err == nil {
		t.Fatal("expected send error")
	}
	if seen != 1 {
		t.Errorf("failure notice must be raised before the rollback is recorded, saw %d notifications", seen)
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []chat.Event
}

func (p *fakePublisher) PublishEvent(_ wire.ID, ev chat.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func TestSend_RecordsAndPublishes(t *testing.T) {
	rec := &fakeRecorder{}
	pub := &fakePublisher{}
	h := newHarness(t, testConfig(), nil, WithRecorder(rec), WithEvents(pub))
	h.client.LoadConversation(context.Background(), "7")
	h.backend.set(func(f *fakeBackend) {
		f.send = func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"id":"m9"}`)) }
	})

	if err := h.client.Send(context.Background(), "7", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rec.mu.Lock()
	if len(rec.items) != 1 || rec.items[0].Status != delivery.StatusConfirmed || rec.items[0].ServerID != "m9" {
		t.Errorf("unexpected deliveries %+v", rec.items)
	}
	rec.mu.Unlock()

	waitFor(t, "marked_read event", func() bool {
		types := pub.types()
		return len(types) == 2
	})
	types := pub.types()
	hasSent, hasRead := false, false
	for _, ty := range types {
		hasSent = hasSent || ty == chat.EventMessageSent
		hasRead = hasRead || ty == chat.EventMarkedRead
	}
	if !hasSent || !hasRead {
		t.Errorf("expected message_sent and marked_read events, got %v", types)
	}
}

type denySends struct{}

func (denySends) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return rule.Key != ratelimit.RuleSend.Key, nil
}

func TestSend_LocalThrottle(t *testing.T) {
	h := newHarness(t, testConfig(), nil, WithLimiter(denySends{}))
	h.client.LoadConversation(context.Background(), "7")

	if err := h.client.Send(context.Background(), "7", "hello"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	if h.backend.count("send") != 0 || len(h.client.Snapshot().Messages) != 0 {
		t.Error("throttled send must have no side effects")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestHandleInbound_RefreshesSelected(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.backend.set(func(f *fakeBackend) { f.usersBody = `[{"userId":7,"name":"Bob"}]` })
	h.client.LoadConversation(context.Background(), "7")
	before := h.backend.count("get:7")

	h.client.HandleInbound(chat.Event{Type: chat.EventNewMessage, PeerID: "7"})

	waitFor(t, "directory refresh", func() bool { return h.backend.count("users") == 1 })
	waitFor(t, "conversation reload", func() bool { return h.backend.count("get:7") == before+1 })
}

func TestOnChange(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	var mu sync.Mutex
	var last chat.Snapshot
	h.client.OnChange(func(s chat.Snapshot) {
		mu.Lock()
		last = s
		mu.Unlock()
	})

	h.client.SetDraft("typing")
	mu.Lock()
	defer mu.Unlock()
	if last.Draft != "typing" {
		t.Errorf("expected change callback with the new draft, got %q", last.Draft)
	}
}

func TestClose_StopsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.MarkRead.Delay = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.client.LoadConversation(context.Background(), "7")

	h.client.Close()
	h.client.Close()

	time.Sleep(80 * time.Millisecond)
	if h.backend.count("read:7") != 0 {
		t.Error("pending mark-read must be cancelled by Close")
	}
	if err := h.client.Send(context.Background(), "7", "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	before := h.backend.count("get:7")
	h.client.LoadConversation(context.Background(), "7")
	if h.backend.count("get:7") != before {
		t.Error("LoadConversation after Close must be a no-op")
	}
}
