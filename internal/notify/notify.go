// Package notify carries the short-lived, user-facing notices the messaging
// client raises when an operation fails. Notices never block the caller and
// are auto-dismissed after a few seconds.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/propdash/convsync/internal/schedule"
)

// DefaultDismissAfter is how long a notification stays visible.
const DefaultDismissAfter = 3 * time.Second

// Level classifies a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is one ephemeral notice.
type Notification struct {
	ID           string        `json:"id"`
	Level        Level         `json:"level"`
	Message      string        `json:"message"`
	CreatedAt    time.Time     `json:"createdAt"`
	DismissAfter time.Duration `json:"-"`
}

// New builds a notification with a fresh id and the default lifetime.
func New(level Level, message string) Notification {
	return Notification{
		ID:           uuid.NewString(),
		Level:        level,
		Message:      message,
		CreatedAt:    time.Now(),
		DismissAfter: DefaultDismissAfter,
	}
}

// Error is shorthand for an error-level notification.
func Error(message string) Notification { return New(LevelError, message) }

// Notifier receives notifications. Notify must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f(ctx, n).
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(context.Context, Notification) {})

// LogNotifier writes notifications to the standard logger.
type LogNotifier struct {
	Prefix string
}

// Notify logs n.
func (l LogNotifier) Notify(_ context.Context, n Notification) {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "[notify]"
	}
	log.Printf("%s %s: %s", prefix, n.Level, n.Message)
}

// Multi fans a notification out to several notifiers in order.
func Multi(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, n Notification) {
		for _, nt := range notifiers {
			if nt != nil {
				nt.Notify(ctx, n)
			}
		}
	})
}

// Tray holds the currently visible notifications and dismisses each one
// once its lifetime elapses.
type Tray struct {
	mu       sync.Mutex
	items    []Notification
	sched    *schedule.Scheduler
	onChange func()
}

// NewTray creates an empty tray. onChange, if non-nil, is called after a
// notification is added or dismissed.
func NewTray(onChange func()) *Tray {
	return &Tray{sched: schedule.New(), onChange: onChange}
}

// Notify adds n to the tray and schedules its dismissal.
func (t *Tray) Notify(_ context.Context, n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.DismissAfter <= 0 {
		n.DismissAfter = DefaultDismissAfter
	}

	t.mu.Lock()
	t.items = append(t.items, n)
	t.mu.Unlock()

	id := n.ID
	if !t.sched.After(id, n.DismissAfter, func() { t.Dismiss(id) }) {
		// Tray closed; nothing will dismiss it, so drop it now.
		t.remove(id)
		return
	}
	t.changed()
}

// Dismiss removes the notification with the given id.
func (t *Tray) Dismiss(id string) {
	t.sched.Cancel(id)
	if t.remove(id) {
		t.changed()
	}
}

func (t *Tray) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, n := range t.items {
		if n.ID == id {
			t.items = append(t.items[:i], t.items[i+1:]...)
			return true
		}
	}
	return false
}

// Active returns the visible notifications, oldest first.
func (t *Tray) Active() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Notification, len(t.items))
	copy(out, t.items)
	return out
}

// Close cancels all pending dismissals and clears the tray.
func (t *Tray) Close() {
	t.sched.Close()
	t.mu.Lock()
	t.items = nil
	t.mu.Unlock()
}

func (t *Tray) changed() {
	if t.onChange != nil {
		t.onChange()
	}
}
