package receipt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/propdash/convsync/internal/api"
	"github.com/propdash/convsync/internal/ratelimit"
	"github.com/propdash/convsync/internal/wire"
)

type fakeMarker struct {
	mu    sync.Mutex
	calls []wire.ID
	err   error
}

func (f *fakeMarker) MarkRead(_ context.Context, peerID wire.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, peerID)
	return f.err
}

func (f *fakeMarker) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeMarker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestDebouncer(m Marker) *Debouncer {
	return NewDebouncer(Config{Delay: 10 * time.Millisecond}, m)
}

func TestSchedule_MarksAfterDelay(t *testing.T) {
	m := &fakeMarker{}
	d := newTestDebouncer(m)
	defer d.Close()

	if !d.Schedule("7") {
		t.Fatal("expected schedule")
	}
	waitFor(t, func() bool { return m.count() == 1 })
	if d.LastMarked() != "7" {
		t.Errorf("expected gate 7, got %q", d.LastMarked())
	}
}

func TestSchedule_SuppressesSamePeer(t *testing.T) {
	m := &fakeMarker{}
	d := newTestDebouncer(m)
	defer d.Close()

	d.Schedule("7")
	waitFor(t, func() bool { return m.count() == 1 })

	if d.Schedule("7") {
		t.Error("second schedule for the same peer should be suppressed")
	}
	if d.Schedule(wire.NormalizeID(7)) {
		t.Error("numeric and string ids must compare equal")
	}
	time.Sleep(40 * time.Millisecond)
	if n := m.count(); n != 1 {
		t.Errorf("expected exactly one call, got %d", n)
	}
}

func TestSchedule_RateLimitClearsGate(t *testing.T) {
	m := &fakeMarker{err: &api.HTTPError{Op: "mark read", Status: 429, Message: "Rate limit exceeded"}}
	d := newTestDebouncer(m)
	defer d.Close()

	d.Schedule("7")
	waitFor(t, func() bool { return m.count() == 1 })
	waitFor(t, func() bool { return d.LastMarked() == "" })

	m.setErr(nil)
	if !d.Schedule("7") {
		t.Fatal("after a rate-limit rejection the same peer must be schedulable again")
	}
	waitFor(t, func() bool { return m.count() == 2 })
}

func TestSchedule_RateLimitTextClearsGate(t *testing.T) {
	m := &fakeMarker{err: errors.New("Rate limit exceeded, slow down")}
	d := newTestDebouncer(m)
	defer d.Close()

	d.Schedule("7")
	waitFor(t, func() bool { return m.count() == 1 })
	waitFor(t, func() bool { return d.LastMarked() == "" })
}

func TestSchedule_OtherErrorKeepsGate(t *testing.T) {
	m := &fakeMarker{err: errors.New("boom")}
	d := newTestDebouncer(m)
	defer d.Close()

	d.Schedule("7")
	waitFor(t, func() bool { return m.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if d.LastMarked() != "7" {
		t.Errorf("non rate-limit errors must leave the gate set, got %q", d.LastMarked())
	}
}

func TestSchedule_SwitchReplacesPending(t *testing.T) {
	m := &fakeMarker{}
	d := NewDebouncer(Config{Delay: 30 * time.Millisecond}, m)
	defer d.Close()

	d.Schedule("7")
	d.Schedule("8")
	waitFor(t, func() bool { return m.count() == 1 })
	time.Sleep(50 * time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) != 1 || m.calls[0] != "8" {
		t.Errorf("expected only peer 8 to be marked, got %v", m.calls)
	}
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

func TestSchedule_LocalLimiterRefusal(t *testing.T) {
	m := &fakeMarker{}
	d := NewDebouncer(Config{Delay: 5 * time.Millisecond, Limiter: denyAll{}, LimitKey: "1"}, m)
	defer d.Close()

	d.Schedule("7")
	waitFor(t, func() bool { return d.LastMarked() == "" })
	if m.count() != 0 {
		t.Error("backend must not be called when the local limiter refuses")
	}
}

func TestOnMarked(t *testing.T) {
	m := &fakeMarker{}
	got := make(chan wire.ID, 1)
	d := NewDebouncer(Config{Delay: 5 * time.Millisecond, OnMarked: func(p wire.ID) { got <- p }}, m)
	defer d.Close()

	d.Schedule("7")
	select {
	case p := <-got:
		if p != "7" {
			t.Errorf("expected 7, got %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("OnMarked not called")
	}
}

func TestClose_CancelsPending(t *testing.T) {
	m := &fakeMarker{}
	d := NewDebouncer(Config{Delay: 20 * time.Millisecond}, m)

	d.Schedule("7")
	if !d.Pending() {
		t.Fatal("expected a pending call")
	}
	d.Close()
	time.Sleep(50 * time.Millisecond)
	if m.count() != 0 {
		t.Error("closed debouncer must not mark")
	}
	if d.Schedule("8") {
		t.Error("schedule after close should report false")
	}
}
