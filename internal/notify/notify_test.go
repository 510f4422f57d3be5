package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTray_AutoDismiss(t *testing.T) {
	var changes int32
	tray := NewTray(func() { atomic.AddInt32(&changes, 1) })
	defer tray.Close()

	n := Error("send failed")
	n.DismissAfter = 30 * time.Millisecond
	tray.Notify(context.Background(), n)

	if got := tray.Active(); len(got) != 1 || got[0].Message != "send failed" {
		t.Fatalf("expected one active notification, got %+v", got)
	}

	deadline := time.Now().Add(time.Second)
	for len(tray.Active()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("notification was not dismissed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c := atomic.LoadInt32(&changes); c != 2 {
		t.Errorf("expected 2 change callbacks (add, dismiss), got %d", c)
	}
}

func TestTray_ManualDismiss(t *testing.T) {
	tray := NewTray(nil)
	defer tray.Close()

	a, b := New(LevelInfo, "a"), New(LevelInfo, "b")
	tray.Notify(context.Background(), a)
	tray.Notify(context.Background(), b)
	tray.Dismiss(a.ID)

	got := tray.Active()
	if len(got) != 1 || got[0].ID != b.ID {
		t.Fatalf("expected only b to remain, got %+v", got)
	}
}

func TestTray_DefaultsMissingFields(t *testing.T) {
	tray := NewTray(nil)
	defer tray.Close()

	tray.Notify(context.Background(), Notification{Level: LevelError, Message: "x"})
	got := tray.Active()
	if len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Error("expected an id to be assigned")
	}
	if got[0].DismissAfter != DefaultDismissAfter {
		t.Errorf("expected default lifetime, got %v", got[0].DismissAfter)
	}
}

func TestTray_ClosedDropsNotifications(t *testing.T) {
	tray := NewTray(nil)
	tray.Close()

	tray.Notify(context.Background(), Error("late"))
	if len(tray.Active()) != 0 {
		t.Error("closed tray should not keep notifications")
	}
}

func TestMulti(t *testing.T) {
	var a, b int32
	m := Multi(
		NotifierFunc(func(context.Context, Notification) { atomic.AddInt32(&a, 1) }),
		nil,
		NotifierFunc(func(context.Context, Notification) { atomic.AddInt32(&b, 1) }),
	)
	m.Notify(context.Background(), Error("x"))
	if a != 1 || b != 1 {
		t.Errorf("expected both notifiers called once, got a=%d b=%d", a, b)
	}
}
