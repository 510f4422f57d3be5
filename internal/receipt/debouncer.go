// Package receipt debounces mark-as-read calls. The backend rate-limits
// those calls, and dashboards trigger one on every conversation open, so the
// debouncer remembers the last peer it marked and skips repeats until a
// different peer is opened or a rate-limit rejection clears the gate.
package receipt

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/propdash/convsync/internal/api"
	"github.com/propdash/convsync/internal/metrics"
	"github.com/propdash/convsync/internal/ratelimit"
	"github.com/propdash/convsync/internal/schedule"
	"github.com/propdash/convsync/internal/wire"
)

const taskKey = "mark-read"

// ErrLimited is reported when the local outbound limiter refuses a call.
var ErrLimited = errors.New("receipt: mark-read throttled")

// Marker issues the actual mark-as-read call.
type Marker interface {
	MarkRead(ctx context.Context, peerID wire.ID) error
}

// Config holds debouncer settings.
type Config struct {
	// Delay between scheduling and issuing the call.
	Delay time.Duration

	// Limiter, when set, is consulted under LimitKey before each call.
	Limiter  ratelimit.Allower
	LimitKey string

	// OnMarked is called after the backend accepted a mark-read.
	OnMarked func(peerID wire.ID)
}

// DefaultConfig returns the standard 2 second delay with no limiter.
func DefaultConfig() Config {
	return Config{Delay: 2 * time.Second}
}

// Debouncer is goroutine-safe.
type Debouncer struct {
	cfg    Config
	marker Marker
	sched  *schedule.Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	last wire.ID // gate: last peer marked or pending
}

// NewDebouncer creates a debouncer that marks through marker.
func NewDebouncer(cfg Config, marker Marker) *Debouncer {
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		cfg:    cfg,
		marker: marker,
		sched:  schedule.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule arranges for peerID to be marked read after the configured delay.
// It returns false when the call is suppressed because peerID is already the
// gated peer. Scheduling a different peer replaces any pending call.
func (d *Debouncer) Schedule(peerID wire.ID) bool {
	peerID = wire.NormalizeID(peerID)
	if peerID == "" {
		return false
	}

	d.mu.Lock()
	if d.last == peerID {
		d.mu.Unlock()
		metrics.MarkRead.WithLabelValues("suppressed").Inc()
		return false
	}
	d.last = peerID
	d.mu.Unlock()

	return d.sched.After(taskKey, d.cfg.Delay, func() { d.fire(peerID) })
}

func (d *Debouncer) fire(peerID wire.ID) {
	err := d.mark(peerID)
	switch {
	case err == nil:
		metrics.MarkRead.WithLabelValues("ok").Inc()
		if d.cfg.OnMarked != nil {
			d.cfg.OnMarked(peerID)
		}
	case errors.Is(err, ErrLimited) || api.IsRateLimited(err):
		metrics.MarkRead.WithLabelValues("rate_limited").Inc()
		log.Printf("[receipt] mark-read rate limited for peer=%s, clearing gate", peerID)
		d.reset(peerID)
	case errors.Is(err, context.Canceled):
		// Debouncer closed mid-call.
	default:
		metrics.MarkRead.WithLabelValues("error").Inc()
		log.Printf("[receipt] mark-read failed for peer=%s: %v", peerID, err)
	}
}

func (d *Debouncer) mark(peerID wire.ID) error {
	if d.cfg.Limiter != nil {
		ok, _ := d.cfg.Limiter.Allow(d.ctx, d.cfg.LimitKey, ratelimit.RuleMarkRead)
		if !ok {
			return ErrLimited
		}
	}
	return d.marker.MarkRead(d.ctx, peerID)
}

// reset clears the gate if it still names peerID, so the next open of that
// conversation retries. A newer peer's gate is left alone.
func (d *Debouncer) reset(peerID wire.ID) {
	d.mu.Lock()
	if d.last == peerID {
		d.last = ""
	}
	d.mu.Unlock()
}

// LastMarked returns the gated peer id, empty when none.
func (d *Debouncer) LastMarked() wire.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Pending reports whether a mark-read call is waiting to fire.
func (d *Debouncer) Pending() bool {
	return d.sched.Pending(taskKey)
}

// Close cancels any pending call and aborts one in progress.
func (d *Debouncer) Close() {
	d.cancel()
	d.sched.Close()
}
