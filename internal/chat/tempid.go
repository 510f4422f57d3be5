package chat

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/propdash/convsync/internal/wire"
)

// TempPrefix marks ids fabricated locally for optimistic messages.
const TempPrefix = "temp-"

// TempIDs generates temp-<epoch millis> ids. Two sends within the same
// millisecond get successive values, so ids stay unique per client.
type TempIDs struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewTempIDs creates a generator driven by the wall clock.
func NewTempIDs() *TempIDs {
	return &TempIDs{now: time.Now}
}

// Next returns a fresh temp id, strictly greater than the previous one.
func (g *TempIDs) Next() wire.ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return wire.ID(TempPrefix + strconv.FormatInt(ms, 10))
}

// IsTemp reports whether id was produced by a TempIDs generator.
func IsTemp(id wire.ID) bool {
	return len(id) > len(TempPrefix) && strings.HasPrefix(string(id), TempPrefix)
}
