package market

import (
	"sync"
	"time"

	"aster-hunter/pkg/types"
)

// markStaleAfter bounds how long a cached mark price stays usable. The
// stream delivers one tick per second per symbol; a ten-second gap means
// the feed is unhealthy and callers should fall back to a REST read.
const markStaleAfter = 10 * time.Second

type markEntry struct {
	price float64
	at    time.Time
}

// Marks is the in-memory mark-price mirror fed by the market stream.
type Marks struct {
	mu    sync.RWMutex
	marks map[string]markEntry
	now   func() time.Time
}

// NewMarks creates an empty mirror.
func NewMarks() *Marks {
	return &Marks{
		marks: make(map[string]markEntry),
		now:   time.Now,
	}
}

// Update records a mark-price tick.
func (m *Marks) Update(upd types.MarkPriceUpdate) {
	m.mu.Lock()
	m.marks[upd.Symbol] = markEntry{price: upd.MarkPrice, at: m.now()}
	m.mu.Unlock()
}

// Get returns the mark price for a symbol. ok is false when no tick was
// recorded or the last one is stale.
func (m *Marks) Get(symbol string) (price float64, ok bool) {
	m.mu.RLock()
	e, found := m.marks[symbol]
	m.mu.RUnlock()
	if !found || m.now().Sub(e.at) > markStaleAfter {
		return 0, false
	}
	return e.price, true
}
