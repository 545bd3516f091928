package bus

import (
	"sync"

	"github.com/kirei/chargeamps-hass/internal/chargepoint"
)

// Bus provides fan-out pub/sub semantics for *chargepoint.Snapshot* messages.
// Each Subscribe call gets its own channel that receives every future
// publication. Past messages are not replayed. The implementation is safe for
// concurrent publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan *chargepoint.Snapshot
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a read-only channel that will receive all future
// snapshots.
func (b *Bus) Subscribe() <-chan *chargepoint.Snapshot {
	ch := make(chan *chargepoint.Snapshot, 1) // small buffer avoids blocking
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the snapshot to all subscribers in a best-effort,
// non-blocking way. A subscriber whose buffer is full simply misses this
// snapshot and picks up the next one.
func (b *Bus) Publish(s *chargepoint.Snapshot) {
	b.mu.RLock()
	subs := make([]chan *chargepoint.Snapshot, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- s:
		default:
			continue
		}
	}
}
