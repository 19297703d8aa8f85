package worker

import (
	"sync"
	"time"
)

// blocklist holds addresses whose traffic is dropped until an expiry.
type blocklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func newBlocklist() *blocklist {
	return &blocklist{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// add blocks address for d. A later expiry extends an existing block; an
// earlier one never shortens it.
func (b *blocklist) add(address string, d time.Duration) {
	until := b.now().Add(d)

	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.entries[address]; ok && cur.After(until) {
		return
	}
	b.entries[address] = until
}

func (b *blocklist) blocked(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.entries[address]
	if !ok {
		return false
	}
	if !b.now().Before(until) {
		delete(b.entries, address)
		return false
	}
	return true
}

// expire removes lapsed entries and returns how many were removed.
func (b *blocklist) expire() int {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for addr, until := range b.entries {
		if !now.Before(until) {
			delete(b.entries, addr)
			n++
		}
	}
	return n
}

func (b *blocklist) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
