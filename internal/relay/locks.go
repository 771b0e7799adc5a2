package relay

import "sync"

// feedLocks serializes compound operations per feed id. Join-then-spawn and
// leave-then-teardown must each be atomic for one feed, but unrelated feeds
// must never contend, so a single lock across all feeds is not an option.
// Entries are refcounted and removed when the last holder releases.
type feedLocks struct {
	mu      sync.Mutex
	entries map[FeedID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newFeedLocks() *feedLocks {
	return &feedLocks{entries: make(map[FeedID]*lockEntry)}
}

// lock acquires the mutex for id and returns the corresponding release func.
func (l *feedLocks) lock(id FeedID) func() {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
