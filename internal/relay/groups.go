package relay

import (
	"context"
	"log/slog"
	"sync"
)

// Groups is the bidirectional membership index between feeds and viewer
// channels: it answers both "who gets this feed's events" and "which feeds
// must be cleaned up when this channel closes". Membership changes are
// mirrored best-effort into the GroupStore so channels living on other
// gateway processes can be addressed.
type Groups struct {
	mu        sync.RWMutex
	byFeed    map[FeedID]map[string]Channel
	byChannel map[string]map[FeedID]struct{}
	store     GroupStore
	log       *slog.Logger
}

// NewGroups returns an empty membership index. A nil store disables the
// mirror.
func NewGroups(store GroupStore, log *slog.Logger) *Groups {
	if store == nil {
		store = NopGroupStore{}
	}
	return &Groups{
		byFeed:    make(map[FeedID]map[string]Channel),
		byChannel: make(map[string]map[FeedID]struct{}),
		store:     store,
		log:       log,
	}
}

// Register adds ch to the feed's group. Registering an already-registered
// channel is a no-op.
func (g *Groups) Register(id FeedID, ch Channel) {
	g.mu.Lock()
	if g.byFeed[id] == nil {
		g.byFeed[id] = make(map[string]Channel)
	}
	g.byFeed[id][ch.Name()] = ch
	if g.byChannel[ch.Name()] == nil {
		g.byChannel[ch.Name()] = make(map[FeedID]struct{})
	}
	g.byChannel[ch.Name()][id] = struct{}{}
	g.mu.Unlock()

	if err := g.store.AddChannel(context.Background(), id, ch.Name()); err != nil {
		g.log.Warn("group store add failed", "feed_id", id, "channel", ch.Name(), "error", err)
	}
}

// Unregister removes ch from the feed's group. Unregistering a non-member is
// a no-op.
func (g *Groups) Unregister(id FeedID, ch Channel) {
	g.mu.Lock()
	if members, ok := g.byFeed[id]; ok {
		delete(members, ch.Name())
		if len(members) == 0 {
			delete(g.byFeed, id)
		}
	}
	if feeds, ok := g.byChannel[ch.Name()]; ok {
		delete(feeds, id)
		if len(feeds) == 0 {
			delete(g.byChannel, ch.Name())
		}
	}
	g.mu.Unlock()

	if err := g.store.RemoveChannel(context.Background(), id, ch.Name()); err != nil {
		g.log.Warn("group store remove failed", "feed_id", id, "channel", ch.Name(), "error", err)
	}
}

// Broadcast delivers event to every channel registered under id. Delivery is
// best-effort per channel; one stale channel never blocks the rest.
func (g *Groups) Broadcast(id FeedID, event any) {
	g.mu.RLock()
	channels := make([]Channel, 0, len(g.byFeed[id]))
	for _, ch := range g.byFeed[id] {
		channels = append(channels, ch)
	}
	g.mu.RUnlock()

	for _, ch := range channels {
		if err := ch.Send(event); err != nil {
			g.log.Debug("dropping event for stale channel",
				"feed_id", id, "channel", ch.Name(), "error", err)
		}
	}
}

// FeedsFor returns the ids of every feed the channel is registered under.
func (g *Groups) FeedsFor(ch Channel) []FeedID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	feeds := g.byChannel[ch.Name()]
	out := make([]FeedID, 0, len(feeds))
	for id := range feeds {
		out = append(out, id)
	}
	return out
}

// ChannelCount returns the number of distinct channels registered under at
// least one feed.
func (g *Groups) ChannelCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byChannel)
}
