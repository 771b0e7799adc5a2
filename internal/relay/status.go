package relay

import (
	"context"
	"log/slog"
)

// StatusPublisher propagates feed status transitions to the registry, the
// shared store, and every viewer of the feed.
type StatusPublisher struct {
	registry *Registry
	groups   *Groups
	store    GroupStore
	log      *slog.Logger
}

// NewStatusPublisher wires a publisher to the given registry and fan-out. A
// nil store disables the mirror.
func NewStatusPublisher(registry *Registry, groups *Groups, store GroupStore, log *slog.Logger) *StatusPublisher {
	if store == nil {
		store = NopGroupStore{}
	}
	return &StatusPublisher{registry: registry, groups: groups, store: store, log: log}
}

// Publish records the transition and broadcasts it to the feed's group.
// Publishing for a feed that was already removed is tolerated: the registry
// drops the update and the broadcast reaches whoever is still registered.
func (p *StatusPublisher) Publish(id FeedID, status Status, message string) {
	p.registry.UpdateStatus(id, status, message)

	if err := p.store.SetFeedStatus(context.Background(), id, status, message); err != nil {
		p.log.Warn("group store status update failed", "feed_id", id, "error", err)
	}

	p.groups.Broadcast(id, NewStatusEvent(id, status, message))
}
