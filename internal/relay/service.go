package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"rtsp-relay/internal/platform/metrics"
)

// ErrInvalidSource is returned for watch requests whose source address does
// not use the rtsp scheme. Rejected synchronously; no state is mutated.
var ErrInvalidSource = errors.New("source address must use the rtsp:// scheme")

// processManager is the supervisor surface the service needs.
type processManager interface {
	Start(ctx context.Context, id FeedID, sourceAddress string) error
	Stop(id FeedID) error
	Running(id FeedID) bool
	Count() int
}

// Service orchestrates viewer intents across the registry, the supervisor,
// and the fan-out groups. All compound mutations for one feed run under that
// feed's lock, so two racing first-watch requests for one address can spawn
// only one process, and a leave racing a teardown cannot double-stop.
type Service struct {
	registry *Registry
	procs    processManager
	groups   *Groups
	store    GroupStore
	locks    *feedLocks
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewService wires the gateway service. A nil store disables the mirror;
// metrics may be nil.
func NewService(registry *Registry, procs processManager, groups *Groups, store GroupStore, log *slog.Logger, m *metrics.Metrics) *Service {
	if store == nil {
		store = NopGroupStore{}
	}
	return &Service{
		registry: registry,
		procs:    procs,
		groups:   groups,
		store:    store,
		locks:    newFeedLocks(),
		log:      log,
		metrics:  m,
	}
}

// Watch handles a viewer's request to watch the camera at sourceAddress.
// The first viewer of an address creates the feed and spawns its transcoding
// process; later viewers join the existing one. The returned flag reports
// whether this call created the feed.
//
// A stale feed record whose process already died is discarded first and the
// watch proceeds as a fresh creation. Spawn failure rolls the feed back and
// is returned to this caller alone.
func (s *Service) Watch(ctx context.Context, sourceAddress, title string, viewer ViewerID, ch Channel) (FeedInfo, bool, error) {
	if !strings.HasPrefix(sourceAddress, "rtsp://") {
		return FeedInfo{}, false, ErrInvalidSource
	}

	id := DeriveID(sourceAddress)
	unlock := s.locks.lock(id)
	defer unlock()

	if _, ok := s.registry.Get(id); ok && !s.procs.Running(id) {
		s.log.Info("discarding stale feed record", "feed_id", id)
		s.registry.Remove(id)
	}

	info, created := s.registry.Join(id, sourceAddress, title, viewer)
	if created {
		if err := s.procs.Start(ctx, id, sourceAddress); err != nil {
			s.registry.Remove(id)
			return FeedInfo{}, false, fmt.Errorf("start feed %s: %w", id, err)
		}
		s.log.Info("feed created", "feed_id", id, "viewer", viewer)
	} else {
		s.log.Info("viewer joined existing feed", "feed_id", id, "viewer", viewer)
	}

	s.groups.Register(id, ch)

	// Refresh: the supervisor publishes the active transition during Start.
	if current, ok := s.registry.Get(id); ok {
		info = current
	}
	if err := s.store.StoreFeedInfo(ctx, info); err != nil {
		s.log.Warn("group store feed info update failed", "feed_id", id, "error", err)
	}

	return info, created, nil
}

// Unwatch removes the viewer from the feed and tears the process down when
// the last viewer left. Unwatching an unknown feed or one the viewer never
// joined is a no-op.
func (s *Service) Unwatch(id FeedID, viewer ViewerID, ch Channel) {
	unlock := s.locks.lock(id)
	defer unlock()

	s.groups.Unregister(id, ch)
	if s.registry.Leave(id, viewer) {
		s.log.Info("last viewer left, tearing feed down", "feed_id", id)
		if err := s.procs.Stop(id); err != nil {
			s.log.Error("teardown failed", "feed_id", id, "error", err)
		}
	}
}

// ListWatched returns the feeds the viewer is currently watching.
func (s *Service) ListWatched(viewer ViewerID) []FeedInfo {
	return s.registry.ListForViewer(viewer)
}

// DisconnectCleanup runs the full leave sequence for every feed the closed
// channel was registered under. Each feed is cleaned up independently; a
// failure on one never prevents cleanup of the rest.
func (s *Service) DisconnectCleanup(viewer ViewerID, ch Channel) {
	for _, id := range s.groups.FeedsFor(ch) {
		s.cleanupFeed(id, viewer, ch)
	}
	s.log.Info("viewer disconnected", "viewer", viewer)
}

func (s *Service) cleanupFeed(id FeedID, viewer ViewerID, ch Channel) {
	unlock := s.locks.lock(id)
	defer unlock()

	s.groups.Unregister(id, ch)
	if s.registry.Leave(id, viewer) {
		if err := s.procs.Stop(id); err != nil {
			s.log.Error("teardown failed during disconnect cleanup", "feed_id", id, "error", err)
		}
	}
}

// Stats is a point-in-time summary of gateway state.
type Stats struct {
	TotalFeeds       int            `json:"total_feeds"`
	FeedsByStatus    map[Status]int `json:"feeds_by_status"`
	ActiveProcesses  int            `json:"active_processes"`
	ConnectedViewers int            `json:"connected_viewers"`
}

// Stats returns current feed, process, and viewer counts.
func (s *Service) Stats() Stats {
	return Stats{
		TotalFeeds:       len(s.registry.List()),
		FeedsByStatus:    s.registry.CountByStatus(),
		ActiveProcesses:  s.procs.Count(),
		ConnectedViewers: s.groups.ChannelCount(),
	}
}
