package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// feedIDLength is the width of a derived feed identifier in hex characters.
const feedIDLength = 12

// DeriveID maps a source address to its feed identifier. The same address
// always yields the same id, which is what lets independent watch requests
// for one camera share a single transcoding process.
func DeriveID(sourceAddress string) FeedID {
	sum := sha256.Sum256([]byte(sourceAddress))
	return FeedID(hex.EncodeToString(sum[:])[:feedIDLength])
}

// Registry is the concurrency-safe in-memory map of live feeds and their
// viewer sets. It holds pure bookkeeping state; process lifecycle belongs to
// the Supervisor.
type Registry struct {
	mu    sync.RWMutex
	feeds map[FeedID]*Feed
}

// NewRegistry returns an empty feed registry.
func NewRegistry() *Registry {
	return &Registry{feeds: make(map[FeedID]*Feed)}
}

// Join adds viewer to the feed with the given id, creating the feed if no
// live record exists. The returned flag is true only for the call that
// created the record; the check and the create happen under one lock, so two
// racing first-joins cannot both report created.
func (r *Registry) Join(id FeedID, sourceAddress, title string, viewer ViewerID) (FeedInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if feed, ok := r.feeds[id]; ok {
		feed.viewers[viewer] = struct{}{}
		return feed.snapshot(), false
	}

	if title == "" {
		title = "Stream " + string(id[:6])
	}
	feed := &Feed{
		ID:            id,
		SourceAddress: sourceAddress,
		Title:         title,
		Status:        StatusStarting,
		CreatedAt:     time.Now().UTC(),
		viewers:       map[ViewerID]struct{}{viewer: {}},
	}
	r.feeds[id] = feed
	return feed.snapshot(), true
}

// Leave removes viewer from the feed and reports whether the viewer set
// became empty, i.e. whether the caller should tear the feed down. Leaving an
// unknown feed or a feed the viewer is not a member of is a no-op returning
// false, so repeated leaves never trigger a second teardown.
func (r *Registry) Leave(id FeedID, viewer ViewerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	feed, ok := r.feeds[id]
	if !ok {
		return false
	}
	if _, member := feed.viewers[viewer]; !member {
		return false
	}
	delete(feed.viewers, viewer)
	return len(feed.viewers) == 0
}

// Get returns a snapshot of the feed with the given id.
func (r *Registry) Get(id FeedID) (FeedInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	feed, ok := r.feeds[id]
	if !ok {
		return FeedInfo{}, false
	}
	return feed.snapshot(), true
}

// List returns snapshots of all live feeds.
func (r *Registry) List() []FeedInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FeedInfo, 0, len(r.feeds))
	for _, feed := range r.feeds {
		out = append(out, feed.snapshot())
	}
	return out
}

// ListForViewer returns snapshots of every feed the viewer is watching.
func (r *Registry) ListForViewer(viewer ViewerID) []FeedInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []FeedInfo
	for _, feed := range r.feeds {
		if _, member := feed.viewers[viewer]; member {
			out = append(out, feed.snapshot())
		}
	}
	return out
}

// UpdateStatus mutates the feed's status and last message. Updates for an
// absent feed are dropped; status changes racing with teardown are expected
// and tolerated.
func (r *Registry) UpdateStatus(id FeedID, status Status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if feed, ok := r.feeds[id]; ok {
		feed.Status = status
		feed.LastMessage = message
	}
}

// Remove deletes the feed record. Called only after the corresponding
// process has been confirmed terminated, or to discard a stale record whose
// process died without the registry being told.
func (r *Registry) Remove(id FeedID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.feeds, id)
}

// ActiveCount returns the number of feeds that are not stopped.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, feed := range r.feeds {
		if feed.Status != StatusStopped {
			n++
		}
	}
	return n
}

// CountByStatus returns the number of feeds per status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Status]int)
	for _, feed := range r.feeds {
		out[feed.Status]++
	}
	return out
}

// ViewerCount returns the total number of viewer memberships across all feeds.
func (r *Registry) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, feed := range r.feeds {
		n += len(feed.viewers)
	}
	return n
}
