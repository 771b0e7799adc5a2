package relay

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rtsp-relay/internal/platform/metrics"
)

// tsSyncByte is the first byte of every MPEG-TS packet. Segments that do not
// start with it are stale rotation artifacts, not playable media.
const tsSyncByte = 0x47

// broadcaster is the fan-out the relay pushes validated segments into.
type broadcaster interface {
	Broadcast(id FeedID, event any)
}

// SegmentRelay discovers newly written segment files in a feed's working
// storage and broadcasts them to the feed's viewers. Discovery is polling
// with an explicit interval; each candidate file gets a settle delay before
// it is read so a file still being written is never picked up half-done.
type SegmentRelay struct {
	interval time.Duration
	settle   time.Duration
	groups   broadcaster
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewSegmentRelay returns a relay broadcasting through groups. metrics may
// be nil.
func NewSegmentRelay(interval, settle time.Duration, groups broadcaster, log *slog.Logger, m *metrics.Metrics) *SegmentRelay {
	return &SegmentRelay{interval: interval, settle: settle, groups: groups, log: log, metrics: m}
}

// Run polls dir until ctx is canceled. Files are keyed by name in a seen-set
// for the lifetime of the loop, so a segment is broadcast at most once even
// when the poll observes it across several cycles. Directory errors (the
// transcoder may not have created its first segment yet) skip the cycle.
func (r *SegmentRelay) Run(ctx context.Context, id FeedID, dir string) {
	seen := make(map[string]struct{})

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if !strings.HasSuffix(name, ".ts") {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(r.settle):
			}

			// Seen whether or not it validates: rejects are rotation
			// artifacts, not recoverable errors, and are never retried.
			seen[name] = struct{}{}
			r.relayFile(id, dir, name)
		}
	}
}

func (r *SegmentRelay) relayFile(id FeedID, dir, name string) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		r.log.Debug("segment read failed", "feed_id", id, "segment", name, "error", err)
		return
	}
	if !validSegment(data) {
		r.log.Debug("dropping invalid segment", "feed_id", id, "segment", name, "size", len(data))
		return
	}

	r.groups.Broadcast(id, NewSegmentEvent(id, data, name))
	if r.metrics != nil {
		r.metrics.IncSegmentsRelayed()
	}
	r.log.Debug("segment relayed", "feed_id", id, "segment", name, "size", len(data))
}

// validSegment is a cheap structural sanity check, not a decode: non-empty
// and leading with the MPEG-TS sync marker.
func validSegment(data []byte) bool {
	return len(data) > 0 && data[0] == tsSyncByte
}
