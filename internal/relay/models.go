package relay

import "time"

// FeedID uniquely identifies one upstream camera feed. It is derived
// deterministically from the source address, so independent requests for the
// same camera map to the same feed.
type FeedID string

// ViewerID is the ephemeral opaque identifier assigned to one consumer
// connection.
type ViewerID string

// Status is the lifecycle state of a feed.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// Feed is the in-memory record for one upstream source being relayed.
type Feed struct {
	ID            FeedID
	SourceAddress string
	Title         string
	Status        Status
	LastMessage   string
	CreatedAt     time.Time
	viewers       map[ViewerID]struct{}
}

// FeedInfo is the read-only snapshot of a Feed exposed over the API and in
// outbound events.
type FeedInfo struct {
	ID            FeedID    `json:"id"`
	SourceAddress string    `json:"url"`
	Title         string    `json:"title"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	ViewerCount   int       `json:"viewer_count"`
}

func (f *Feed) snapshot() FeedInfo {
	return FeedInfo{
		ID:            f.ID,
		SourceAddress: f.SourceAddress,
		Title:         f.Title,
		Status:        f.Status,
		CreatedAt:     f.CreatedAt,
		ViewerCount:   len(f.viewers),
	}
}
