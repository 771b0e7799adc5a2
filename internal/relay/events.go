package relay

import (
	"encoding/base64"
	"time"
)

// Channel is one viewer's live push connection. Send must be non-blocking and
// safe for concurrent use; a Channel that can no longer deliver returns an
// error and the caller drops the message.
type Channel interface {
	// Name returns a stable identifier for the channel, used as the group
	// membership key.
	Name() string
	Send(event any) error
}

// Outbound event type discriminators.
const (
	EventConnected  = "connected"
	EventFeedJoined = "feed_joined"
	EventFeedLeft   = "feed_left"
	EventFeedList   = "feeds"
	EventSegment    = "segment"
	EventStatus     = "status"
	EventError      = "error"
)

// ConnectedEvent is sent once when a viewer connection is established.
type ConnectedEvent struct {
	Type     string   `json:"type"`
	ViewerID ViewerID `json:"viewer_id"`
}

// FeedJoinedEvent acknowledges a successful watch request.
type FeedJoinedEvent struct {
	Type     string `json:"type"`
	StreamID FeedID `json:"stream_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// FeedLeftEvent acknowledges a successful unwatch request.
type FeedLeftEvent struct {
	Type     string `json:"type"`
	StreamID FeedID `json:"stream_id"`
}

// FeedListEvent carries the feeds a viewer is currently watching.
type FeedListEvent struct {
	Type    string     `json:"type"`
	Streams []FeedInfo `json:"streams"`
}

// SegmentEvent carries one transcoded media segment. Chunk is base64 encoded
// because the transport frames text messages.
type SegmentEvent struct {
	Type        string `json:"type"`
	StreamID    FeedID `json:"stream_id"`
	Chunk       string `json:"chunk"`
	Timestamp   string `json:"timestamp"`
	SegmentName string `json:"segment_name"`
	ChunkSize   int    `json:"chunk_size"`
}

// StatusEvent carries a feed status transition.
type StatusEvent struct {
	Type     string `json:"type"`
	StreamID FeedID `json:"stream_id"`
	Status   Status `json:"status"`
	Message  string `json:"message"`
}

// ErrorEvent reports a request-level failure to a single viewer.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewConnectedEvent(viewer ViewerID) ConnectedEvent {
	return ConnectedEvent{Type: EventConnected, ViewerID: viewer}
}

func NewFeedJoinedEvent(info FeedInfo) FeedJoinedEvent {
	return FeedJoinedEvent{
		Type:     EventFeedJoined,
		StreamID: info.ID,
		URL:      info.SourceAddress,
		Title:    info.Title,
	}
}

func NewFeedLeftEvent(id FeedID) FeedLeftEvent {
	return FeedLeftEvent{Type: EventFeedLeft, StreamID: id}
}

func NewFeedListEvent(streams []FeedInfo) FeedListEvent {
	if streams == nil {
		streams = []FeedInfo{}
	}
	return FeedListEvent{Type: EventFeedList, Streams: streams}
}

func NewSegmentEvent(id FeedID, data []byte, name string) SegmentEvent {
	return SegmentEvent{
		Type:        EventSegment,
		StreamID:    id,
		Chunk:       base64.StdEncoding.EncodeToString(data),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		SegmentName: name,
		ChunkSize:   len(data),
	}
}

func NewStatusEvent(id FeedID, status Status, message string) StatusEvent {
	return StatusEvent{Type: EventStatus, StreamID: id, Status: status, Message: message}
}

func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}
