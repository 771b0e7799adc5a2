// Package transport carries viewer commands and server pushes over a
// persistent WebSocket connection. One connection is one viewer; the gateway
// core never sees the wire.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"rtsp-relay/internal/relay"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024
	sendBufferSize = 64
)

// Gateway is the core surface the transport drives.
type Gateway interface {
	Watch(ctx context.Context, sourceAddress, title string, viewer relay.ViewerID, ch relay.Channel) (relay.FeedInfo, bool, error)
	Unwatch(id relay.FeedID, viewer relay.ViewerID, ch relay.Channel)
	ListWatched(viewer relay.ViewerID) []relay.FeedInfo
	DisconnectCleanup(viewer relay.ViewerID, ch relay.Channel)
}

// Handler upgrades viewer connections and dispatches their commands.
type Handler struct {
	gw       Gateway
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a WebSocket handler over the given gateway.
func NewHandler(gw Gateway, log *slog.Logger) *Handler {
	return &Handler{
		gw:  gw,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// command is one inbound viewer intent.
type command struct {
	Action   string `json:"action"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	StreamID string `json:"stream_id"`
}

// ServeWS handles GET /ws/streams: upgrades, assigns the viewer an ephemeral
// id, and serves the connection until it closes. Closing triggers the full
// disconnect cleanup exactly once.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   relay.ViewerID(uuid.NewString()),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		log:  h.log,
	}
	go c.writePump()

	h.log.Info("viewer connected", "viewer", c.id)
	if err := c.Send(relay.NewConnectedEvent(c.id)); err != nil {
		h.log.Warn("connected event dropped", "viewer", c.id, "error", err)
	}

	h.readLoop(c)
}

func (h *Handler) readLoop(c *client) {
	defer func() {
		h.gw.DisconnectCleanup(c.id, c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendEvent(relay.NewErrorEvent("invalid JSON payload"))
			continue
		}
		h.dispatch(c, cmd)
	}
}

func (h *Handler) dispatch(c *client, cmd command) {
	switch cmd.Action {
	case "watch":
		info, _, err := h.gw.Watch(context.Background(), cmd.URL, cmd.Title, c.id, c)
		if err != nil {
			h.log.Warn("watch rejected", "viewer", c.id, "error", err)
			c.sendEvent(relay.NewErrorEvent(watchErrorMessage(err)))
			return
		}
		c.sendEvent(relay.NewFeedJoinedEvent(info))

	case "unwatch":
		if cmd.StreamID == "" {
			c.sendEvent(relay.NewErrorEvent("stream_id is required"))
			return
		}
		id := relay.FeedID(cmd.StreamID)
		h.gw.Unwatch(id, c.id, c)
		c.sendEvent(relay.NewFeedLeftEvent(id))

	case "list":
		c.sendEvent(relay.NewFeedListEvent(h.gw.ListWatched(c.id)))

	default:
		c.sendEvent(relay.NewErrorEvent(fmt.Sprintf("unknown action: %s", cmd.Action)))
	}
}

func watchErrorMessage(err error) string {
	if errors.Is(err, relay.ErrInvalidSource) {
		return "invalid RTSP URL format"
	}
	return fmt.Sprintf("failed to add stream: %v", err)
}

// client is one viewer connection. It implements relay.Channel: Send
// enqueues without blocking and a full buffer drops the message, so one slow
// viewer can never stall the broadcast path.
type client struct {
	id   relay.ViewerID
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

var (
	errChannelClosed = errors.New("channel closed")
	errBufferFull    = errors.New("send buffer full")
)

// Name implements relay.Channel.
func (c *client) Name() string {
	return string(c.id)
}

// Send implements relay.Channel.
func (c *client) Send(event any) error {
	buf, err := json.Marshal(event)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	select {
	case c.send <- buf:
		return nil
	default:
		return errBufferFull
	}
}

// sendEvent is Send for the request/reply path, where a dropped reply is
// only worth a log line.
func (c *client) sendEvent(event any) {
	if err := c.Send(event); err != nil {
		c.log.Debug("reply dropped", "viewer", c.id, "error", err)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for buf := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			// Keep draining so senders never block; the read loop will
			// observe the dead connection and clean up.
			continue
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
