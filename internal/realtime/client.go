package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 32
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   string
	TenantID string
	// ExpiresAt is the access token expiry; the connection is closed when
	// it passes so revoked accounts cannot listen forever.
	ExpiresAt time.Time
}

// SubscribeGuard authorizes a video-room subscription. The handshake
// handler supplies one that checks the video belongs to the caller's
// organization or is public.
type SubscribeGuard func(ctx context.Context, videoID string) bool

// clientFrame is the wire shape for client-to-server messages.
type clientFrame struct {
	Action  string `json:"action"`
	VideoID string `json:"video_id,omitempty"`
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn

	identity Identity
	guard    SubscribeGuard
	logger   zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, identity Identity, guard SubscribeGuard, logger zerolog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		identity: identity,
		guard:    guard,
		logger:   logger,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *Client) Identity() Identity { return c.identity }

// Start registers the client and launches the read and write pumps. The
// caller must not touch conn afterwards.
func (c *Client) Start() {
	c.hub.register(c)
	go c.writePump()
	go c.readPump()
}

// Send marshals one event for this client alone, outside any room.
func (c *Client) Send(event string, payload any) {
	msg, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("marshal event")
		return
	}
	c.enqueue(msg)
}

// enqueue never blocks: when the queue is full the oldest message is
// dropped. Progress ticks are ephemeral, so losing one beats stalling the
// hub on a slow reader.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read")
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.Send("error", map[string]string{"error": "malformed frame"})
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f clientFrame) {
	switch f.Action {
	case "subscribe:video":
		if f.VideoID == "" {
			c.Send("error", map[string]string{"error": "video_id required"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		allowed := c.guard == nil || c.guard(ctx, f.VideoID)
		cancel()
		if !allowed {
			c.Send("error", map[string]string{"error": "video not found"})
			return
		}
		c.hub.Join(c, "video:"+f.VideoID)
		c.Send("subscribed", map[string]string{"video_id": f.VideoID})
	case "unsubscribe:video":
		if f.VideoID != "" {
			c.hub.Leave(c, "video:"+f.VideoID)
		}
	default:
		c.Send("error", map[string]string{"error": "unknown action"})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	expiry := expiryTimer(c.identity.ExpiresAt)
	defer expiry.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-expiry.C:
			deadline := time.Now().Add(writeWait)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "token expired"), deadline)
			return
		case <-c.done:
			return
		}
	}
}

// expiryTimer fires when the token lapses; a zero expiry never fires.
func expiryTimer(at time.Time) *time.Timer {
	if at.IsZero() {
		t := time.NewTimer(time.Hour)
		t.Stop()
		return t
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	return time.NewTimer(d)
}
