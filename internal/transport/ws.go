package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame is the wire envelope spoken between clients and the relay.
type Frame struct {
	Type    string            `json:"type"` // joined | broadcast | track | sync
	Event   string            `json:"event,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Members []json.RawMessage `json:"members,omitempty"`
}

// Frame types.
const (
	FrameJoined    = "joined"
	FrameBroadcast = "broadcast"
	FrameTrack     = "track"
	FrameSync      = "sync"
)

// WebsocketDialer returns a Dialer that subscribes channels over a relay
// endpoint, e.g. "ws://localhost:3000/ws".
func WebsocketDialer(endpoint string) Dialer {
	return func(key string) (Channel, error) {
		return dialWS(endpoint, key)
	}
}

type wsChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	joined  chan struct{}

	mu       sync.Mutex
	closed   bool
	handlers []Handler
	syncs    []SyncHandler
}

func dialWS(endpoint, key string) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.Dial(endpoint+"?channel="+url.QueryEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	ch := &wsChannel{
		conn:   conn,
		joined: make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

func (c *wsChannel) readLoop() {
	joined := false
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}
		switch f.Type {
		case FrameJoined:
			if !joined {
				joined = true
				close(c.joined)
			}
		case FrameBroadcast:
			c.mu.Lock()
			handlers := append([]Handler(nil), c.handlers...)
			c.mu.Unlock()
			for _, fn := range handlers {
				fn(f.Event, f.Payload)
			}
		case FrameSync:
			c.mu.Lock()
			syncs := append([]SyncHandler(nil), c.syncs...)
			c.mu.Unlock()
			for _, fn := range syncs {
				fn(f.Members)
			}
		}
	}
}

func (c *wsChannel) WaitJoined(ctx context.Context) error {
	select {
	case <-c.joined:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsChannel) write(f Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("channel connection lost")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *wsChannel) Send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.write(Frame{Type: FrameBroadcast, Event: event, Payload: raw})
}

func (c *wsChannel) Track(ctx context.Context, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal presence data: %w", err)
	}
	return c.write(Frame{Type: FrameTrack, Payload: raw})
}

func (c *wsChannel) OnEvent(fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

func (c *wsChannel) OnSync(fn SyncHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs = append(c.syncs, fn)
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}
