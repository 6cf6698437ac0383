// Package relay is the pub/sub relay the diners' clients speak to: named
// channels with best-effort broadcast fan-out and presence track/sync.
// Delivery is at-most-once; a slow consumer is dropped rather than
// allowed to back up the table.
package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/susu3304/warikan/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API layer in front of the relay handles origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub owns every active channel and its subscribers.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	name     string
	clients  map[*client]struct{}
	presence map[*client]json.RawMessage
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]*channel)}
}

// ServeHTTP upgrades the request and subscribes it to the channel named
// by the "channel" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("channel")
	if key == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	ch, subscribers := h.join(key, c)
	log.Printf("relay: subscriber joined %s (%d on channel)", key, subscribers)

	go c.writeLoop()
	c.enqueue(mustFrame(transport.Frame{Type: transport.FrameJoined}))
	h.readLoop(ch, c)
}

// join subscribes c and reports the channel's subscriber count, read
// under the mutex so callers never touch the clients map unlocked.
func (h *Hub) join(key string, c *client) (*channel, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[key]
	if !ok {
		ch = &channel{
			name:     key,
			clients:  make(map[*client]struct{}),
			presence: make(map[*client]json.RawMessage),
		}
		h.channels[key] = ch
	}
	ch.clients[c] = struct{}{}
	return ch, len(ch.clients)
}

func (h *Hub) readLoop(ch *channel, c *client) {
	defer h.leave(ch, c)
	for {
		var f transport.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case transport.FrameBroadcast:
			h.broadcast(ch, c, f)
		case transport.FrameTrack:
			h.track(ch, c, f.Payload)
		}
	}
}

// broadcast fans a frame out to every other subscriber on the channel.
// The sender does not hear its own broadcasts.
func (h *Hub) broadcast(ch *channel, sender *client, f transport.Frame) {
	msg := mustFrame(f)
	h.mu.Lock()
	targets := make([]*client, 0, len(ch.clients))
	for c := range ch.clients {
		if c != sender {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
}

// track stores the sender's presence payload and pushes the full
// membership snapshot to everyone on the channel, sender included.
func (h *Hub) track(ch *channel, c *client, payload json.RawMessage) {
	h.mu.Lock()
	ch.presence[c] = payload
	h.mu.Unlock()
	h.sync(ch)
}

func (h *Hub) sync(ch *channel) {
	h.mu.Lock()
	members := make([]json.RawMessage, 0, len(ch.presence))
	for _, m := range ch.presence {
		members = append(members, m)
	}
	targets := make([]*client, 0, len(ch.clients))
	for c := range ch.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	msg := mustFrame(transport.Frame{Type: transport.FrameSync, Members: members})
	for _, c := range targets {
		c.enqueue(msg)
	}
}

func (h *Hub) leave(ch *channel, c *client) {
	h.mu.Lock()
	delete(ch.clients, c)
	_, tracked := ch.presence[c]
	delete(ch.presence, c)
	empty := len(ch.clients) == 0
	if empty {
		delete(h.channels, ch.name)
	}
	h.mu.Unlock()

	close(c.send)
	_ = c.conn.Close()
	log.Printf("relay: subscriber left %s", ch.name)

	if tracked && !empty {
		h.sync(ch)
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// enqueue drops the message if the client's buffer is full; the reader
// side notices the eventual close and resubscribes.
func (c *client) enqueue(msg []byte) {
	defer func() {
		// The send channel closes when the client leaves; a concurrent
		// broadcast losing that race is an acceptable drop.
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func mustFrame(f transport.Frame) []byte {
	raw, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return raw
}
